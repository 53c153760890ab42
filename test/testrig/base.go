// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package testrig

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/test"
)

// CreateConfig returns a monolith config backed by a fresh database of the
// given type and an in-memory JetStream, plus the process context that owns
// it. The returned function shuts everything down again.
func CreateConfig(t *testing.T, dbType test.DBType) (*config.SyncEngine, *process.ProcessContext, func()) {
	var cfg config.SyncEngine
	cfg.Defaults(config.DefaultOpts{
		Generate:       false,
		SingleDatabase: true,
	})
	cfg.Global.JetStream.InMemory = true
	cfg.Global.JetStream.NoLog = true
	cfg.Global.JetStream.TopicPrefix = fmt.Sprintf("Test%s", filepath.Base(t.Name()))
	cfg.Global.ServerName = "test"
	cfg.Global.Cache.EstimatedMaxSize = 8 * 1024 * 1024

	processCtx := process.NewProcessContext()
	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
	cfg.Global.DatabaseOptions = config.DatabaseOptions{
		ConnectionString:   config.DataSource(connStr),
		MaxOpenConnections: 10,
		MaxIdleConnections: 2,
	}
	return &cfg, processCtx, func() {
		processCtx.Shutdown()
		processCtx.WaitForComponentsToFinish()
		closeDB()
	}
}
