// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/process"
)

// handleSignals shuts the process down on the first SIGINT or SIGTERM.
func handleSignals(processCtx *process.ProcessContext) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-processCtx.WaitForShutdown():
	case sig := <-sigs:
		logrus.Warnf("Received %s, shutting down", sig)
		processCtx.Shutdown()
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
}
