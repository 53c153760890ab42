// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const testConfig = `
version: 2
global:
  server_name: localhost
  database:
    connection_string: file:syncengine.db
    max_open_conns: 10
  jetstream:
    storage_path: ./jetstream
    topic_prefix: Test
  cache:
    max_size_estimated: 64mb
    max_age: 30m
client_api:
  rate_limiting:
    enabled: true
    threshold: 5
    cooloff_ms: 500
  txn_cache_ttl: 10m
sync_api:
  max_long_poll: 20s
  timeline_limit: 20
logging:
- type: std
  level: info
`

func TestLoadConfigRelative(t *testing.T) {
	cfg, err := loadConfig("/my/config/dir", []byte(testConfig))
	assert.NilError(t, err)

	assert.Equal(t, string(cfg.Global.ServerName), "localhost")
	assert.Equal(t, cfg.Global.DatabaseOptions.MaxOpenConns(), 10)
	assert.Equal(t, cfg.Global.JetStream.StoragePath, Path("/my/config/dir/jetstream"))
	assert.Equal(t, cfg.Global.JetStream.Prefixed("OutputRoomEvent"), "TestOutputRoomEvent")
	assert.Equal(t, cfg.Global.Cache.EstimatedMaxSize, DataUnit(64*1024*1024))
	assert.Equal(t, cfg.Global.Cache.MaxAge, 30*time.Minute)
	assert.Equal(t, cfg.ClientAPI.TxnCacheTTL, 10*time.Minute)
	assert.Equal(t, cfg.SyncAPI.MaxLongPoll, 20*time.Second)
	assert.Equal(t, cfg.SyncAPI.TimelineLimit, 20)

	// untouched values keep their defaults
	assert.Equal(t, cfg.SyncAPI.HeroLimit, 5)
	assert.Equal(t, cfg.SyncAPI.CacheIdleTimeout, 10*time.Minute)
	assert.Check(t, cfg.SyncAPI.Matrix == &cfg.Global)
	assert.Check(t, is.Len(cfg.Logging, 1))
}

func TestLoadConfigRejectsLongPollAboveCap(t *testing.T) {
	_, err := loadConfig("/", []byte(`
version: 2
global:
  server_name: localhost
  database:
    connection_string: file:syncengine.db
  jetstream:
    in_memory: true
sync_api:
  max_long_poll: 2m
`))
	assert.ErrorContains(t, err, "sync_api.max_long_poll")
}

func TestLoadConfigWrongVersion(t *testing.T) {
	_, err := loadConfig("/", []byte("version: 1\n"))
	assert.ErrorContains(t, err, "config version is")
}

func TestDataUnitUnmarshalText(t *testing.T) {
	tests := map[string]DataUnit{
		"1024":  1024,
		"1kb":   1024,
		"1.5MB": DataUnit(1.5 * 1024 * 1024),
		"2gb":   2 * 1024 * 1024 * 1024,
	}
	for input, want := range tests {
		var d DataUnit
		assert.NilError(t, d.UnmarshalText([]byte(input)), input)
		assert.Equal(t, d, want, input)
	}
	var d DataUnit
	assert.Check(t, d.UnmarshalText([]byte("lots")) != nil)
}

func TestMissingServerName(t *testing.T) {
	var c SyncEngine
	c.Defaults(DefaultOpts{Generate: true, SingleDatabase: true})
	c.Global.ServerName = ""

	var errs ConfigErrors
	c.Verify(&errs)
	assert.Check(t, is.Contains(errs, `missing config key "global.server_name"`))
}
