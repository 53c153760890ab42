// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"time"
)

// MaxLongPollCap is the longest a sync request with nothing to report is
// ever held open, whatever the client asks for.
const MaxLongPollCap = 30 * time.Second

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database,omitempty"`

	RealIPHeader string `yaml:"real_ip_header"`

	// Upper bound for the long-poll wait of an empty incremental sync.
	MaxLongPoll time.Duration `yaml:"max_long_poll"`

	// How many timeline events are returned per joined room.
	TimelineLimit int `yaml:"timeline_limit"`

	// Room summaries only carry heroes when the room has at most this many
	// joined and invited members.
	HeroLimit int `yaml:"hero_limit"`

	// How long an idle (user, device) entry stays in the sync cache.
	CacheIdleTimeout time.Duration `yaml:"cache_idle_timeout"`

	// How many sync computations may run at once across all devices.
	MaxConcurrentSyncs int64 `yaml:"max_concurrent_syncs"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.MaxLongPoll = MaxLongPollCap
	c.TimelineLimit = 10
	c.HeroLimit = 5
	c.CacheIdleTimeout = 10 * time.Minute
	c.MaxConcurrentSyncs = 64
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:syncapi.db"
		}
	}
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "sync_api.database", string(c.Database.ConnectionString))
	}
	if c.MaxLongPoll > MaxLongPollCap {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s exceeds %s", "sync_api.max_long_poll", c.MaxLongPoll, MaxLongPollCap))
	}
	checkPositive(configErrs, "sync_api.max_long_poll", int64(c.MaxLongPoll))
	checkPositive(configErrs, "sync_api.timeline_limit", int64(c.TimelineLimit))
	checkPositive(configErrs, "sync_api.hero_limit", int64(c.HeroLimit))
	checkPositive(configErrs, "sync_api.cache_idle_timeout", int64(c.CacheIdleTimeout))
	checkPositive(configErrs, "sync_api.max_concurrent_syncs", c.MaxConcurrentSyncs)
}
