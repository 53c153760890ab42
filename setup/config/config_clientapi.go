package config

import (
	"fmt"
	"net"
	"time"
)

type ClientAPI struct {
	Matrix *Global `yaml:"-"`

	// Rate limiting of the room write endpoints
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// How long a (device, transaction id) pair is remembered so that a
	// retried send or redaction returns the original event id.
	TxnCacheTTL time.Duration `yaml:"txn_cache_ttl"`
}

func (c *ClientAPI) Defaults(opts DefaultOpts) {
	c.RateLimiting.Defaults()
	c.TxnCacheTTL = 30 * time.Minute
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	c.RateLimiting.Verify(configErrs)
	checkPositive(configErrs, "client_api.txn_cache_ttl", int64(c.TxnCacheTTL))
}

type RateLimiting struct {
	Enabled bool `yaml:"enabled"`

	// Requests a device may make within one cooloff window.
	Threshold int64 `yaml:"threshold"`
	// Length of the window in milliseconds.
	CooloffMS int64 `yaml:"cooloff_ms"`

	// Users never limited, e.g. moderation bots.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`
	// IP addresses or CIDR ranges never limited.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Overrides keyed on the request path, e.g.
	// /_matrix/client/v3/rooms/!room:example.org/typing/@bot:example.org.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

type RateLimitEndpointOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = false
	r.Threshold = 5
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	verifyRateLimit(configErrs, "client_api.rate_limiting", r.Threshold, r.CooloffMS)
	for name, override := range r.PerEndpointOverrides {
		verifyRateLimit(configErrs, "client_api.rate_limiting.per_endpoint_overrides."+name, override.Threshold, override.CooloffMS)
	}
	for _, addr := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(addr); err == nil {
			continue
		}
		if net.ParseIP(addr) == nil {
			configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "client_api.rate_limiting.exempt_ip_addresses", addr))
		}
	}
}

func verifyRateLimit(configErrs *ConfigErrors, key string, threshold, cooloffMS int64) {
	if threshold <= 0 || cooloffMS <= 0 {
		configErrs.Add(fmt.Sprintf("%s: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled", key))
	}
}
