// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/setup/config"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

func TestRateLimitsTokenBucketEnforcesThreshold(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 2,
		CooloffMS: 50,
	}
	limits := NewRateLimits(cfg)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	require.Nil(t, limits.Limit(req, nil))
	require.Nil(t, limits.Limit(req, nil))

	resp := limits.Limit(req, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	time.Sleep(2 * time.Duration(cfg.CooloffMS) * time.Millisecond)

	require.Nil(t, limits.Limit(req, nil))

	require.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

func TestRateLimitsPerEndpointOverride(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 1,
		CooloffMS: 1000,
		PerEndpointOverrides: map[string]config.RateLimitEndpointOverride{
			"/special": {
				Threshold: 3,
				CooloffMS: 1000,
			},
		},
	}
	limits := NewRateLimits(cfg)

	overrideReq := httptest.NewRequest(http.MethodGet, "https://example.com/special", nil)
	overrideReq.RemoteAddr = "203.0.113.5:4567"

	require.Nil(t, limits.Limit(overrideReq, nil))
	require.Nil(t, limits.Limit(overrideReq, nil))
	require.Nil(t, limits.Limit(overrideReq, nil))

	resp := limits.Limit(overrideReq, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	normalReq := httptest.NewRequest(http.MethodGet, "https://example.com/normal", nil)
	normalReq.RemoteAddr = "203.0.113.5:4568"

	require.Nil(t, limits.Limit(normalReq, nil))
	resp = limits.Limit(normalReq, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	require.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/special")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/special")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/normal")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/normal")))
}

func TestRateLimitsIPExemption(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:           true,
		Threshold:         1,
		CooloffMS:         1000,
		ExemptIPAddresses: []string{"198.51.100.1", "203.0.113.0/24"},
	}
	limits := NewRateLimits(cfg)

	reqIP := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqIP.RemoteAddr = "198.51.100.1:9876"
	require.Nil(t, limits.Limit(reqIP, nil))
	require.Nil(t, limits.Limit(reqIP, nil))

	reqCIDR := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqCIDR.RemoteAddr = "203.0.113.42:1234"
	require.Nil(t, limits.Limit(reqCIDR, nil))
	require.Nil(t, limits.Limit(reqCIDR, nil))

	reqNonExempt := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqNonExempt.RemoteAddr = "192.0.2.10:5555"
	require.Nil(t, limits.Limit(reqNonExempt, nil))
	resp := limits.Limit(reqNonExempt, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	require.Equal(t, float64(5), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

// TestRequestIPXForwardedForSecurity verifies that X-Forwarded-For is only trusted
// when RemoteAddr is loopback, preventing IP spoofing attacks.
func TestRequestIPXForwardedForSecurity(t *testing.T) {
	tests := []struct {
		name            string
		remoteAddr      string
		xForwardedFor   string
		expectedIP      string
		expectedTrusted bool
	}{
		{
			name:            "Direct connection without X-Forwarded-For",
			remoteAddr:      "203.0.113.5:1234",
			xForwardedFor:   "",
			expectedIP:      "203.0.113.5",
			expectedTrusted: false,
		},
		{
			name:            "Direct connection ignores X-Forwarded-For (security)",
			remoteAddr:      "203.0.113.5:1234",
			xForwardedFor:   "10.0.0.1",    // Attacker trying to spoof
			expectedIP:      "203.0.113.5", // Should use RemoteAddr
			expectedTrusted: false,
		},
		{
			name:            "Loopback connection trusts X-Forwarded-For",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.99",
			expectedIP:      "198.51.100.99",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with multiple IPs takes first valid non-loopback",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.1, 203.0.113.5, 192.0.2.1",
			expectedIP:      "198.51.100.1", // First valid IP
			expectedTrusted: true,
		},
		{
			name:            "Loopback with loopback in header skips it",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "127.0.0.1, 198.51.100.50",
			expectedIP:      "198.51.100.50", // Skip loopback, take first valid public IP
			expectedTrusted: true,
		},
		{
			name:            "IPv6 loopback connection trusts X-Forwarded-For",
			remoteAddr:      "[::1]:1234",
			xForwardedFor:   "2001:db8::1",
			expectedIP:      "2001:db8::1",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with empty X-Forwarded-For falls back to RemoteAddr",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
		{
			name:            "Loopback with whitespace-only X-Forwarded-For falls back",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "  ,  , ",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			ip, trusted := requestIP(req)
			require.NotNil(t, ip, "IP should not be nil")
			require.Equal(t, tt.expectedIP, ip.String(), "IP mismatch")
			require.Equal(t, tt.expectedTrusted, trusted, "Trusted flag mismatch")
		})
	}
}

func TestRateLimitsKeyedByDevice(t *testing.T) {
	cfg := &config.RateLimiting{
		Enabled:       true,
		Threshold:     1,
		CooloffMS:     1000,
		ExemptUserIDs: []string{"@bot:test"},
	}
	limits := NewRateLimits(cfg)

	alice := &userapi.Device{UserID: "@alice:test", ID: "ALICE"}
	aliceOther := &userapi.Device{UserID: "@alice:test", ID: "PHONE"}
	bot := &userapi.Device{UserID: "@bot:test", ID: "BOT"}

	// All requests share one address, so only the device tells them apart.
	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPut, "https://example.com/send", nil)
		req.RemoteAddr = "192.0.2.20:1000"
		return req
	}

	require.Nil(t, limits.Limit(newReq(), alice))
	require.NotNil(t, limits.Limit(newReq(), alice))
	require.Nil(t, limits.Limit(newReq(), aliceOther))
	for i := 0; i < 5; i++ {
		require.Nil(t, limits.Limit(newReq(), bot))
	}
}

func TestRateLimitsDisabled(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: false, Threshold: 1, CooloffMS: 1000})
	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	for i := 0; i < 10; i++ {
		require.Nil(t, limits.Limit(req, nil))
	}
	require.Equal(t, 0, limits.limits.ItemCount())
}

func TestRateLimitsConcurrentAccess(t *testing.T) {
	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 100,
		CooloffMS: 50,
	}
	limits := NewRateLimits(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = fmt.Sprintf("203.0.113.%d:1234", id%10)
			for j := 0; j < 100; j++ {
				limits.Limit(req, nil)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, limits.limits.ItemCount())
}
