// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/element-hq/syncengine/setup/config"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "clientapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "clientapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

// limiterIdleTimeout is how long a caller's bucket survives without requests.
const limiterIdleTimeout = time.Minute

type limiterConfig struct {
	threshold int64
	cooloff   time.Duration
}

type limiterEntry struct {
	limiter *rate.Limiter
	config  limiterConfig
}

// RateLimits holds one token bucket per caller (and per caller and endpoint
// when the endpoint has an override). Idle buckets expire on their own.
type RateLimits struct {
	mu            sync.Mutex
	limits        *cache.Cache
	enabled       bool
	defaultConfig limiterConfig
	perEndpoint   map[string]limiterConfig
	exemptUserIDs map[string]struct{}
	exemptIPs     []net.IP
	exemptCIDRs   []*net.IPNet
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:  cache.New(limiterIdleTimeout, limiterIdleTimeout/2),
		enabled: cfg.Enabled,
		defaultConfig: limiterConfig{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		perEndpoint:   make(map[string]limiterConfig, len(cfg.PerEndpointOverrides)),
		exemptUserIDs: make(map[string]struct{}, len(cfg.ExemptUserIDs)),
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	for endpoint, override := range cfg.PerEndpointOverrides {
		l.perEndpoint[endpoint] = limiterConfig{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	for _, ip := range cfg.ExemptIPAddresses {
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			l.exemptIPs = append(l.exemptIPs, parsedIP)
			continue
		}
		if _, network, err := net.ParseCIDR(ip); err == nil {
			l.exemptCIDRs = append(l.exemptCIDRs, network)
		}
	}
	return l
}

// Limit returns a 429 response if the caller has run out of tokens, or nil
// if the request may go ahead.
func (l *RateLimits) Limit(req *http.Request, device *userapi.Device) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if !l.enabled || l.exempt(req, device) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	caller := req.RemoteAddr
	if ip, _ := requestIP(req); ip != nil {
		caller = ip.String()
	}
	if device != nil {
		caller = device.UserID + device.ID
	}

	cfg := l.defaultConfig
	key := caller
	if override, ok := l.perEndpoint[req.URL.Path]; ok {
		cfg = override
		key = caller + "|" + req.URL.Path
	}

	if limiter, block := l.getLimiter(key, cfg); block || (limiter != nil && !limiter.Allow()) {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("You are sending too many requests too quickly!", cfg.cooloff.Milliseconds()),
		}
	}
	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

func (l *RateLimits) exempt(req *http.Request, device *userapi.Device) bool {
	if device != nil {
		if _, ok := l.exemptUserIDs[device.UserID]; ok {
			return true
		}
	}
	ip, _ := requestIP(req)
	if ip == nil {
		return false
	}
	for _, exemptIP := range l.exemptIPs {
		if exemptIP.Equal(ip) {
			return true
		}
	}
	for _, network := range l.exemptCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// getLimiter returns the bucket for key, creating it if needed. The bucket
// refills at threshold tokens per cooloff and holds at most threshold.
// A non-positive threshold blocks every request and a non-positive cooloff
// disables limiting for the config.
func (l *RateLimits) getLimiter(key string, cfg limiterConfig) (*rate.Limiter, bool) {
	if cfg.threshold <= 0 {
		return nil, true
	}
	if cfg.cooloff <= 0 {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.limits.Get(key); ok {
		if entry := v.(*limiterEntry); entry.config == cfg {
			l.limits.SetDefault(key, entry)
			return entry.limiter, false
		}
	}
	perSecond := rate.Limit(float64(cfg.threshold) * float64(time.Second) / float64(cfg.cooloff))
	limiter := rate.NewLimiter(perSecond, int(cfg.threshold))
	l.limits.SetDefault(key, &limiterEntry{limiter: limiter, config: cfg})
	return limiter, false
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}

// requestIP works out the client address. X-Forwarded-For is only honoured
// when the connection comes from loopback, i.e. from a local reverse proxy,
// in which case the first non-loopback address in the header wins. The
// boolean reports whether the header was used.
func requestIP(req *http.Request) (net.IP, bool) {
	if req == nil {
		return nil, false
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil, false
	}

	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return remoteIP, false
	}
	if !remoteIP.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remoteIP.String(),
			"x_forwarded_for": forwardedFor,
			"request_path":    req.URL.Path,
		}).Debug("Ignoring X-Forwarded-For from non-loopback connection")
		return remoteIP, false
	}
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip, true
		}
	}
	return remoteIP, false
}
