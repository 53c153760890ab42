// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/clientapi/auth"
	"github.com/element-hq/syncengine/internal"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var clientAPIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "syncengine",
		Subsystem: "clientapi",
		Name:      "request_duration_seconds",
		Help:      "How long client API requests take to be answered",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20, 30, 60},
	},
	[]string{"handler"},
)

var registerHTTPMetrics sync.Once

func init() {
	registerHTTPMetrics.Do(func() {
		prometheus.MustRegister(clientAPIRequestDuration)
	})
}

// MakeAuthAPI turns a util.JSONRequestHandler function into an http.Handler which authenticates the request.
func MakeAuthAPI(
	metricsName string, userAPI auth.AccessTokenQueryer,
	f func(*http.Request, *userapi.Device) util.JSONResponse,
) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		logger := util.GetLogger(req.Context())
		device, err := auth.VerifyUserFromRequest(req, userAPI)
		if err != nil {
			logger.Debugf("VerifyUserFromRequest %s -> HTTP %d", req.RemoteAddr, err.Code)
			return *err
		}
		// add the user ID to the logger
		logger = logger.WithField("user_id", device.UserID)
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))
		// add the user to Sentry, if enabled
		hub := sentry.GetHubFromContext(req.Context())
		if hub != nil {
			hub.Scope().SetUser(sentry.User{
				Username: device.UserID,
			})
			hub.Scope().SetTag("user_id", device.UserID)
			hub.Scope().SetTag("device_id", device.ID)
		}
		defer func() {
			if r := recover(); r != nil {
				if hub != nil {
					hub.CaptureException(fmt.Errorf("%s panicked", req.URL.Path))
				}
				// re-panic to return the 500
				panic(r)
			}
		}()

		jsonRes := f(req, device)
		// do not log 4xx as errors as they are client fails, not server fails
		if hub != nil && jsonRes.Code >= 500 {
			hub.Scope().SetExtra("response", jsonRes)
			hub.CaptureException(fmt.Errorf("%s returned HTTP %d", req.URL.Path, jsonRes.Code))
		}
		return jsonRes
	}
	return MakeExternalAPI(metricsName, h)
}

// MakeExternalAPI turns a util.JSONRequestHandler function into an http.Handler.
// This is used for APIs that are called from the internet.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		if logrus.IsLevelEnabled(logrus.TraceLevel) {
			dump, err := httputil.DumpRequest(req, !strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/"))
			if err == nil {
				logrus.Tracef("Incoming request %s: %s", metricsName, string(dump))
			}
		}

		trace, ctx := internal.StartTask(req.Context(), metricsName)
		defer trace.EndTask()
		req = req.WithContext(ctx)
		h.ServeHTTP(w, req)
	}
	return instrumentDuration(metricsName, http.HandlerFunc(withSpan))
}

// MakeHTTPAPI adds a span and, when enableMetrics is set, request duration
// metrics to a plain http.HandlerFunc. If userAPI is not nil the request
// must carry a valid access token.
func MakeHTTPAPI(metricsName string, userAPI auth.AccessTokenQueryer, enableMetrics bool, f http.HandlerFunc) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		trace, ctx := internal.StartTask(req.Context(), metricsName)
		defer trace.EndTask()
		req = req.WithContext(ctx)

		if userAPI != nil {
			if _, jsonErr := auth.VerifyUserFromRequest(req, userAPI); jsonErr != nil {
				h := util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
					return *jsonErr
				}))
				h.ServeHTTP(w, req)
				return
			}
		}
		f(w, req)
	}
	if !enableMetrics {
		return http.HandlerFunc(withSpan)
	}
	return instrumentDuration(metricsName, http.HandlerFunc(withSpan))
}

func instrumentDuration(metricsName string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		clientAPIRequestDuration.MustCurryWith(prometheus.Labels{"handler": metricsName}),
		h,
	)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}
