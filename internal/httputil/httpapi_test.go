// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	userapi "github.com/element-hq/syncengine/userapi/api"
)

func TestWrapHandlerInBasicAuth(t *testing.T) {
	type args struct {
		h http.Handler
		b BasicAuth
	}

	dummyHandler := http.HandlerFunc(func(h http.ResponseWriter, r *http.Request) {
		h.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name    string
		args    args
		want    int
		reqAuth bool
	}{
		{
			name:    "no user or password setup",
			args:    args{h: dummyHandler},
			want:    http.StatusOK,
			reqAuth: false,
		},
		{
			name: "only user set",
			args: args{
				h: dummyHandler,
				b: BasicAuth{Username: "test"}, // no basic auth
			},
			want:    http.StatusOK,
			reqAuth: false,
		},
		{
			name: "only pass set",
			args: args{
				h: dummyHandler,
				b: BasicAuth{Password: "test"}, // no basic auth
			},
			want:    http.StatusOK,
			reqAuth: false,
		},
		{
			name: "credentials correct",
			args: args{
				h: dummyHandler,
				b: BasicAuth{Username: "test", Password: "test"}, // basic auth enabled
			},
			want:    http.StatusOK,
			reqAuth: true,
		},
		{
			name: "credentials wrong",
			args: args{
				h: dummyHandler,
				b: BasicAuth{Username: "test1", Password: "test"}, // basic auth enabled
			},
			want:    http.StatusForbidden,
			reqAuth: true,
		},
		{
			name: "no basic auth in request",
			args: args{
				h: dummyHandler,
				b: BasicAuth{Username: "test", Password: "test"}, // basic auth enabled
			},
			want:    http.StatusForbidden,
			reqAuth: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baHandler := WrapHandlerInBasicAuth(tt.args.h, tt.args.b)

			req := httptest.NewRequest("GET", "http://localhost/metrics", nil)
			if tt.reqAuth {
				req.SetBasicAuth("test", "test")
			}

			w := httptest.NewRecorder()
			baHandler(w, req)
			resp := w.Result()

			if resp.StatusCode != tt.want {
				t.Errorf("Expected status code %d, got %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestMakeHTTPAPIRecordsDurationHistogram(t *testing.T) {
	clientAPIRequestDuration.Reset()

	handler := MakeHTTPAPI("test_http_duration", nil, true, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/_matrix/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	metrics := make(chan prometheus.Metric, 10)
	clientAPIRequestDuration.Collect(metrics)
	close(metrics)

	found := false
	for metric := range metrics {
		dtoMetric := &dto.Metric{}
		require.NoError(t, metric.Write(dtoMetric))
		if dtoMetric.GetHistogram() == nil {
			continue
		}
		for _, label := range dtoMetric.GetLabel() {
			if label.GetName() == "handler" && label.GetValue() == "test_http_duration" {
				found = true
				require.Equal(t, uint64(1), dtoMetric.GetHistogram().GetSampleCount(), "expected a single observed request")
				require.Greater(t, dtoMetric.GetHistogram().GetSampleSum(), float64(0), "expected positive observed duration")
			}
		}
	}
	require.True(t, found, "expected histogram metric for handler test_http_duration")
}

type stubTokenQueryer struct {
	devices map[string]*userapi.Device
}

func (s *stubTokenQueryer) QueryAccessToken(ctx context.Context, req *userapi.QueryAccessTokenRequest, res *userapi.QueryAccessTokenResponse) error {
	res.Device = s.devices[req.AccessToken]
	return nil
}

func TestMakeAuthAPI(t *testing.T) {
	queryer := &stubTokenQueryer{devices: map[string]*userapi.Device{
		"secret": {UserID: "@alice:test", ID: "ALICE"},
	}}
	handler := MakeAuthAPI("test_auth", queryer, func(req *http.Request, device *userapi.Device) util.JSONResponse {
		return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"user_id": device.UserID}}
	})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no token", target: "/_matrix/client/v3/sync", want: http.StatusUnauthorized},
		{name: "unknown token", target: "/_matrix/client/v3/sync", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "malformed header", target: "/_matrix/client/v3/sync", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "bearer token", target: "/_matrix/client/v3/sync", header: "Bearer secret", want: http.StatusOK},
		{name: "query token", target: "/_matrix/client/v3/sync?access_token=secret", want: http.StatusOK},
		{name: "both", target: "/_matrix/client/v3/sync?access_token=secret", header: "Bearer secret", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusOK {
				require.Contains(t, rec.Body.String(), "@alice:test")
			}
		})
	}
}
