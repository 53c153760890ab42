// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"
)

type HTTPRequestOpt func(req *http.Request)

func WithJSONBody(t *testing.T, body interface{}) HTTPRequestOpt {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("WithJSONBody: %s", err)
	}
	return func(req *http.Request) {
		req.Body = io.NopCloser(bytes.NewBuffer(b))
		req.ContentLength = int64(len(b))
		req.Header.Set("Content-Type", "application/json")
	}
}

func WithQueryParams(qps map[string]string) HTTPRequestOpt {
	var vals url.Values = map[string][]string{}
	for k, v := range qps {
		vals.Set(k, v)
	}
	return func(req *http.Request) {
		req.URL.RawQuery = vals.Encode()
	}
}

func WithAccessToken(token string) HTTPRequestOpt {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func NewRequest(t *testing.T, method, path string, opts ...HTTPRequestOpt) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, "http://localhost"+path, nil)
	if err != nil {
		t.Fatalf("failed to make new HTTP request %v %v : %v", method, path, err)
	}
	for _, o := range opts {
		o(req)
	}
	return req
}
