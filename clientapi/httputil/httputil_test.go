// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalJSONRequest(t *testing.T) {
	type body struct {
		Typing  bool  `json:"typing"`
		Timeout int64 `json:"timeout"`
	}
	tests := []struct {
		name     string
		input    string
		wantCode int
		wantErr  spec.MatrixErrorCode
		want     body
	}{
		{name: "valid", input: `{"typing":true,"timeout":100}`, want: body{Typing: true, Timeout: 100}},
		{name: "empty", input: ``, wantCode: http.StatusBadRequest, wantErr: spec.ErrorNotJSON},
		{name: "truncated", input: `{"typing":`, wantCode: http.StatusBadRequest, wantErr: spec.ErrorNotJSON},
		{name: "invalid utf-8", input: "{\"typing\":\"\xff\"}", wantCode: http.StatusBadRequest, wantErr: spec.ErrorNotJSON},
		{name: "wrong type", input: `{"typing":"yes"}`, wantCode: http.StatusBadRequest, wantErr: spec.ErrorBadJSON},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tc.input))
			var got body
			res := UnmarshalJSONRequest(req, &got)
			if tc.wantCode == 0 {
				require.Nil(t, res)
				assert.Equal(t, tc.want, got)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, tc.wantCode, res.Code)
			matrixErr, ok := res.JSON.(spec.MatrixError)
			require.True(t, ok)
			assert.Equal(t, tc.wantErr, matrixErr.ErrCode)
		})
	}
}
