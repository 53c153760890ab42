// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/syncapi/sync"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// Setup configures the given mux with sync-server listeners
func Setup(
	csMux *mux.Router,
	srp *sync.RequestPool,
	userAPI userapi.UserInternalAPI,
) {
	v3mux := csMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()

	v3mux.Handle("/sync", httputil.MakeAuthAPI("sync", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
		return srp.OnIncomingSyncRequest(req, device)
	})).Methods(http.MethodGet, http.MethodOptions)
}
