// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/clientapi/producers"
	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/internal/roomlock"
	roomserverAPI "github.com/element-hq/syncengine/roomserver/api"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

const (
	testRoomID = "!room:test"
	alice      = "@alice:test"
	bob        = "@bob:test"
)

type stubUserAPI struct {
	userapi.UserInternalAPI
	devices map[string]*userapi.Device
}

func (s *stubUserAPI) QueryAccessToken(_ context.Context, req *userapi.QueryAccessTokenRequest, res *userapi.QueryAccessTokenResponse) error {
	res.Device = s.devices[req.AccessToken]
	return nil
}

func (s *stubUserAPI) QueryDevices(_ context.Context, req *userapi.QueryDevicesRequest, res *userapi.QueryDevicesResponse) error {
	for _, dev := range s.devices {
		if dev.UserID == req.UserID {
			res.UserExists = true
			res.Devices = append(res.Devices, *dev)
		}
	}
	return nil
}

type stubRoomserver struct {
	mu          sync.Mutex
	appended    []types.EventBuilder
	appendErr   error
	memberships map[string]string
}

func (s *stubRoomserver) AppendEvent(_ context.Context, roomID, sender string, builder types.EventBuilder) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	s.appended = append(s.appended, builder)
	return &types.Event{
		EventID:  fmt.Sprintf("$%d:test", len(s.appended)),
		RoomID:   roomID,
		Sender:   sender,
		Type:     builder.Type,
		StateKey: builder.StateKey,
		Content:  builder.Content,
		Redacts:  builder.Redacts,
		Position: types.StreamPosition(len(s.appended)),
	}, nil
}

func (s *stubRoomserver) QueryMembership(_ context.Context, roomID, userID string) (string, error) {
	return s.memberships[roomID+"|"+userID], nil
}

func (s *stubRoomserver) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

type stubPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (s *stubPublisher) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return &nats.PubAck{}, nil
}

func (s *stubPublisher) published(subject string) []*nats.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*nats.Msg
	for _, m := range s.msgs {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type testRouter struct {
	handler http.Handler
	rs      *stubRoomserver
	pub     *stubPublisher
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	userAPI := &stubUserAPI{devices: map[string]*userapi.Device{
		"alice_token":  {ID: "ALICE1", UserID: alice},
		"alice_token2": {ID: "ALICE2", UserID: alice},
		"bob_token":    {ID: "BOB1", UserID: bob},
		"bob_token2":   {ID: "BOB2", UserID: bob},
	}}
	rs := &stubRoomserver{memberships: map[string]string{
		testRoomID + "|" + alice: spec.Join,
		testRoomID + "|" + bob:   spec.Leave,
	}}
	pub := &stubPublisher{}
	syncProducer := &producers.SyncAPIProducer{
		TopicReceiptEvent:      "receipt",
		TopicSendToDeviceEvent: "sendtodevice",
		TopicTypingEvent:       "typing",
		TopicPresenceEvent:     "presence",
		TopicClientData:        "clientdata",
		JetStream:              pub,
		UserAPI:                userAPI,
	}
	cfg := &config.ClientAPI{TxnCacheTTL: time.Minute}
	routers := httputil.NewRouters()
	Setup(routers.Client, cfg, rs, userAPI, syncProducer)
	return &testRouter{handler: routers.Client, rs: rs, pub: pub}
}

func (r *testRouter) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/_matrix/client/v3"+path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

func TestRequiresAccessToken(t *testing.T) {
	r := newTestRouter(t)
	rec := r.do(t, http.MethodPut, "/rooms/"+testRoomID+"/send/m.room.message/txn1", "", `{"body":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = r.do(t, http.MethodPut, "/rooms/"+testRoomID+"/send/m.room.message/txn1", "nobody", `{"body":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", gjson.Get(rec.Body.String(), "errcode").Str)
	assert.Equal(t, 0, r.rs.appendCount())
}

func TestSendEventTransactionIsIdempotent(t *testing.T) {
	r := newTestRouter(t)
	path := "/rooms/" + testRoomID + "/send/m.room.message/txn1"

	first := r.do(t, http.MethodPut, path, "alice_token", `{"body":"hi"}`)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := r.do(t, http.MethodPut, path, "alice_token", `{"body":"hi"}`)
	require.Equal(t, http.StatusOK, second.Code)

	eventID := gjson.Get(first.Body.String(), "event_id").Str
	assert.NotEmpty(t, eventID)
	assert.Equal(t, eventID, gjson.Get(second.Body.String(), "event_id").Str)
	assert.Equal(t, 1, r.rs.appendCount())

	// Transaction IDs are scoped to the device.
	other := r.do(t, http.MethodPut, path, "alice_token2", `{"body":"hi"}`)
	require.Equal(t, http.StatusOK, other.Code)
	assert.NotEqual(t, eventID, gjson.Get(other.Body.String(), "event_id").Str)
	assert.Equal(t, 2, r.rs.appendCount())

	// Without a transaction ID every request sends.
	r.do(t, http.MethodPost, "/rooms/"+testRoomID+"/send/m.room.message", "alice_token", `{"body":"hi"}`)
	r.do(t, http.MethodPost, "/rooms/"+testRoomID+"/send/m.room.message", "alice_token", `{"body":"hi"}`)
	assert.Equal(t, 4, r.rs.appendCount())
}

func TestSendEventErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		appendErr error
		wantCode  int
		wantErr   string
	}{
		{name: "not json", body: `{"body":`, wantCode: http.StatusBadRequest, wantErr: "M_NOT_JSON"},
		{name: "not an object", body: `["body"]`, wantCode: http.StatusBadRequest, wantErr: "M_BAD_JSON"},
		{
			name:      "not allowed",
			body:      `{}`,
			appendErr: roomserverAPI.ErrNotAllowed{Err: fmt.Errorf("sender is not joined")},
			wantCode:  http.StatusForbidden,
			wantErr:   "M_FORBIDDEN",
		},
		{name: "unknown room", body: `{}`, appendErr: roomserverAPI.ErrRoomNotFound, wantCode: http.StatusNotFound, wantErr: "M_NOT_FOUND"},
		{name: "poisoned lock", body: `{}`, appendErr: fmt.Errorf("append: %w", roomlock.ErrPoisoned), wantCode: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			r.rs.appendErr = tc.appendErr
			rec := r.do(t, http.MethodPut, "/rooms/"+testRoomID+"/send/m.room.message/txn", "alice_token", tc.body)
			assert.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			if tc.wantErr != "" {
				assert.Equal(t, tc.wantErr, gjson.Get(rec.Body.String(), "errcode").Str)
			}
		})
	}
}

func TestFailedTransactionIsRetried(t *testing.T) {
	r := newTestRouter(t)
	path := "/rooms/" + testRoomID + "/send/m.room.message/txn1"

	r.rs.appendErr = roomserverAPI.ErrRoomNotFound
	rec := r.do(t, http.MethodPut, path, "alice_token", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	r.rs.appendErr = nil
	rec = r.do(t, http.MethodPut, path, "alice_token", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, r.rs.appendCount())
}

func TestSendStateEvent(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantKey  string
	}{
		{name: "empty state key", path: "/state/m.room.topic", body: `{"topic":"x"}`, wantCode: http.StatusOK, wantKey: ""},
		{name: "empty state key with slash", path: "/state/m.room.topic/", body: `{"topic":"x"}`, wantCode: http.StatusOK, wantKey: ""},
		{name: "state key", path: "/state/m.room.custom/key", body: `{}`, wantCode: http.StatusOK, wantKey: "key"},
		{name: "member join", path: "/state/m.room.member/" + alice, body: `{"membership":"join"}`, wantCode: http.StatusOK, wantKey: alice},
		{name: "member ban", path: "/state/m.room.member/" + bob, body: `{"membership":"ban"}`, wantCode: http.StatusOK, wantKey: bob},
		{name: "member bad state key", path: "/state/m.room.member/alice", body: `{"membership":"join"}`, wantCode: http.StatusBadRequest},
		{name: "member unknown membership", path: "/state/m.room.member/" + alice, body: `{"membership":"dance"}`, wantCode: http.StatusBadRequest},
		{name: "member missing membership", path: "/state/m.room.member/" + alice, body: `{}`, wantCode: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			rec := r.do(t, http.MethodPut, "/rooms/"+testRoomID+tc.path, "alice_token", tc.body)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			if tc.wantCode != http.StatusOK {
				assert.Equal(t, 0, r.rs.appendCount())
				return
			}
			require.Equal(t, 1, r.rs.appendCount())
			builder := r.rs.appended[0]
			require.NotNil(t, builder.StateKey)
			assert.Equal(t, tc.wantKey, *builder.StateKey)
		})
	}
}

func TestSendRedaction(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantReason string
	}{
		{name: "empty body", body: "", wantCode: http.StatusOK},
		{name: "with reason", body: `{"reason":"spam"}`, wantCode: http.StatusOK, wantReason: "spam"},
		{name: "reason not a string", body: `{"reason":12}`, wantCode: http.StatusBadRequest},
		{name: "not json", body: `reason`, wantCode: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			rec := r.do(t, http.MethodPut, "/rooms/"+testRoomID+"/redact/$target:test/txn", "alice_token", tc.body)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			if tc.wantCode != http.StatusOK {
				return
			}
			require.Equal(t, 1, r.rs.appendCount())
			builder := r.rs.appended[0]
			assert.Equal(t, types.MRoomRedaction, builder.Type)
			assert.Equal(t, "$target:test", builder.Redacts)
			assert.Nil(t, builder.StateKey)
			assert.Equal(t, tc.wantReason, gjson.GetBytes(builder.Content, "reason").Str)
		})
	}
}

func TestSendTyping(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		userID   string
		wantCode int
	}{
		{name: "joined", token: "alice_token", userID: alice, wantCode: http.StatusOK},
		{name: "someone else", token: "alice_token", userID: bob, wantCode: http.StatusForbidden},
		{name: "not joined", token: "bob_token", userID: bob, wantCode: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			rec := r.do(t, http.MethodPut, "/rooms/"+testRoomID+"/typing/"+tc.userID, tc.token, `{"typing":true,"timeout":30000}`)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			msgs := r.pub.published("typing")
			if tc.wantCode != http.StatusOK {
				assert.Empty(t, msgs)
				return
			}
			require.Len(t, msgs, 1)
			var output types.OutputTypingEvent
			require.NoError(t, json.Unmarshal(msgs[0].Data, &output))
			assert.True(t, output.Event.Typing)
			assert.Equal(t, tc.userID, output.Event.UserID)
			assert.NotNil(t, output.ExpireTime)
		})
	}
}

func TestSetReceipt(t *testing.T) {
	tests := []struct {
		name        string
		token       string
		receiptType string
		wantCode    int
		wantTopic   string
	}{
		{name: "read", token: "alice_token", receiptType: "m.read", wantCode: http.StatusOK, wantTopic: "receipt"},
		{name: "private read", token: "alice_token", receiptType: "m.read.private", wantCode: http.StatusOK, wantTopic: "receipt"},
		{name: "fully read", token: "alice_token", receiptType: "m.fully_read", wantCode: http.StatusOK, wantTopic: "clientdata"},
		{name: "unknown type", token: "alice_token", receiptType: "m.seen", wantCode: http.StatusBadRequest},
		{name: "not joined", token: "bob_token", receiptType: "m.read", wantCode: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			rec := r.do(t, http.MethodPost, "/rooms/"+testRoomID+"/receipt/"+tc.receiptType+"/$event:test", tc.token, `{}`)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			if tc.wantTopic == "" {
				assert.Empty(t, r.pub.msgs)
				return
			}
			msgs := r.pub.published(tc.wantTopic)
			require.Len(t, msgs, 1)
			if tc.wantTopic == "clientdata" {
				assert.Equal(t, testRoomID, gjson.GetBytes(msgs[0].Data, "room_id").Str)
				assert.Equal(t, "$event:test", gjson.GetBytes(msgs[0].Data, "content.event_id").Str)
			} else {
				assert.Equal(t, testRoomID, msgs[0].Header.Get(jetstream.RoomID))
				assert.Equal(t, "$event:test", msgs[0].Header.Get(jetstream.EventID))
			}
		})
	}
}

func TestSaveAccountData(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{name: "global", path: "/user/" + alice + "/account_data/im.example", body: `{"a":1}`, wantCode: http.StatusOK},
		{name: "room", path: "/user/" + alice + "/rooms/" + testRoomID + "/account_data/im.example", body: `{"a":1}`, wantCode: http.StatusOK},
		{name: "other user", path: "/user/" + bob + "/account_data/im.example", body: `{"a":1}`, wantCode: http.StatusForbidden},
		{name: "fully read", path: "/user/" + alice + "/rooms/" + testRoomID + "/account_data/m.fully_read", body: `{}`, wantCode: http.StatusForbidden},
		{name: "push rules", path: "/user/" + alice + "/account_data/m.push_rules", body: `{}`, wantCode: http.StatusForbidden},
		{name: "not an object", path: "/user/" + alice + "/account_data/im.example", body: `1`, wantCode: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			rec := r.do(t, http.MethodPut, tc.path, "alice_token", tc.body)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			msgs := r.pub.published("clientdata")
			if tc.wantCode != http.StatusOK {
				assert.Empty(t, msgs)
				return
			}
			require.Len(t, msgs, 1)
			assert.Equal(t, alice, msgs[0].Header.Get(jetstream.UserID))
			assert.Equal(t, "im.example", gjson.GetBytes(msgs[0].Data, "type").Str)
		})
	}
}

func TestSendToDevice(t *testing.T) {
	r := newTestRouter(t)
	body := `{"messages":{"` + bob + `":{"*":{"hello":"world"}},"` + alice + `":{"ALICE2":{"hello":"me"}}}}`

	rec := r.do(t, http.MethodPut, "/sendToDevice/m.test/txn1", "alice_token", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	msgs := r.pub.published("sendtodevice")
	require.Len(t, msgs, 3)
	targets := map[string]bool{}
	for _, m := range msgs {
		var ote types.OutputSendToDeviceEvent
		require.NoError(t, json.Unmarshal(m.Data, &ote))
		assert.Equal(t, alice, ote.Sender)
		assert.Equal(t, "m.test", ote.Type)
		targets[ote.UserID+"/"+ote.DeviceID] = true
	}
	assert.Equal(t, map[string]bool{bob + "/BOB1": true, bob + "/BOB2": true, alice + "/ALICE2": true}, targets)

	// A retry does not deliver again.
	rec = r.do(t, http.MethodPut, "/sendToDevice/m.test/txn1", "alice_token", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, r.pub.published("sendtodevice"), 3)

	rec = r.do(t, http.MethodPut, "/sendToDevice/m.test/txn2", "alice_token", `{"messages":{"bob":{"*":{}}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTxnCacheConcurrentRetries(t *testing.T) {
	txnCache := NewTxnCache(time.Minute)
	device := &userapi.Device{ID: "DEV", UserID: alice}

	var mu sync.Mutex
	runs := 0
	release := make(chan struct{})
	f := func() util.JSONResponse {
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return util.JSONResponse{Code: http.StatusOK, JSON: sendEventResponse{EventID: "$1"}}
	}

	var wg sync.WaitGroup
	results := make([]util.JSONResponse, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = txnCache.FetchOrRun(device, []string{"send", testRoomID}, "txn", f)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
	for _, res := range results {
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, sendEventResponse{EventID: "$1"}, res.JSON)
	}

	// A different scope is a different transaction.
	res := txnCache.FetchOrRun(device, []string{"send", "!other:test"}, "txn", func() util.JSONResponse {
		return util.JSONResponse{Code: http.StatusOK, JSON: sendEventResponse{EventID: "$2"}}
	})
	assert.Equal(t, sendEventResponse{EventID: "$2"}, res.JSON)
}
