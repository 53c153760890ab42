package internal_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/syncapi/types"
	"github.com/element-hq/syncengine/test"
	"github.com/element-hq/syncengine/test/testrig"
	userapi "github.com/element-hq/syncengine/userapi/api"
	"github.com/element-hq/syncengine/userapi/internal"
	"github.com/element-hq/syncengine/userapi/producers"
	"github.com/element-hq/syncengine/userapi/storage"
)

type stubJetStreamPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (s *stubJetStreamPublisher) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return &nats.PubAck{}, nil
}

func (s *stubJetStreamPublisher) published() []*nats.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*nats.Msg(nil), s.msgs...)
}

func mustCreateUserAPI(t *testing.T, dbType test.DBType) (*internal.UserInternalAPI, *stubJetStreamPublisher, func()) {
	t.Helper()
	cfg, processCtx, closeRig := testrig.CreateConfig(t, dbType)
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)

	db, err := storage.NewUserDatabase(cm, &cfg.Global.DatabaseOptions, cfg.Global.ServerName)
	require.NoError(t, err)

	js := &stubJetStreamPublisher{}
	return &internal.UserInternalAPI{
		DB:     db,
		Config: &cfg.UserAPI,
		KeyChangeProducer: &producers.KeyChange{
			Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputKeyChangeEvent),
			JetStream: js,
		},
	}, js, closeRig
}

func TestPerformDeviceCreation(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		userAPI, js, closeRig := mustCreateUserAPI(t, dbType)
		defer closeRig()

		displayName := "phone"
		res := &userapi.PerformDeviceCreationResponse{}
		err := userAPI.PerformDeviceCreation(ctx, &userapi.PerformDeviceCreationRequest{
			Localpart:         "Alice",
			DeviceDisplayName: &displayName,
		}, res)
		require.NoError(t, err)
		require.True(t, res.DeviceCreated)
		assert.Equal(t, "@alice:test", res.Device.UserID)
		assert.NotEmpty(t, res.Device.ID)
		assert.NotEmpty(t, res.Device.AccessToken)
		assert.Equal(t, "phone", res.Device.DisplayName)

		msgs := js.published()
		require.Len(t, msgs, 1)
		assert.Equal(t, "@alice:test", msgs[0].Header.Get(jetstream.UserID))
		var output types.OutputKeyChangeEvent
		require.NoError(t, json.Unmarshal(msgs[0].Data, &output))
		assert.Equal(t, "@alice:test", output.UserID)

		queryRes := &userapi.QueryAccessTokenResponse{}
		require.NoError(t, userAPI.QueryAccessToken(ctx, &userapi.QueryAccessTokenRequest{AccessToken: res.Device.AccessToken}, queryRes))
		require.NotNil(t, queryRes.Device)
		assert.Equal(t, res.Device.ID, queryRes.Device.ID)
		assert.Empty(t, queryRes.Err)
	})
}

func TestPerformDeviceCreationRejectsRemoteServer(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		userAPI, js, closeRig := mustCreateUserAPI(t, dbType)
		defer closeRig()

		err := userAPI.PerformDeviceCreation(context.Background(), &userapi.PerformDeviceCreationRequest{
			Localpart:  "bob",
			ServerName: "elsewhere",
		}, &userapi.PerformDeviceCreationResponse{})
		assert.Error(t, err)
		assert.Empty(t, js.published())
	})
}

func TestReplacingDeviceRevokesOldToken(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		userAPI, _, closeRig := mustCreateUserAPI(t, dbType)
		defer closeRig()

		create := func(token string) {
			require.NoError(t, userAPI.PerformDeviceCreation(ctx, &userapi.PerformDeviceCreationRequest{
				Localpart:   "carol",
				DeviceID:    "LAPTOP",
				AccessToken: token,
			}, &userapi.PerformDeviceCreationResponse{}))
		}
		create("first")
		create("second")

		res := &userapi.QueryAccessTokenResponse{}
		require.NoError(t, userAPI.QueryAccessToken(ctx, &userapi.QueryAccessTokenRequest{AccessToken: "first"}, res))
		assert.Nil(t, res.Device)
		assert.Empty(t, res.Err)

		res = &userapi.QueryAccessTokenResponse{}
		require.NoError(t, userAPI.QueryAccessToken(ctx, &userapi.QueryAccessTokenRequest{AccessToken: "second"}, res))
		require.NotNil(t, res.Device)
		assert.Equal(t, "LAPTOP", res.Device.ID)
	})
}

func TestPerformDeviceDeletion(t *testing.T) {
	ctx := context.Background()
	alice := test.NewUser(t)

	testCases := []struct {
		name        string
		deleteIDs   []string
		wantLeft    []string
		wantPublish bool
	}{
		{name: "delete one", deleteIDs: []string{"A"}, wantLeft: []string{"B", "C"}, wantPublish: true},
		{name: "delete all", deleteIDs: nil, wantLeft: nil, wantPublish: true},
	}

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				userAPI, js, closeRig := mustCreateUserAPI(t, dbType)
				defer closeRig()

				for _, id := range []string{"A", "B", "C"} {
					require.NoError(t, userAPI.PerformDeviceCreation(ctx, &userapi.PerformDeviceCreationRequest{
						Localpart: alice.Localpart,
						DeviceID:  id,
					}, &userapi.PerformDeviceCreationResponse{}))
				}
				before := len(js.published())

				err := userAPI.PerformDeviceDeletion(ctx, &userapi.PerformDeviceDeletionRequest{
					UserID:    alice.ID,
					DeviceIDs: tc.deleteIDs,
				}, &userapi.PerformDeviceDeletionResponse{})
				require.NoError(t, err)
				assert.Equal(t, tc.wantPublish, len(js.published()) > before)

				queryRes := &userapi.QueryDevicesResponse{}
				require.NoError(t, userAPI.QueryDevices(ctx, &userapi.QueryDevicesRequest{UserID: alice.ID}, queryRes))
				var left []string
				for _, d := range queryRes.Devices {
					left = append(left, d.ID)
				}
				assert.True(t, test.UnsortedStringSliceEqual(tc.wantLeft, left), "got %v want %v", left, tc.wantLeft)
				assert.Equal(t, len(tc.wantLeft) > 0, queryRes.UserExists)
			})
		}
	})
}

func TestPerformUploadKeys(t *testing.T) {
	key := json.RawMessage(`"base64+key"`)
	testCases := []struct {
		name        string
		req         userapi.PerformUploadKeysRequest
		wantErr     bool
		wantCounts  map[string]int
		wantChanged bool
	}{
		{
			name: "device keys only",
			req: userapi.PerformUploadKeysRequest{
				DeviceKeys: json.RawMessage(`{"algorithms":["m.olm.v1.curve25519-aes-sha2"]}`),
			},
			wantCounts:  map[string]int{},
			wantChanged: true,
		},
		{
			name: "one-time keys only",
			req: userapi.PerformUploadKeysRequest{
				OneTimeKeys: map[string]json.RawMessage{
					"signed_curve25519:AAAA": key,
					"signed_curve25519:AAAB": key,
					"curve25519:AAAC":        key,
				},
			},
			wantCounts: map[string]int{"signed_curve25519": 2, "curve25519": 1},
		},
		{
			name: "malformed key id",
			req: userapi.PerformUploadKeysRequest{
				OneTimeKeys: map[string]json.RawMessage{"AAAA": key},
			},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			userAPI, js, closeRig := mustCreateUserAPI(t, test.DBTypeSQLite)
			defer closeRig()

			tc.req.UserID, tc.req.DeviceID = "@alice:test", "ALICE"
			res := &userapi.PerformUploadKeysResponse{}
			err := userAPI.PerformUploadKeys(context.Background(), &tc.req, res)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Empty(t, js.published())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantCounts, res.OneTimeKeyCounts)

			var changed bool
			var counts map[string]int
			for _, msg := range js.published() {
				var output types.OutputKeyChangeEvent
				require.NoError(t, json.Unmarshal(msg.Data, &output))
				if output.OneTimeKeyCounts != nil {
					assert.Equal(t, "ALICE", output.DeviceID)
					counts = output.OneTimeKeyCounts
				} else {
					changed = true
				}
			}
			assert.Equal(t, tc.wantChanged, changed)
			if len(tc.wantCounts) > 0 {
				assert.Equal(t, tc.wantCounts, counts)
			}
		})
	}
}
