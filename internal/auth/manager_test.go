package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	fail  bool
	calls atomic.Int64
}

func (b *fakeBroker) Credentials(ctx context.Context, identityID, token string) (*FederatedCredentials, error) {
	b.calls.Add(1)
	if b.fail {
		return nil, NewFlowError(KindCredentialAcquisitionFailed, "identity broker exchange failed", nil)
	}
	return &FederatedCredentials{
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		SessionToken:    "session-token-for-" + identityID,
		Expiration:      time.Now().Add(time.Hour),
	}, nil
}

type testEnv struct {
	manager       *Manager
	store         *store.SessionStore
	broker        *fakeBroker
	exchangeCalls *atomic.Int64
	refreshCalls  *atomic.Int64
	validateCalls *atomic.Int64
	validateFail  *atomic.Bool
	refreshFail   *atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		broker:        &fakeBroker{},
		exchangeCalls: &atomic.Int64{},
		refreshCalls:  &atomic.Int64{},
		validateCalls: &atomic.Int64{},
		validateFail:  &atomic.Bool{},
		refreshFail:   &atomic.Bool{},
	}

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		grantType := r.FormValue("grant_type")
		switch grantType {
		case "authorization_code":
			env.exchangeCalls.Add(1)
		case "refresh_token":
			env.refreshCalls.Add(1)
			if env.refreshFail.Load() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		default:
			t.Errorf("unexpected grant type %q", grantType)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokenServer.Close)

	validateServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.validateCalls.Add(1)
		if env.validateFail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"validator unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"identityId":"id-1","cognitoToken":"open-id-token","userId":"user-1"}`))
	}))
	t.Cleanup(validateServer.Close)

	cfg := &config.Config{
		Spotify: config.Spotify{
			ClientID:     "client-id",
			Scopes:       "user-read-private",
			AuthURL:      tokenServer.URL + "/authorize",
			TokenURL:     tokenServer.URL,
			CallbackPort: 0,
		},
		API: config.API{
			ValidateTokenEndpoint: validateServer.URL,
		},
	}

	sessionStore, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sessionStore.Close()
	})

	env.store = sessionStore
	env.manager = NewManager(cfg, NewSpotifyAuth(cfg), NewTokenValidator(cfg), env.broker, sessionStore)
	t.Cleanup(env.manager.Shutdown)
	return env
}

func TestHandleCallbackSuccess(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.SaveVerifier(GenerateCodeVerifier(128)))
	require.NoError(t, env.manager.HandleCallback(context.Background(), "auth-code"))

	session := env.manager.Snapshot()
	assert.Equal(t, StateAuthenticated, session.State)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, "at-1", session.ProviderAccessToken)
	require.NotNil(t, session.Credentials)
	assert.True(t, session.Ready())

	record, err := env.store.Load()
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "user-1", record.UserID)
	assert.Greater(t, record.ExpiresAtEpochMs, time.Now().UnixMilli())
}

func TestHandleCallbackFederationFailureLeavesNoPartialSession(t *testing.T) {
	env := newTestEnv(t)
	env.broker.fail = true

	require.NoError(t, env.store.SaveVerifier(GenerateCodeVerifier(128)))
	err := env.manager.HandleCallback(context.Background(), "auth-code")
	require.Error(t, err)
	assert.Equal(t, KindCredentialAcquisitionFailed, KindOf(err))

	// The token exchange succeeded but its result must be discarded whole.
	assert.Equal(t, int64(1), env.exchangeCalls.Load())
	session := env.manager.Snapshot()
	assert.Equal(t, StateUnauthenticated, session.State)
	assert.Empty(t, session.ProviderAccessToken)
	assert.Nil(t, session.Credentials)
	assert.Equal(t, KindCredentialAcquisitionFailed, session.LastError)

	record, errLoad := env.store.Load()
	require.NoError(t, errLoad)
	assert.Nil(t, record)
}

func TestHandleCallbackValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.validateFail.Store(true)

	require.NoError(t, env.store.SaveVerifier(GenerateCodeVerifier(128)))
	err := env.manager.HandleCallback(context.Background(), "auth-code")
	require.Error(t, err)
	assert.Equal(t, KindTokenValidationFailed, KindOf(err))
	assert.Equal(t, int64(0), env.broker.calls.Load())
}

func TestHandleCallbackWithoutVerifierIsIgnored(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.manager.HandleCallback(context.Background(), "replayed-code"))

	assert.Equal(t, int64(0), env.exchangeCalls.Load(), "no exchange must be attempted")
	assert.NotEqual(t, StateAuthenticated, env.manager.Snapshot().State)
}

func TestInitializeWithoutRecordSettlesUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.manager.Initialize(context.Background()))
	assert.Equal(t, StateUnauthenticated, env.manager.Snapshot().State)
	assert.Equal(t, int64(0), env.refreshCalls.Load())
}

func TestInitializeWithDistantExpiryDoesNotRefresh(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Save(&store.Record{
		RefreshToken:     "rt-stored",
		ExpiresAtEpochMs: time.Now().Add(10 * time.Minute).UnixMilli(),
		UserID:           "user-1",
	}))

	require.NoError(t, env.manager.Initialize(context.Background()))

	session := env.manager.Snapshot()
	assert.Equal(t, StateAuthenticated, session.State)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, int64(0), env.refreshCalls.Load(), "no immediate refresh inside the window")
	// Token and credentials arrive with the scheduled refresh, not restore.
	assert.False(t, session.Ready())
}

func TestInitializeNearExpiryRefreshesSynchronously(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Save(&store.Record{
		RefreshToken:     "rt-stored",
		ExpiresAtEpochMs: time.Now().Add(4 * time.Minute).UnixMilli(),
		UserID:           "user-1",
	}))

	require.NoError(t, env.manager.Initialize(context.Background()))

	assert.Equal(t, int64(1), env.refreshCalls.Load())
	session := env.manager.Snapshot()
	assert.Equal(t, StateAuthenticated, session.State)
	assert.True(t, session.Ready())
}

func TestInitializeRefreshFailureForcesLogout(t *testing.T) {
	env := newTestEnv(t)
	env.refreshFail.Store(true)

	require.NoError(t, env.store.Save(&store.Record{
		RefreshToken:     "rt-stored",
		ExpiresAtEpochMs: time.Now().Add(time.Minute).UnixMilli(),
		UserID:           "user-1",
	}))

	err := env.manager.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindSessionExpired, KindOf(err))
	assert.Equal(t, StateUnauthenticated, env.manager.Snapshot().State)

	record, errLoad := env.store.Load()
	require.NoError(t, errLoad)
	assert.Nil(t, record, "refresh failure must clear the persisted record")
}

func TestLogoutClearsEverything(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.SaveVerifier(GenerateCodeVerifier(128)))
	require.NoError(t, env.manager.HandleCallback(context.Background(), "auth-code"))
	sessionCtx := env.manager.SessionContext()
	require.NoError(t, sessionCtx.Err())

	env.manager.Logout()

	session := env.manager.Snapshot()
	assert.Equal(t, StateUnauthenticated, session.State)
	assert.Empty(t, session.UserID)
	assert.Nil(t, session.Credentials)

	record, err := env.store.Load()
	require.NoError(t, err)
	assert.Nil(t, record)

	assert.Error(t, sessionCtx.Err(), "session context must be cancelled on logout")
}

func TestWaitReadyUnblocksOnAuthentication(t *testing.T) {
	env := newTestEnv(t)

	readyCh := make(chan Session, 1)
	go func() {
		session, _, err := env.manager.WaitReady(context.Background())
		if err == nil {
			readyCh <- session
		}
	}()

	require.NoError(t, env.store.SaveVerifier(GenerateCodeVerifier(128)))
	require.NoError(t, env.manager.HandleCallback(context.Background(), "auth-code"))

	select {
	case session := <-readyCh:
		assert.True(t, session.Ready())
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady did not unblock after authentication")
	}
}
