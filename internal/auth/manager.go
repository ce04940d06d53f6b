// Package auth implements the authentication session for the agent: PKCE
// generation, the three-stage credential exchange (provider token, validation,
// federated credentials), durable persistence, and proactive refresh.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/un1t-gg/audial-agent/internal/browser"
	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// refreshLead is how long before expiry the silent refresh fires.
	refreshLead = 5 * time.Minute

	// loginTimeout bounds the wait for the browser redirect.
	loginTimeout = 5 * time.Minute

	// refreshTimeout bounds one complete refresh exchange.
	refreshTimeout = 2 * time.Minute
)

// Manager owns the process-wide session and serializes every transition:
// login, callback handling, silent restore, scheduled refresh, and logout.
type Manager struct {
	cfg       *config.Config
	oauth     *SpotifyAuth
	validator *TokenValidator
	broker    CredentialBroker
	store     *store.SessionStore

	mu            sync.Mutex
	session       Session
	refreshTimer  *time.Timer
	generation    uint64
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	readyCh       chan struct{}
}

// NewManager wires the session state machine from its collaborators.
func NewManager(cfg *config.Config, oauth *SpotifyAuth, validator *TokenValidator, broker CredentialBroker, sessionStore *store.SessionStore) *Manager {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	return &Manager{
		cfg:        cfg,
		oauth:      oauth,
		validator:  validator,
		broker:     broker,
		store:      sessionStore,
		session:    Session{State: StateInitializing},
		sessionCtx: cancelled,
		readyCh:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.clone()
}

// SessionContext returns a context that is cancelled when the session leaves
// the authenticated state. While unauthenticated it is already cancelled.
func (m *Manager) SessionContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCtx
}

// WaitReady blocks until the session holds both the provider token and the
// federated credentials, then returns a session snapshot and the session
// context the caller should run under.
func (m *Manager) WaitReady(ctx context.Context) (Session, context.Context, error) {
	for {
		m.mu.Lock()
		if m.session.Ready() {
			snapshot := m.session.clone()
			sessionCtx := m.sessionCtx
			m.mu.Unlock()
			return snapshot, sessionCtx, nil
		}
		ready := m.readyCh
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Session{}, nil, ctx.Err()
		case <-ready:
		}
	}
}

// Initialize runs once per process start. It restores a persisted session when
// one exists: a record more than five minutes from expiry settles directly
// into Authenticated with a refresh armed, a closer one is refreshed
// synchronously first. Without a record the session settles Unauthenticated.
func (m *Manager) Initialize(ctx context.Context) error {
	record, err := m.store.Load()
	if err != nil {
		flowErr := NewFlowError(KindInitializationFailed, "failed to restore session", err)
		m.failAuth(flowErr)
		return flowErr
	}

	if record == nil {
		m.settleUnauthenticated("")
		log.Debug("No persisted session found")
		return nil
	}

	if time.Until(record.ExpiresAt()) > refreshLead {
		m.mu.Lock()
		m.session = Session{
			State:     StateAuthenticated,
			UserID:    record.UserID,
			ExpiresAt: record.ExpiresAt(),
		}
		m.ensureSessionContextLocked()
		m.armRefreshLocked(record.ExpiresAt())
		m.mu.Unlock()
		log.Infof("Restored session for user %s, refresh armed", record.UserID)
		return nil
	}

	log.Info("Persisted session is near expiry, refreshing now")
	return m.refresh(ctx, m.currentGeneration())
}

// Login runs the interactive browser flow: PKCE pair, ephemeral verifier,
// authorization URL, loopback callback, then the three-stage exchange.
func (m *Manager) Login(ctx context.Context, noBrowser bool) error {
	pkceCodes := GeneratePKCECodes()
	state := uuid.NewString()

	if err := m.store.SaveVerifier(pkceCodes.CodeVerifier); err != nil {
		return NewFlowError(KindTokenExchangeFailed, "failed to stash code verifier", err)
	}

	authURL, err := m.oauth.GenerateAuthURL(state, pkceCodes)
	if err != nil {
		return NewFlowError(KindTokenExchangeFailed, "failed to build authorization URL", err)
	}

	server := NewCallbackServer(m.cfg.Spotify.CallbackPort)
	if err = server.Start(); err != nil {
		return NewFlowError(KindTokenExchangeFailed, "failed to start callback server", err)
	}
	defer func() {
		_ = server.Stop(context.Background())
	}()

	if noBrowser {
		log.Infof("Open this URL in your browser to continue:\n%s", authURL)
	} else if errOpen := browser.OpenURL(authURL); errOpen != nil {
		log.Warnf("Could not open browser automatically: %v", errOpen)
		log.Infof("Open this URL in your browser to continue:\n%s", authURL)
	}

	result, err := server.WaitForCallback(ctx, loginTimeout)
	if err != nil {
		return NewFlowError(KindTokenExchangeFailed, "authorization redirect did not arrive", err)
	}
	if result.Error != "" {
		flowErr := NewFlowError(KindTokenExchangeFailed, fmt.Sprintf("authorization was denied: %s", result.Error), nil)
		m.failAuth(flowErr)
		return flowErr
	}
	if result.State != state {
		// A mismatched state means this redirect belongs to another attempt;
		// burn the stashed verifier so it cannot be replayed.
		_, _ = m.store.TakeVerifier()
		flowErr := NewFlowError(KindTokenExchangeFailed, "authorization state mismatch", nil)
		m.failAuth(flowErr)
		return flowErr
	}

	return m.HandleCallback(ctx, result.Code)
}

// HandleCallback consumes the stashed verifier and runs the three exchange
// stages in order. On full success the session is populated, persisted, and a
// refresh armed; on any failure the session resets with no partial state.
// A callback with no stashed verifier is silently ignored so an already-used
// authorization code is never submitted twice.
func (m *Manager) HandleCallback(ctx context.Context, code string) error {
	verifier, err := m.store.TakeVerifier()
	if err != nil {
		flowErr := NewFlowError(KindTokenExchangeFailed, "failed to read code verifier", err)
		m.failAuth(flowErr)
		return flowErr
	}
	if verifier == "" {
		log.Debug("Callback received with no pending verifier, ignoring")
		return nil
	}

	generation := m.currentGeneration()

	tokens, err := m.oauth.ExchangeCode(ctx, code, verifier)
	if err != nil {
		m.failAuth(err)
		return err
	}

	validation, err := m.validator.Validate(ctx, tokens.AccessToken)
	if err != nil {
		// The access token already obtained is discarded with the attempt.
		m.failAuth(err)
		return err
	}

	credentials, err := m.broker.Credentials(ctx, validation.IdentityID, validation.CognitoToken)
	if err != nil {
		m.failAuth(err)
		return err
	}

	if err = m.completeAuth(generation, tokens, validation.UserID, credentials); err != nil {
		return err
	}
	log.Infof("Authenticated as user %s", validation.UserID)
	return nil
}

// Logout clears the session to its unauthenticated shape, removes the
// persisted record and any ephemeral verifier, and cancels the refresh timer.
// It always succeeds.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.cancelRefreshLocked()
	m.generation++
	m.session = Session{State: StateUnauthenticated}
	m.resetSessionContextLocked()
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		log.Errorf("Failed to clear persisted session: %v", err)
	}
	log.Info("Logged out")
}

// Shutdown cancels the refresh timer and the session context without touching
// the persisted record, so the session can be restored on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelRefreshLocked()
	m.generation++
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
}

// refresh performs the three exchange stages with the refresh-token grant.
// Failure of any stage forces a logout; a completion that lost a race against
// logout is discarded without writing.
func (m *Manager) refresh(ctx context.Context, generation uint64) error {
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return nil
	}
	m.session.State = StateRefreshing
	m.mu.Unlock()

	record, err := m.store.Load()
	if err != nil || record == nil {
		flowErr := NewFlowError(KindSessionExpired, "no refresh token available", err)
		m.forceLogout(flowErr)
		return flowErr
	}

	tokens, err := m.oauth.RefreshTokens(ctx, record.RefreshToken)
	if err != nil {
		flowErr := NewFlowError(KindSessionExpired, "token refresh failed", err)
		m.forceLogout(flowErr)
		return flowErr
	}

	validation, err := m.validator.Validate(ctx, tokens.AccessToken)
	if err != nil {
		flowErr := NewFlowError(KindSessionExpired, "token validation failed during refresh", err)
		m.forceLogout(flowErr)
		return flowErr
	}

	credentials, err := m.broker.Credentials(ctx, validation.IdentityID, validation.CognitoToken)
	if err != nil {
		flowErr := NewFlowError(KindSessionExpired, "credential acquisition failed during refresh", err)
		m.forceLogout(flowErr)
		return flowErr
	}

	userID := validation.UserID
	if userID == "" {
		userID = record.UserID
	}
	if err = m.completeAuth(generation, tokens, userID, credentials); err != nil {
		return err
	}
	log.Debug("Session refreshed")
	return nil
}

// completeAuth installs the fully-acquired session under the lock, persists
// the durable record, and re-arms the refresh timer. A stale generation means
// a logout won the race; the result is discarded.
func (m *Manager) completeAuth(generation uint64, tokens *TokenData, userID string, credentials *FederatedCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != generation {
		log.Debug("Discarding authentication result acquired before logout")
		return nil
	}

	m.session = Session{
		State:               StateAuthenticated,
		UserID:              userID,
		ProviderAccessToken: tokens.AccessToken,
		Credentials:         credentials,
		ExpiresAt:           tokens.ExpiresAt,
	}
	m.ensureSessionContextLocked()

	if tokens.RefreshToken != "" {
		record := &store.Record{
			RefreshToken:     tokens.RefreshToken,
			ExpiresAtEpochMs: tokens.ExpiresAt.UnixMilli(),
			UserID:           userID,
		}
		if err := m.store.Save(record); err != nil {
			log.Errorf("Failed to persist session record: %v", err)
		}
	} else {
		log.Debug("Provider returned no refresh token; session will not survive a restart")
	}

	m.armRefreshLocked(tokens.ExpiresAt)
	close(m.readyCh)
	m.readyCh = make(chan struct{})
	return nil
}

// armRefreshLocked arms the single refresh timer for expiry minus the lead
// window, firing immediately when already inside it. Arming cancels any
// previous timer. Caller holds m.mu.
func (m *Manager) armRefreshLocked(expiresAt time.Time) {
	m.cancelRefreshLocked()
	delay := time.Until(expiresAt) - refreshLead
	if delay < 0 {
		delay = 0
	}
	generation := m.generation
	m.refreshTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := m.refresh(ctx, generation); err != nil {
			log.Errorf("Scheduled refresh failed: %v", err)
		}
	})
}

func (m *Manager) cancelRefreshLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// failAuth resets the session to unauthenticated with the failing stage's
// error kind. No partial session is ever exposed.
func (m *Manager) failAuth(err error) {
	m.settleUnauthenticated(KindOf(err))
}

// forceLogout is the refresh-failure path: the session and the persisted
// record are both cleared, since the credential set can no longer be renewed.
func (m *Manager) forceLogout(err error) {
	m.mu.Lock()
	m.cancelRefreshLocked()
	m.generation++
	m.session = Session{State: StateUnauthenticated, LastError: KindOf(err)}
	m.resetSessionContextLocked()
	m.mu.Unlock()

	if errClear := m.store.Clear(); errClear != nil {
		log.Errorf("Failed to clear persisted session: %v", errClear)
	}
}

func (m *Manager) settleUnauthenticated(kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelRefreshLocked()
	m.generation++
	m.session = Session{State: StateUnauthenticated, LastError: kind}
	m.resetSessionContextLocked()
}

// ensureSessionContextLocked replaces a cancelled session context with a live
// one. Caller holds m.mu.
func (m *Manager) ensureSessionContextLocked() {
	if m.sessionCtx.Err() == nil && m.sessionCancel != nil {
		return
	}
	m.sessionCtx, m.sessionCancel = context.WithCancel(context.Background())
}

// resetSessionContextLocked cancels the session context so downstream work
// aborts at its next checkpoint. Caller holds m.mu.
func (m *Manager) resetSessionContextLocked() {
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}
