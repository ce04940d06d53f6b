package auth

import (
	"time"
)

// State is the lifecycle state of the authentication session.
type State string

const (
	// StateInitializing is the state at process start, before restore settles.
	StateInitializing State = "initializing"

	// StateUnauthenticated means no valid session is held.
	StateUnauthenticated State = "unauthenticated"

	// StateAuthenticated means tokens and credentials may be read while the
	// expiry is in the future.
	StateAuthenticated State = "authenticated"

	// StateRefreshing means a silent refresh is in flight.
	StateRefreshing State = "refreshing"
)

// Session is the process-wide authentication session. Exactly one session is
// live per agent instance; it is mutated only by the Manager.
type Session struct {
	State               State
	UserID              string
	ProviderAccessToken string
	Credentials         *FederatedCredentials
	ExpiresAt           time.Time
	LastError           ErrorKind
}

// IsAuthenticated reports whether the session may serve requests.
func (s *Session) IsAuthenticated() bool {
	return s.State == StateAuthenticated || s.State == StateRefreshing
}

// Ready reports whether both the provider token and the federated credentials
// are available, which is the gate for starting pipeline work.
func (s *Session) Ready() bool {
	return s.IsAuthenticated() && s.ProviderAccessToken != "" && s.Credentials != nil && time.Now().Before(s.ExpiresAt)
}

// clone returns a copy safe to hand out while the manager keeps mutating the
// live session.
func (s *Session) clone() Session {
	out := *s
	if s.Credentials != nil {
		creds := *s.Credentials
		out.Credentials = &creds
	}
	return out
}
