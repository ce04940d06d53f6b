// Package store persists the authenticated session across process restarts.
// It wraps a bbolt database holding the refresh token, expiry timestamp, and
// user identifier, plus the ephemeral PKCE verifier between redirect and
// callback.
package store

import (
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const sessionBucket = "session"

// Persisted keys. The three session keys are written and removed as a set;
// the verifier key is single-use.
const (
	keyRefreshToken    = "refresh_token"
	keyTokenExpiration = "token_expiration"
	keyUserID          = "user_id"
	keyCodeVerifier    = "code_verifier"
)

// Record is the durable session record. All three fields are present or the
// record does not exist; partial records are never returned.
type Record struct {
	RefreshToken     string
	ExpiresAtEpochMs int64
	UserID           string
}

// ExpiresAt returns the record expiry as a time.
func (r *Record) ExpiresAt() time.Time {
	return time.UnixMilli(r.ExpiresAtEpochMs)
}

// SessionStore is a durable key-value store for the session record. All
// writers are serialized through the session manager; bbolt additionally
// guarantees single-writer transactions.
type SessionStore struct {
	db *bolt.DB
}

// Open opens (creating if needed) the session database at path.
func Open(path string) (*SessionStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open session database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to create session bucket: %w", err)
	}
	return &SessionStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Save writes the three session keys in one transaction. Either all three are
// persisted or none is.
func (s *SessionStore) Save(record *Record) error {
	if record == nil || record.RefreshToken == "" || record.UserID == "" {
		return fmt.Errorf("store: incomplete session record")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		if errPut := b.Put([]byte(keyRefreshToken), []byte(record.RefreshToken)); errPut != nil {
			return errPut
		}
		expiration := strconv.FormatInt(record.ExpiresAtEpochMs, 10)
		if errPut := b.Put([]byte(keyTokenExpiration), []byte(expiration)); errPut != nil {
			return errPut
		}
		return b.Put([]byte(keyUserID), []byte(record.UserID))
	})
	if err != nil {
		return fmt.Errorf("store: failed to save session record: %w", err)
	}
	return nil
}

// Load returns the persisted record, or nil when any of the three keys is
// absent. Partial sessions are never synthesized.
func (s *SessionStore) Load() (*Record, error) {
	var record *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		refreshToken := b.Get([]byte(keyRefreshToken))
		expiration := b.Get([]byte(keyTokenExpiration))
		userID := b.Get([]byte(keyUserID))
		if refreshToken == nil || expiration == nil || userID == nil {
			return nil
		}
		expiresAt, errParse := strconv.ParseInt(string(expiration), 10, 64)
		if errParse != nil {
			// Tampered expiry invalidates the whole record.
			return nil
		}
		record = &Record{
			RefreshToken:     string(refreshToken),
			ExpiresAtEpochMs: expiresAt,
			UserID:           string(userID),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to load session record: %w", err)
	}
	return record, nil
}

// Clear removes the session keys and any pending verifier in one transaction.
// Idempotent; safe to call when nothing is stored.
func (s *SessionStore) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		for _, key := range []string{keyRefreshToken, keyTokenExpiration, keyUserID, keyCodeVerifier} {
			if errDelete := b.Delete([]byte(key)); errDelete != nil {
				return errDelete
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: failed to clear session record: %w", err)
	}
	return nil
}

// SaveVerifier stores the PKCE verifier for the login attempt in flight.
func (s *SessionStore) SaveVerifier(verifier string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(keyCodeVerifier), []byte(verifier))
	})
	if err != nil {
		return fmt.Errorf("store: failed to save code verifier: %w", err)
	}
	return nil
}

// TakeVerifier returns the stored verifier and deletes it in the same
// transaction, so a verifier can be used at most once. Returns an empty
// string when none is stored.
func (s *SessionStore) TakeVerifier() (string, error) {
	var verifier string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		value := b.Get([]byte(keyCodeVerifier))
		if value == nil {
			return nil
		}
		verifier = string(value)
		return b.Delete([]byte(keyCodeVerifier))
	})
	if err != nil {
		return "", fmt.Errorf("store: failed to take code verifier: %w", err)
	}
	return verifier, nil
}
