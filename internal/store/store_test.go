package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := openTestStore(t)

	expiresAt := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, s.Save(&Record{
		RefreshToken:     "refresh-abc",
		ExpiresAtEpochMs: expiresAt,
		UserID:           "user-1",
	}))

	record, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "refresh-abc", record.RefreshToken)
	assert.Equal(t, expiresAt, record.ExpiresAtEpochMs)
	assert.Equal(t, "user-1", record.UserID)
	assert.Equal(t, time.UnixMilli(expiresAt), record.ExpiresAt())
}

func TestLoadEmptyReturnsNil(t *testing.T) {
	s := openTestStore(t)

	record, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSaveRejectsIncompleteRecord(t *testing.T) {
	s := openTestStore(t)

	assert.Error(t, s.Save(nil))
	assert.Error(t, s.Save(&Record{UserID: "user-1"}))
	assert.Error(t, s.Save(&Record{RefreshToken: "refresh-abc"}))
}

func TestClearRemovesEverythingAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(&Record{
		RefreshToken:     "refresh-abc",
		ExpiresAtEpochMs: time.Now().Add(time.Hour).UnixMilli(),
		UserID:           "user-1",
	}))
	require.NoError(t, s.SaveVerifier("verifier"))

	require.NoError(t, s.Clear())

	record, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, record)

	verifier, err := s.TakeVerifier()
	require.NoError(t, err)
	assert.Empty(t, verifier)

	// Clearing an already-empty store succeeds.
	require.NoError(t, s.Clear())
}

func TestTakeVerifierIsSingleUse(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveVerifier("verifier-xyz"))

	verifier, err := s.TakeVerifier()
	require.NoError(t, err)
	assert.Equal(t, "verifier-xyz", verifier)

	verifier, err = s.TakeVerifier()
	require.NoError(t, err)
	assert.Empty(t, verifier, "second take must find nothing")
}
