package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/un1t-gg/audial-agent/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestSubmitter(t *testing.T, handler http.HandlerFunc) *Submitter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	cfg.API.AnalyzeEndpoint = server.URL
	return NewSubmitter(cfg,
		func() string { return "session-token" },
		func() string { return "provider-token" },
	)
}

func TestSubmitChunksAndToleratesFailure(t *testing.T) {
	var chunkSizes []int
	var call int

	submitter := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		call++
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		assert.Equal(t, "provider-token", gjson.GetBytes(body, "providerToken").String())

		ids := gjson.GetBytes(body, "ids").Array()
		chunkSizes = append(chunkSizes, len(ids))

		// The second chunk fails; later chunks must still be attempted.
		if call == 2 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	candidates := make([]string, 120)
	for i := range candidates {
		candidates[i] = "track"
	}

	var progress []int
	result, err := submitter.Submit(context.Background(), candidates, func(processed, failedChunks int) {
		progress = append(progress, processed)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{50, 50, 20}, chunkSizes)
	assert.Equal(t, 120, result.Processed, "failed chunks still count as attempted")
	assert.Equal(t, 1, result.FailedChunks)
	assert.Equal(t, []int{50, 100, 120}, progress, "progress must be monotonic")
}

func TestSubmitEmptyCandidates(t *testing.T) {
	submitter := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no submission call expected")
	})

	result, err := submitter.Submit(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.FailedChunks)
}

func TestSubmitStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	submitter := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		cancel()
	})

	candidates := make([]string, 120)
	for i := range candidates {
		candidates[i] = "track"
	}

	result, err := submitter.Submit(ctx, candidates, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation must stop at the next chunk boundary")
	assert.Equal(t, 50, result.Processed)
}
