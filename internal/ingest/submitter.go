package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/un1t-gg/audial-agent/internal/auth"
	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/util"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// DefaultChunkSize is the number of track identifiers per analysis request,
// matching the batch size of the analysis backend.
const DefaultChunkSize = 50

// SubmitResult accounts for one submission pass. Processed counts attempted
// tracks, successful or not; FailedChunks counts the chunks whose submission
// call failed.
type SubmitResult struct {
	Processed    int
	FailedChunks int
}

// Submitter partitions candidates into fixed-size chunks and submits each to
// the analysis backend, tolerating per-chunk failures.
type Submitter struct {
	endpoint      string
	chunkSize     int
	sessionToken  TokenFunc
	providerToken TokenFunc
	httpClient    *http.Client
}

// NewSubmitter creates a submitter for the analysis backend.
func NewSubmitter(cfg *config.Config, sessionToken, providerToken TokenFunc) *Submitter {
	return &Submitter{
		endpoint:      cfg.API.AnalyzeEndpoint,
		chunkSize:     DefaultChunkSize,
		sessionToken:  sessionToken,
		providerToken: providerToken,
		httpClient:    util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
	}
}

// Submit drains candidates in contiguous chunks, sequentially, awaiting each
// submission before the next. A chunk failure is logged and does not abort
// subsequent chunks; tracks are independent on the backend. Progress advances
// by chunk size after every attempt. Context cancellation (session expiry,
// shutdown) stops the pass at the next chunk boundary.
func (s *Submitter) Submit(ctx context.Context, candidates []string, onProgress func(processed, failedChunks int)) (*SubmitResult, error) {
	result := &SubmitResult{}

	for start := 0; start < len(candidates); start += s.chunkSize {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("submission interrupted: %w", err)
		}

		end := start + s.chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		if err := s.submitChunk(ctx, chunk); err != nil {
			result.FailedChunks++
			log.Errorf("Failed to submit chunk starting at index %d: %v", start, err)
		}

		result.Processed += len(chunk)
		if onProgress != nil {
			onProgress(result.Processed, result.FailedChunks)
		}
	}

	return result, nil
}

func (s *Submitter) submitChunk(ctx context.Context, chunk []string) error {
	body, err := sjson.Set("{}", "ids", chunk)
	if err != nil {
		return auth.NewFlowError(auth.KindSubmissionFailed, "failed to build batch request", err)
	}
	body, err = sjson.Set(body, "providerToken", s.providerToken())
	if err != nil {
		return auth.NewFlowError(auth.KindSubmissionFailed, "failed to build batch request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(body))
	if err != nil {
		return auth.NewFlowError(auth.KindSubmissionFailed, "failed to create batch request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.sessionToken())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return auth.NewFlowError(auth.KindSubmissionFailed, "batch request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return auth.NewFlowError(auth.KindSubmissionFailed,
			fmt.Sprintf("batch request failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}
	return nil
}
