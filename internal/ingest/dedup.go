// Package ingest drives the best-effort analysis pipeline: discovering the
// user's track collection, deduplicating it against already-analyzed tracks,
// and submitting the remainder in bounded batches.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/un1t-gg/audial-agent/internal/auth"
	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/util"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ProviderAPI lists the user's playlists and their tracks.
type ProviderAPI interface {
	FetchAllPlaylists(ctx context.Context) ([]string, error)
	FetchPlaylistTracks(ctx context.Context, playlistID string) (map[string]struct{}, error)
}

// TokenFunc supplies a bearer token per request.
type TokenFunc func() string

// ExclusionClient fetches the set of track identifiers the backend has
// already analyzed. Authenticated with the federated session token.
type ExclusionClient struct {
	endpoint     string
	sessionToken TokenFunc
	httpClient   *http.Client
}

// NewExclusionClient creates a client for the processed-ids backend.
func NewExclusionClient(cfg *config.Config, sessionToken TokenFunc) *ExclusionClient {
	return &ExclusionClient{
		endpoint:     cfg.API.ProcessedIDsEndpoint,
		sessionToken: sessionToken,
		httpClient:   util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}),
	}
}

// FetchProcessedIDs returns the exclusion set in one call.
func (c *ExclusionClient) FetchProcessedIDs(ctx context.Context) (map[string]struct{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed, "failed to create exclusion request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.sessionToken())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed, "exclusion request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed, "failed to read exclusion response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed,
			fmt.Sprintf("exclusion request failed with status %d: %s", resp.StatusCode, string(body)), nil)
	}

	processed := make(map[string]struct{})
	gjson.GetBytes(body, "ids").ForEach(func(_, id gjson.Result) bool {
		if v := id.String(); v != "" {
			processed[v] = struct{}{}
		}
		return true
	})
	return processed, nil
}

// Discoverer builds the candidate set: the union of all per-playlist track
// sets minus the already-processed set.
type Discoverer struct {
	provider   ProviderAPI
	exclusions *ExclusionClient
}

// NewDiscoverer composes the provider listing API with the exclusion backend.
func NewDiscoverer(provider ProviderAPI, exclusions *ExclusionClient) *Discoverer {
	return &Discoverer{provider: provider, exclusions: exclusions}
}

// BuildCandidateSet discovers every track across the user's playlists and
// subtracts the exclusion set. Result order is unspecified.
func (d *Discoverer) BuildCandidateSet(ctx context.Context) ([]string, error) {
	processed, err := d.exclusions.FetchProcessedIDs(ctx)
	if err != nil {
		return nil, err
	}

	playlists, err := d.provider.FetchAllPlaylists(ctx)
	if err != nil {
		return nil, err
	}

	allTracks := make(map[string]struct{})
	for _, playlistID := range playlists {
		// Playlists are fetched sequentially to respect provider rate limits.
		tracks, errTracks := d.provider.FetchPlaylistTracks(ctx, playlistID)
		if errTracks != nil {
			return nil, errTracks
		}
		for id := range tracks {
			allTracks[id] = struct{}{}
		}
	}

	candidates := make([]string, 0, len(allTracks))
	for id := range allTracks {
		if _, done := processed[id]; !done {
			candidates = append(candidates, id)
		}
	}

	log.Infof("Discovered %d tracks, %d already analyzed, %d candidates",
		len(allTracks), len(allTracks)-len(candidates), len(candidates))
	return candidates, nil
}
