// Package spotify is a minimal client for the provider Web API endpoints the
// agent needs: listing the user's playlists and the tracks inside them.
package spotify

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

const (
	// playlistPageSize is the fixed page size for the playlist listing.
	playlistPageSize = 50

	// trackPageSize is the fixed page size for per-playlist track listing.
	trackPageSize = 100
)

// TokenFunc supplies the current provider access token for each request, so
// a silent refresh mid-run is picked up without rebuilding the client.
type TokenFunc func() string

// Client talks to the provider Web API with bearer authentication.
type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
}

// NewClient creates a Web API client for the configured provider.
func NewClient(cfg *config.Config, token TokenFunc) *Client {
	return &Client{
		baseURL:    cfg.Spotify.APIBaseURL,
		token:      token,
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}),
	}
}

// FetchAllPlaylists pages through the user's playlists with a fixed page size,
// stopping when a page comes back short or empty. Returns playlist IDs with
// duplicates collapsed.
func (c *Client) FetchAllPlaylists(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	playlists := make([]string, 0)
	offset := 0

	for {
		pageURL := fmt.Sprintf("%s/me/playlists?limit=%d&offset=%d", c.baseURL, playlistPageSize, offset)
		body, err := c.get(ctx, pageURL)
		if err != nil {
			return nil, err
		}

		items := gjson.GetBytes(body, "items")
		count := 0
		items.ForEach(func(_, item gjson.Result) bool {
			count++
			id := item.Get("id").String()
			if id == "" {
				return true
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				playlists = append(playlists, id)
			}
			return true
		})

		if count == 0 {
			break
		}
		offset += count
		if count < playlistPageSize {
			break
		}
	}

	log.Debugf("Discovered %d playlists", len(playlists))
	return playlists, nil
}

// FetchPlaylistTracks pages through one playlist's tracks, accumulating into a
// set so a track repeated within the playlist is counted once.
func (c *Client) FetchPlaylistTracks(ctx context.Context, playlistID string) (map[string]struct{}, error) {
	tracks := make(map[string]struct{})
	offset := 0

	for {
		pageURL := fmt.Sprintf("%s/playlists/%s/tracks?fields=items(track(id))&offset=%d", c.baseURL, playlistID, offset)
		body, err := c.get(ctx, pageURL)
		if err != nil {
			return nil, err
		}

		items := gjson.GetBytes(body, "items")
		count := 0
		items.ForEach(func(_, item gjson.Result) bool {
			count++
			if id := item.Get("track.id").String(); id != "" {
				tracks[id] = struct{}{}
			}
			return true
		})

		if count == 0 {
			break
		}
		offset += count
		if count < trackPageSize {
			break
		}
	}

	return tracks, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed, "failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed, "provider request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed, "failed to read provider response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, auth.NewFlowError(auth.KindDiscoveryFailed,
			fmt.Sprintf("provider request failed with status %d: %s", resp.StatusCode, string(body)), nil)
	}
	return body, nil
}
