package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/util"

	"golang.org/x/oauth2"
)

// TokenData holds the provider tokens obtained from a code or refresh grant.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SpotifyAuth performs the OAuth2 Authorization Code + PKCE exchanges against
// the provider token endpoint. It never retries; retry policy belongs to the
// caller.
type SpotifyAuth struct {
	conf       *oauth2.Config
	httpClient *http.Client
}

// NewSpotifyAuth creates an OAuth client for the configured provider.
func NewSpotifyAuth(cfg *config.Config) *SpotifyAuth {
	return &SpotifyAuth{
		conf: &oauth2.Config{
			ClientID:    cfg.Spotify.ClientID,
			RedirectURL: cfg.Spotify.RedirectURI(),
			Scopes:      strings.Fields(cfg.Spotify.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.Spotify.AuthURL,
				TokenURL:  cfg.Spotify.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}),
	}
}

// GenerateAuthURL creates the provider authorization URL carrying the PKCE
// challenge with the S256 method.
func (a *SpotifyAuth) GenerateAuthURL(state string, pkceCodes *PKCECodes) (string, error) {
	if pkceCodes == nil {
		return "", fmt.Errorf("PKCE codes are required")
	}
	authURL := a.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("code_challenge", pkceCodes.CodeChallenge),
	)
	return authURL, nil
}

// ExchangeCode exchanges an authorization code and its PKCE verifier for
// provider tokens. A non-2xx provider response surfaces the response body in
// the error for diagnostics; tokens are never logged.
func (a *SpotifyAuth) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenData, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := a.conf.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, NewFlowError(KindTokenExchangeFailed, retrieveDetail("token exchange failed", err), err)
	}
	return tokenDataFromOAuth(token)
}

// RefreshTokens repeats the token grant using the stored refresh token.
func (a *SpotifyAuth) RefreshTokens(ctx context.Context, refreshToken string) (*TokenData, error) {
	if refreshToken == "" {
		return nil, NewFlowError(KindTokenExchangeFailed, "refresh token is required", nil)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	source := a.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, NewFlowError(KindTokenExchangeFailed, retrieveDetail("token refresh failed", err), err)
	}
	data, err := tokenDataFromOAuth(token)
	if err != nil {
		return nil, err
	}
	// Providers may rotate or withhold the refresh token on refresh; keep
	// the one already persisted when none is returned.
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	return data, nil
}

func tokenDataFromOAuth(token *oauth2.Token) (*TokenData, error) {
	if token.AccessToken == "" {
		return nil, NewFlowError(KindTokenExchangeFailed, "provider returned an empty access token", nil)
	}
	return &TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, nil
}

// retrieveDetail appends the provider response status and body to msg when the
// underlying error carries them.
func retrieveDetail(msg string, err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return fmt.Sprintf("%s with status %d: %s", msg, retrieveErr.Response.StatusCode, string(retrieveErr.Body))
	}
	return msg
}
