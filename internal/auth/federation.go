package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/util"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ValidationResult is the federated identity data returned by the validate
// endpoint for a provider access token.
type ValidationResult struct {
	IdentityID   string
	CognitoToken string
	UserID       string
}

// FederatedCredentials are short-lived credentials issued by the identity
// broker for a validated identity.
type FederatedCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// CredentialBroker exchanges a federated identity assertion for short-lived
// scoped credentials.
type CredentialBroker interface {
	Credentials(ctx context.Context, identityID, token string) (*FederatedCredentials, error)
}

// TokenValidator posts provider access tokens to the application-controlled
// validate endpoint and returns the federated identity data.
type TokenValidator struct {
	endpoint   string
	httpClient *http.Client
}

// NewTokenValidator creates a validator for the configured endpoint.
func NewTokenValidator(cfg *config.Config) *TokenValidator {
	return &TokenValidator{
		endpoint:   cfg.API.ValidateTokenEndpoint,
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 30 * time.Second}),
	}
}

// Validate posts the access token and parses the identity payload. A non-2xx
// response surfaces the body in the error; the token itself is never logged.
func (v *TokenValidator) Validate(ctx context.Context, accessToken string) (*ValidationResult, error) {
	body, err := sjson.Set("{}", "token", accessToken)
	if err != nil {
		return nil, NewFlowError(KindTokenValidationFailed, "failed to build validation request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, NewFlowError(KindTokenValidationFailed, "failed to create validation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, NewFlowError(KindTokenValidationFailed, "validation request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFlowError(KindTokenValidationFailed, "failed to read validation response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewFlowError(KindTokenValidationFailed,
			fmt.Sprintf("token validation failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	root := gjson.ParseBytes(respBody)
	result := &ValidationResult{
		IdentityID:   root.Get("identityId").String(),
		CognitoToken: root.Get("cognitoToken").String(),
		UserID:       root.Get("userId").String(),
	}
	// Older deployments named the broker token field differently.
	if result.CognitoToken == "" {
		result.CognitoToken = root.Get("brokerToken").String()
	}
	// The identity id may be absent; the broker can resolve one from the
	// token. The broker token itself is mandatory.
	if result.CognitoToken == "" {
		return nil, NewFlowError(KindTokenValidationFailed, "validation response is missing the broker token", nil)
	}
	return result, nil
}
