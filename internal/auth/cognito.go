package auth

import (
	"context"
	"time"

	appconfig "github.com/un1t-gg/audial-agent/internal/config"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
)

// cognitoLoginKey is the logins-map key Cognito expects for its own
// developer-authenticated OpenID tokens.
const cognitoLoginKey = "cognito-identity.amazonaws.com"

// CognitoBroker acquires short-lived federated credentials from an AWS
// Cognito identity pool. It implements CredentialBroker.
type CognitoBroker struct {
	client         *cognitoidentity.Client
	identityPoolID string
}

// NewCognitoBroker creates a broker client for the configured region and pool.
func NewCognitoBroker(ctx context.Context, cfg *appconfig.Config) (*CognitoBroker, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, NewFlowError(KindCredentialAcquisitionFailed, "failed to configure identity broker client", err)
	}
	return &CognitoBroker{
		client:         cognitoidentity.NewFromConfig(awsCfg),
		identityPoolID: cfg.AWS.IdentityPoolID,
	}, nil
}

// Credentials exchanges the identity assertion for scoped credentials. When
// the validate endpoint did not resolve an identity, one is looked up in the
// configured pool first.
func (b *CognitoBroker) Credentials(ctx context.Context, identityID, token string) (*FederatedCredentials, error) {
	if identityID == "" {
		resolved, err := b.resolveIdentity(ctx, token)
		if err != nil {
			return nil, err
		}
		identityID = resolved
	}

	out, err := b.client.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: &identityID,
		Logins:     map[string]string{cognitoLoginKey: token},
	})
	if err != nil {
		return nil, NewFlowError(KindCredentialAcquisitionFailed, "identity broker exchange failed", err)
	}
	if out.Credentials == nil || out.Credentials.SessionToken == nil {
		return nil, NewFlowError(KindCredentialAcquisitionFailed, "identity broker returned no credentials", nil)
	}

	creds := &FederatedCredentials{
		AccessKeyID:     derefString(out.Credentials.AccessKeyId),
		SecretAccessKey: derefString(out.Credentials.SecretKey),
		SessionToken:    derefString(out.Credentials.SessionToken),
	}
	if out.Credentials.Expiration != nil {
		creds.Expiration = *out.Credentials.Expiration
	} else {
		creds.Expiration = time.Now().Add(time.Hour)
	}
	return creds, nil
}

func (b *CognitoBroker) resolveIdentity(ctx context.Context, token string) (string, error) {
	out, err := b.client.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: &b.identityPoolID,
		Logins:         map[string]string{cognitoLoginKey: token},
	})
	if err != nil {
		return "", NewFlowError(KindCredentialAcquisitionFailed, "identity lookup failed", err)
	}
	if out.IdentityId == nil || *out.IdentityId == "" {
		return "", NewFlowError(KindCredentialAcquisitionFailed, "identity pool returned no identity", nil)
	}
	return *out.IdentityId, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
