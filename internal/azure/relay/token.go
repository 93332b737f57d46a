package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/benbjohnson/clock"
)

// relayScope is the Entra ID scope for Azure Service Bus and Relay
const relayScope = "https://relay.azure.net/.default"

// EntraTokenSource provides Entra ID tokens for Azure Relay. Tokens are
// namespace-wide, so one cached token serves every hybrid connection, and
// it is refreshed proactively before expiry.
type EntraTokenSource struct {
	credential azcore.TokenCredential
	clock      clock.Clock

	mu    sync.Mutex
	token *azcore.AccessToken
}

// NewEntraTokenSource creates a token source. A nil credential selects
// DefaultAzureCredential (managed identity, Azure CLI, environment, ...).
func NewEntraTokenSource(credential azcore.TokenCredential, clk clock.Clock) (*EntraTokenSource, error) {
	if credential == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential: %w", err)
		}
		credential = cred
	}
	if clk == nil {
		clk = clock.New()
	}
	return &EntraTokenSource{credential: credential, clock: clk}, nil
}

// Token returns a valid access token, using the cache when possible
func (p *EntraTokenSource) Token(ctx context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != nil && p.token.ExpiresOn.Sub(p.clock.Now()) > refreshWindow {
		return p.token.Token, nil
	}

	tokenResponse, err := p.credential.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{relayScope},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}

	p.token = &tokenResponse
	return tokenResponse.Token, nil
}
