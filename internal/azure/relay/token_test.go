package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/benbjohnson/clock"
)

// fakeCredential issues numbered tokens valid for lifetime
type fakeCredential struct {
	clock    clock.Clock
	lifetime time.Duration
	calls    int
	scopes   []string
	err      error
}

func (c *fakeCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.calls++
	c.scopes = opts.Scopes
	if c.err != nil {
		return azcore.AccessToken{}, c.err
	}
	return azcore.AccessToken{
		Token:     fmt.Sprintf("token-%d", c.calls),
		ExpiresOn: c.clock.Now().Add(c.lifetime),
	}, nil
}

func TestEntraTokenSource_Token(t *testing.T) {
	mock := clock.NewMock()
	cred := &fakeCredential{clock: mock, lifetime: time.Hour}

	src, err := NewEntraTokenSource(cred, mock)
	if err != nil {
		t.Fatalf("NewEntraTokenSource() error = %v", err)
	}

	ctx := context.Background()
	token, err := src.Token(ctx, "hc-a")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "token-1" {
		t.Errorf("Expected token-1, got: %s", token)
	}
	if len(cred.scopes) != 1 || cred.scopes[0] != relayScope {
		t.Errorf("Expected relay scope, got: %v", cred.scopes)
	}

	// Any hybrid connection shares the cached token.
	token2, _ := src.Token(ctx, "hc-b")
	if token2 != token {
		t.Error("Cached token should be the same")
	}

	mock.Add(56 * time.Minute)
	token3, _ := src.Token(ctx, "hc-a")
	if token3 != "token-2" {
		t.Errorf("Expected refresh near expiry, got: %s", token3)
	}
	if cred.calls != 2 {
		t.Errorf("Expected 2 credential calls, got: %d", cred.calls)
	}
}

func TestEntraTokenSource_Error(t *testing.T) {
	mock := clock.NewMock()
	cred := &fakeCredential{clock: mock, err: errors.New("no identity")}

	src, _ := NewEntraTokenSource(cred, mock)
	if _, err := src.Token(context.Background(), "hc-a"); err == nil {
		t.Error("Expected credential error")
	}
}
