package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultSASExpiry is the lifetime of tokens issued by SASTokenSource
	DefaultSASExpiry = 24 * time.Hour

	// refreshWindow is how long before expiry cached tokens are replaced
	refreshWindow = 5 * time.Minute
)

// GenerateSASToken generates a Shared Access Signature token for Azure Relay
// expiring at the given time. The key is used as-is, as Azure does.
func GenerateSASToken(uri, keyName, key string, expiresAt time.Time) (string, error) {
	if keyName == "" {
		return "", fmt.Errorf("key name is required")
	}
	if key == "" {
		return "", fmt.Errorf("key is required")
	}

	uri = strings.TrimSuffix(uri, "/")
	expiry := expiresAt.Unix()

	// Create the string to sign: <url>\n<expiry>
	stringToSign := fmt.Sprintf("%s\n%d", url.QueryEscape(uri), expiry)

	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(h.Sum(nil))

	// Format: SharedAccessSignature sr=<url>&sig=<signature>&se=<expiry>&skn=<keyname>
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		url.QueryEscape(uri),
		url.QueryEscape(signature),
		expiry,
		url.QueryEscape(keyName),
	), nil
}

// HybridConnectionURI returns the resource URI a hybrid connection token signs
func HybridConnectionURI(relayNamespace, hybridConnectionName string) string {
	host := relayNamespace
	if !strings.Contains(host, ".") {
		host += ".servicebus.windows.net"
	}
	return fmt.Sprintf("https://%s/%s", host, hybridConnectionName)
}

// SASTokenSource signs per hybrid connection tokens with a namespace key and
// caches them until they are close to expiry
type SASTokenSource struct {
	namespace string
	keyName   string
	key       string
	expiry    time.Duration
	clock     clock.Clock

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// SASTokenSourceOptions contains configuration for SASTokenSource
type SASTokenSourceOptions struct {
	// RelayNamespace is the namespace name or its fully qualified host
	RelayNamespace string
	KeyName        string
	Key            string
	// Expiry defaults to DefaultSASExpiry
	Expiry time.Duration
	// Clock defaults to the wall clock
	Clock clock.Clock
}

// NewSASTokenSource creates a token source for one relay namespace
func NewSASTokenSource(opts *SASTokenSourceOptions) (*SASTokenSource, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.RelayNamespace == "" {
		return nil, fmt.Errorf("relay namespace is required")
	}
	if opts.KeyName == "" || opts.Key == "" {
		return nil, fmt.Errorf("key name and key are required")
	}

	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultSASExpiry
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &SASTokenSource{
		namespace: opts.RelayNamespace,
		keyName:   opts.KeyName,
		key:       opts.Key,
		expiry:    expiry,
		clock:     clk,
		tokens:    make(map[string]cachedToken),
	}, nil
}

// Token returns a SAS token for the hybrid connection
func (s *SASTokenSource) Token(_ context.Context, hybridConnection string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if cached, ok := s.tokens[hybridConnection]; ok && cached.expiresAt.Sub(now) > refreshWindow {
		return cached.value, nil
	}

	expiresAt := now.Add(s.expiry)
	token, err := GenerateSASToken(HybridConnectionURI(s.namespace, hybridConnection), s.keyName, s.key, expiresAt)
	if err != nil {
		return "", err
	}
	s.tokens[hybridConnection] = cachedToken{value: token, expiresAt: expiresAt}
	return token, nil
}
