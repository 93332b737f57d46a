package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/julienstroheker/hexrelay/internal/logging"
)

// Connect dials the remote address's hybrid connection in the background;
// the outcome is delivered through Pump
func (e *azureEndpoint) Connect(remote Address) error {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}
	if !e.bound {
		return ErrNotBound
	}
	if e.listening || e.parent != nil {
		return fmt.Errorf("connect on %s: endpoint is not an outbound socket", e.local)
	}
	if remote.IsZero() || remote.IsIP() {
		return fmt.Errorf("invalid relay address %s", remote)
	}
	for _, other := range t.endpoints {
		if other != e && other.parent == nil && !other.listening && other.local == e.local &&
			(other.connected || other.connecting) && other.peer == remote {
			return fmt.Errorf("connect %s -> %s: %w", e.local, remote, ErrAddressInUse)
		}
	}

	e.peer = remote
	e.connecting = true
	go t.connect(e, e.local, remote)
	return nil
}

// connect runs the sender side of the hybrid connection handshake
func (t *AzureTransport) connect(e *azureEndpoint, local, remote Address) {
	name := HybridConnectionName(remote)
	logger := t.logger.With(
		logging.Stringer(logging.KeyLocal, local),
		logging.Stringer(logging.KeyRemote, remote))

	u, err := t.senderURL(name)
	if err != nil {
		t.connectFailed(e, logger, err)
		return
	}

	token, err := t.tokens.Token(t.ctx, name)
	if err != nil {
		t.connectFailed(e, logger, fmt.Errorf("failed to get sender token: %w", err))
		return
	}

	headers := http.Header{}
	headers.Set(fromHeader, local.String())
	// SAS tokens travel in the query, Entra ID tokens as a bearer header
	if strings.HasPrefix(token, "SharedAccessSignature") {
		q := u.Query()
		q.Set("sb-hc-token", token)
		u.RawQuery = q.Encode()
	} else {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.dialer.DialContext(t.ctx, u.String(), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("failed to connect to relay (status %d): %w", resp.StatusCode, err)
		}
		t.connectFailed(e, logger, err)
		return
	}

	link := newWSLink(conn)
	t.mu.Lock()
	if e.closed || !e.connecting {
		t.mu.Unlock()
		link.close()
		return
	}
	e.connecting = false
	e.connected = true
	e.link = link
	t.enqueue(func() {
		t.mu.Lock()
		h := e.handler
		t.mu.Unlock()
		if h != nil {
			h.ConnectionAccepted(nil, e, local, remote)
		}
	})
	t.mu.Unlock()

	logger.Debug("Hybrid connection established")
	go t.readLoop(e, link)
}

func (t *AzureTransport) senderURL(name string) (*url.URL, error) {
	// Format: wss://<endpoint>/$hc/<name>?sb-hc-action=connect
	u, err := url.Parse(fmt.Sprintf("%s://%s/$hc/%s", t.scheme, t.relayEndpoint, name))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("sb-hc-action", "connect")
	u.RawQuery = q.Encode()
	return u, nil
}

func (t *AzureTransport) connectFailed(e *azureEndpoint, logger *logging.Logger, err error) {
	logger.Debug("Hybrid connection failed", logging.Error(err))

	t.mu.Lock()
	defer t.mu.Unlock()
	if e.closed || !e.connecting {
		return
	}
	e.connecting = false
	e.peer = Address{}
	t.enqueue(func() {
		t.mu.Lock()
		h := e.handler
		t.mu.Unlock()
		if h != nil {
			h.ConnectionClosed(nil, e)
		}
	})
}
