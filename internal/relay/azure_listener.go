package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienstroheker/hexrelay/internal/logging"
)

// acceptMessage represents an accept notification from the control channel
type acceptMessage struct {
	Accept *struct {
		Address        string            `json:"address"`
		ID             string            `json:"id"`
		ConnectHeaders map[string]string `json:"connectHeaders"`
	} `json:"accept"`
}

// Listen provisions the endpoint's hybrid connection and opens its control
// channel, waiting at most listenTimeout. Connection requests arrive
// through Pump.
func (e *azureEndpoint) Listen(backlog int) error {
	t := e.transport
	t.mu.Lock()
	if e.closed {
		t.mu.Unlock()
		return ErrEndpointClosed
	}
	if !e.bound {
		t.mu.Unlock()
		return ErrNotBound
	}
	if e.listening {
		t.mu.Unlock()
		return nil
	}
	for _, other := range t.endpoints {
		if other != e && other.listening && other.local == e.local {
			t.mu.Unlock()
			return fmt.Errorf("listen on %s: %w", e.local, ErrAddressInUse)
		}
	}
	e.listening = true
	e.backlog = backlog
	local := e.local
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, listenTimeout)
	conn, err := t.openControl(ctx, local)
	cancel()

	t.mu.Lock()
	if err == nil && e.closed {
		err = ErrEndpointClosed
		_ = conn.Close()
	}
	if err != nil {
		e.listening = false
		t.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", local, err)
	}
	e.control = conn
	t.mu.Unlock()

	go t.serveControl(e, conn)
	return nil
}

// openControl provisions the hybrid connection of local and dials its
// control channel
func (t *AzureTransport) openControl(ctx context.Context, local Address) (*websocket.Conn, error) {
	name := HybridConnectionName(local)
	if t.provisioner != nil {
		if err := t.provisioner.CreateHybridConnection(ctx, name); err != nil {
			return nil, fmt.Errorf("provision hybrid connection %s: %w", name, err)
		}
	}

	token, err := t.tokens.Token(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get listener token: %w", err)
	}

	// Format: wss://<endpoint>/$hc/<name>?sb-hc-action=listen&sb-hc-id=<listener-id>
	wsURL := fmt.Sprintf("%s://%s/$hc/%s?sb-hc-action=listen&sb-hc-id=%s",
		t.scheme, t.relayEndpoint, name, uuid.New().String())
	header := http.Header{}
	header.Add("ServiceBusAuthorization", token)

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("control channel connection failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("control channel connection failed: %w", err)
	}
	return conn, nil
}

// serveControl reads accept notifications until the control channel closes
func (t *AzureTransport) serveControl(e *azureEndpoint, conn *websocket.Conn) {
	logger := t.logger.With(
		logging.Stringer(logging.KeyLocal, e.LocalAddress()),
		logging.String("hybrid_connection_name", HybridConnectionName(e.LocalAddress())))
	logger.Info("Control channel connected")

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !e.Closed() {
				logger.Error("Control channel read error", logging.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg acceptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Failed to parse control message", logging.Error(err))
			continue
		}
		if msg.Accept == nil || msg.Accept.Address == "" {
			continue
		}

		from, err := ParseAddress(lookupHeader(msg.Accept.ConnectHeaders, fromHeader))
		if err != nil || from.IsIP() {
			logger.Warn("Rejecting connection without sender address",
				logging.String("connection_id", msg.Accept.ID))
			go t.reject(msg.Accept.Address, http.StatusBadRequest, "missing sender address")
			continue
		}

		go t.accept(e, msg.Accept.Address, msg.Accept.ID, from)
	}
}

// accept asks the listening handler on the tick goroutine, then either
// completes or rejects the rendezvous
func (t *AzureTransport) accept(e *azureEndpoint, rendezvous, connectionID string, from Address) {
	decision := make(chan bool, 1)

	t.mu.Lock()
	local := e.local
	t.enqueue(func() {
		t.mu.Lock()
		h := e.handler
		full := e.closed || (e.backlog > 0 && len(e.children) >= e.backlog)
		t.mu.Unlock()

		ok := !full
		if ok && h != nil {
			ok = h.IncomingConnection(local, from)
		}
		decision <- ok
	})
	t.mu.Unlock()

	var ok bool
	select {
	case ok = <-decision:
	case <-t.ctx.Done():
		return
	}
	if !ok {
		t.reject(rendezvous, http.StatusForbidden, "connection refused")
		return
	}

	conn, resp, err := t.dialer.DialContext(t.ctx, rendezvous, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.logger.Error("Rendezvous connection failed",
			logging.String("connection_id", connectionID), logging.Error(err))
		return
	}

	link := newWSLink(conn)
	t.mu.Lock()
	if e.closed {
		t.mu.Unlock()
		link.close()
		return
	}
	child := &azureEndpoint{
		transport:   t,
		id:          uuid.New().String(),
		description: e.description + "/accepted",
		local:       e.local,
		bound:       true,
		peer:        from,
		connected:   true,
		parent:      e,
		link:        link,
	}
	t.endpoints[child.id] = child
	e.children = append(e.children, child)
	t.enqueue(func() {
		t.mu.Lock()
		h := e.handler
		t.mu.Unlock()
		if h != nil {
			h.ConnectionAccepted(e, child, local, from)
		}
	})
	t.mu.Unlock()

	t.logger.Debug("Rendezvous connection established",
		logging.String("connection_id", connectionID),
		logging.Stringer(logging.KeyRemote, from))

	go t.readLoop(child, link)
}

// reject answers a rendezvous with an error status so the relay fails the
// sender's connect
func (t *AzureTransport) reject(rendezvous string, status int, description string) {
	u, err := url.Parse(rendezvous)
	if err != nil {
		return
	}
	q := u.Query()
	q.Set("sb-hc-statusCode", fmt.Sprint(status))
	q.Set("sb-hc-statusDescription", description)
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(t.ctx, u.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close()
	}
}

func lookupHeader(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
