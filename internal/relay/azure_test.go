package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienstroheker/hexrelay/internal/logging"
)

// fakeRelay emulates the hybrid connection control, connect and rendezvous
// protocol of Azure Relay
type fakeRelay struct {
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu          sync.Mutex
	controls    map[string]*websocket.Conn
	rendezvous  map[string]chan *websocket.Conn
	provisioned []string
	tokens      []string

	// listenStatus, when set, rejects listen handshakes with this status
	listenStatus int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		controls:   make(map[string]*websocket.Conn),
		rendezvous: make(map[string]chan *websocket.Conn),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRelay) endpoint() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeRelay) hasListener(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controls[name] != nil
}

func (f *fakeRelay) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/$hc/"):
		name := strings.TrimPrefix(r.URL.Path, "/$hc/")
		switch r.URL.Query().Get("sb-hc-action") {
		case "listen":
			f.serveListen(w, r, name)
		case "connect":
			f.serveConnect(w, r, name)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	case strings.HasPrefix(r.URL.Path, "/rendezvous/"):
		f.serveRendezvous(w, r, strings.TrimPrefix(r.URL.Path, "/rendezvous/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRelay) serveListen(w http.ResponseWriter, r *http.Request, name string) {
	f.mu.Lock()
	status := f.listenStatus
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, "listen rejected", status)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.controls[name] = conn
	f.tokens = append(f.tokens, r.Header.Get("ServiceBusAuthorization"))
	f.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.mu.Lock()
				if f.controls[name] == conn {
					delete(f.controls, name)
				}
				f.mu.Unlock()
				return
			}
		}
	}()
}

func (f *fakeRelay) serveConnect(w http.ResponseWriter, r *http.Request, name string) {
	id := uuid.New().String()
	ch := make(chan *websocket.Conn, 1)

	f.mu.Lock()
	control := f.controls[name]
	if control == nil {
		f.mu.Unlock()
		http.Error(w, "no listener", http.StatusNotFound)
		return
	}
	f.rendezvous[id] = ch
	f.tokens = append(f.tokens, r.URL.Query().Get("sb-hc-token"))
	err := control.WriteJSON(map[string]any{
		"accept": map[string]any{
			"address": "ws://" + r.Host + "/rendezvous/" + id,
			"id":      id,
			"connectHeaders": map[string]string{
				fromHeader: r.Header.Get(fromHeader),
			},
		},
	})
	f.mu.Unlock()
	if err != nil {
		http.Error(w, "listener gone", http.StatusNotFound)
		return
	}

	var listenerConn *websocket.Conn
	select {
	case listenerConn = <-ch:
	case <-time.After(5 * time.Second):
	}
	if listenerConn == nil {
		http.Error(w, "rejected", http.StatusForbidden)
		return
	}

	senderConn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = listenerConn.Close()
		return
	}
	go bridge(senderConn, listenerConn)
	go bridge(listenerConn, senderConn)
}

func (f *fakeRelay) serveRendezvous(w http.ResponseWriter, r *http.Request, id string) {
	f.mu.Lock()
	ch := f.rendezvous[id]
	delete(f.rendezvous, id)
	f.mu.Unlock()
	if ch == nil {
		http.NotFound(w, r)
		return
	}

	if r.URL.Query().Get("sb-hc-statusCode") != "" {
		ch <- nil
		http.Error(w, "rejected", http.StatusGone)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ch <- nil
		return
	}
	ch <- conn
}

func bridge(from, to *websocket.Conn) {
	defer func() {
		_ = from.Close()
		_ = to.Close()
	}()
	for {
		messageType, data, err := from.ReadMessage()
		if err != nil {
			return
		}
		if err := to.WriteMessage(messageType, data); err != nil {
			return
		}
	}
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context, hybridConnection string) (string, error) {
	return "SharedAccessSignature sr=test&hc=" + hybridConnection, nil
}

type recordingProvisioner struct {
	mu    sync.Mutex
	names []string
}

func (p *recordingProvisioner) CreateHybridConnection(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
	return nil
}

type failingProvisioner struct{}

func (failingProvisioner) CreateHybridConnection(ctx context.Context, name string) error {
	return errors.New("quota exceeded")
}

func newTestTransport(t *testing.T, f *fakeRelay, provisioner Provisioner) *AzureTransport {
	t.Helper()
	tr, err := NewAzureTransport(&AzureTransportOptions{
		RelayEndpoint: f.endpoint(),
		Tokens:        staticTokens{},
		Provisioner:   provisioner,
		Scheme:        "ws",
		Logger:        logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewAzureTransport() error = %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// pumpUntil pumps the transports until cond holds
func pumpUntil(t *testing.T, cond func() bool, transports ...*AzureTransport) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, tr := range transports {
			tr.Pump()
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewAzureTransport(t *testing.T) {
	tests := []struct {
		name    string
		opts    *AzureTransportOptions
		wantErr bool
	}{
		{
			name: "valid options",
			opts: &AzureTransportOptions{
				RelayEndpoint: "myrelay.servicebus.windows.net",
				Tokens:        staticTokens{},
			},
			wantErr: false,
		},
		{
			name:    "nil options",
			opts:    nil,
			wantErr: true,
		},
		{
			name: "missing relay endpoint",
			opts: &AzureTransportOptions{
				Tokens: staticTokens{},
			},
			wantErr: true,
		},
		{
			name: "missing token source",
			opts: &AzureTransportOptions{
				RelayEndpoint: "myrelay.servicebus.windows.net",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewAzureTransport(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAzureTransport() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if tr == nil {
					t.Fatal("NewAzureTransport() returned nil transport")
				}
				if err := tr.Close(); err != nil {
					t.Errorf("Close() error = %v", err)
				}
			}
		})
	}
}

func TestAzureTransport_ConnectAndExchange(t *testing.T) {
	f := newFakeRelay(t)
	provisioner := &recordingProvisioner{}
	hostSide := newTestTransport(t, f, provisioner)
	guestSide := newTestTransport(t, f, nil)

	var log []string
	server := &recordingHandler{name: "server", log: &log}
	client := &recordingHandler{name: "client", log: &log}

	listener := newEndpoint(t, hostSide, serverAddr, server)
	if err := listener.Listen(0); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	name := HybridConnectionName(serverAddr)
	pumpUntil(t, func() bool { return f.hasListener(name) }, hostSide)

	provisioner.mu.Lock()
	if len(provisioner.names) != 1 || provisioner.names[0] != name {
		t.Errorf("Expected %s to be provisioned, got: %v", name, provisioner.names)
	}
	provisioner.mu.Unlock()

	outbound := newEndpoint(t, guestSide, clientAddr, client)
	if err := outbound.Connect(serverAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pumpUntil(t, func() bool { return len(client.accepted) == 1 && len(server.accepted) == 1 }, hostSide, guestSide)

	accepted := server.accepted[0]
	if peer, _ := accepted.PeerAddress(); peer != clientAddr {
		t.Errorf("Expected accepted peer %s, got: %s", clientAddr, peer)
	}

	if _, err := outbound.SendTo([]byte("hello"), serverAddr); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}
	pumpUntil(t, func() bool { _, ok := listener.PendingData(); return ok }, hostSide)

	buf := make([]byte, 64)
	n, from, err := listener.ReceiveFrom(buf)
	if err != nil || string(buf[:n]) != "hello" || from != clientAddr {
		t.Fatalf("Expected hello from %s, got: %q from %s (%v)", clientAddr, buf[:n], from, err)
	}

	if _, err := listener.SendTo([]byte("welcome"), clientAddr); err != nil {
		t.Fatalf("SendTo() reply error = %v", err)
	}
	pumpUntil(t, func() bool { _, ok := outbound.PendingData(); return ok }, guestSide)

	n, from, err = outbound.ReceiveFrom(buf)
	if err != nil || string(buf[:n]) != "welcome" || from != serverAddr {
		t.Fatalf("Expected welcome from %s, got: %q from %s (%v)", serverAddr, buf[:n], from, err)
	}

	if _, err := listener.SendTo([]byte("x"), otherAddr); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Expected ErrNoRoute, got: %v", err)
	}

	f.mu.Lock()
	for _, token := range f.tokens {
		if !strings.HasPrefix(token, "SharedAccessSignature") {
			t.Errorf("Expected SAS token on relay requests, got: %q", token)
		}
	}
	f.mu.Unlock()

	if err := outbound.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	pumpUntil(t, func() bool { return len(server.closed) == 1 }, hostSide)
	if server.closed[0] != accepted {
		t.Error("Expected the accepted connection to be reported closed")
	}
}

func TestAzureTransport_Refused(t *testing.T) {
	f := newFakeRelay(t)
	hostSide := newTestTransport(t, f, nil)
	guestSide := newTestTransport(t, f, nil)

	var log []string
	server := &recordingHandler{name: "server", refuse: true, log: &log}
	client := &recordingHandler{name: "client", log: &log}

	listener := newEndpoint(t, hostSide, serverAddr, server)
	_ = listener.Listen(0)
	pumpUntil(t, func() bool { return f.hasListener(HybridConnectionName(serverAddr)) }, hostSide)

	outbound := newEndpoint(t, guestSide, clientAddr, client)
	_ = outbound.Connect(serverAddr)
	pumpUntil(t, func() bool { return len(client.closed) == 1 }, hostSide, guestSide)

	if len(server.accepted) != 0 {
		t.Errorf("Expected no accepted connection, got: %d", len(server.accepted))
	}
	if _, err := outbound.PeerAddress(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after refusal, got: %v", err)
	}

	// Nobody listens at otherAddr.
	stray := newEndpoint(t, guestSide, otherAddr, client)
	_ = stray.Connect(RelayAddress("Nobody", "hexrelay", 97))
	pumpUntil(t, func() bool { return len(client.closed) == 2 }, guestSide)
}

func TestAzureTransport_ListenerClose(t *testing.T) {
	f := newFakeRelay(t)
	hostSide := newTestTransport(t, f, nil)
	guestSide := newTestTransport(t, f, nil)

	var log []string
	server := &recordingHandler{name: "server", log: &log}
	client := &recordingHandler{name: "client", log: &log}

	listener := newEndpoint(t, hostSide, serverAddr, server)
	_ = listener.Listen(0)
	pumpUntil(t, func() bool { return f.hasListener(HybridConnectionName(serverAddr)) }, hostSide)

	outbound := newEndpoint(t, guestSide, clientAddr, client)
	_ = outbound.Connect(serverAddr)
	pumpUntil(t, func() bool { return len(client.accepted) == 1 }, hostSide, guestSide)

	if err := listener.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	pumpUntil(t, func() bool { return len(client.closed) == 1 }, guestSide)

	if !listener.Closed() {
		t.Error("Expected listener to be closed")
	}
	if _, err := outbound.SendTo([]byte("x"), serverAddr); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Expected ErrNoRoute after remote close, got: %v", err)
	}
}

func TestAzureTransport_ListenFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		provisioner Provisioner
		wantErr     string
	}{
		{
			name:    "control channel unauthorized",
			status:  http.StatusUnauthorized,
			wantErr: "status 401",
		},
		{
			name:        "provisioning fails",
			provisioner: failingProvisioner{},
			wantErr:     "quota exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeRelay(t)
			f.listenStatus = tt.status
			tr := newTestTransport(t, f, tt.provisioner)

			var log []string
			listener := newEndpoint(t, tr, serverAddr, &recordingHandler{name: "server", log: &log})
			err := listener.Listen(0)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Listen() error = %v, want it to contain %q", err, tt.wantErr)
			}
			tr.Pump()
			if len(log) != 0 {
				t.Errorf("Expected no notifications, got: %v", log)
			}
			if f.hasListener(HybridConnectionName(serverAddr)) {
				t.Error("Expected no control channel at the relay")
			}

			// The address is free again once the relay accepts listeners.
			f.mu.Lock()
			f.listenStatus = 0
			f.mu.Unlock()
			if tt.provisioner != nil {
				return
			}
			if err := listener.Listen(0); err != nil {
				t.Fatalf("Listen() retry error = %v", err)
			}
			pumpUntil(t, func() bool { return f.hasListener(HybridConnectionName(serverAddr)) }, tr)
		})
	}
}
