package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julienstroheker/hexrelay/internal/config"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

type packets struct {
	got []string
}

func (p *packets) HandlePacket(_ *peerconn.Conn, b []byte) {
	p.got = append(p.got, string(b))
}

type message struct {
	sender, receiver relay.Identity
	typ, payload     string
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AdminPort = 0
	return cfg
}

func newNode(t *testing.T, net relay.Transport, cfg *config.Config, handler peerconn.PacketHandler, msgs *[]message) *Node {
	t.Helper()
	n, err := New(&Options{
		Config:    cfg,
		Transport: net,
		Handler:   handler,
		Clock:     clock.NewMock(),
		OnMessage: func(sender, receiver relay.Identity, typ, payload string) {
			if msgs != nil {
				*msgs = append(*msgs, message{sender, receiver, typ, payload})
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func tickAll(nodes ...*Node) {
	for i := 0; i < 5; i++ {
		for _, n := range nodes {
			n.Tick()
		}
	}
}

func TestNode_HostAndJoin(t *testing.T) {
	net := relay.NewMemoryNetwork(nil)
	hostPackets, joinPackets := &packets{}, &packets{}

	host := newNode(t, net, testConfig(), hostPackets, nil)
	require.NoError(t, host.Login(0, "alice"))
	require.NoError(t, host.Host(0))
	assert.Equal(t, "listen-server", host.Status().Role)

	joiner := newNode(t, net, testConfig(), joinPackets, nil)
	require.NoError(t, joiner.Login(0, "bob"))
	require.NoError(t, joiner.Join(context.Background(), "alice.relay:7777"))
	assert.ErrorIs(t, joiner.SendToServer([]byte("early")), ErrNotConnected)

	tickAll(host, joiner)
	require.True(t, joiner.Connected())
	assert.Equal(t, "client-of-listen-server", joiner.Status().Role)
	require.Len(t, host.Driver().Connections(), 1)

	require.NoError(t, joiner.SendToServer([]byte("hello")))
	tickAll(host, joiner)
	assert.Equal(t, []string{"hello"}, hostPackets.got)

	require.NoError(t, host.Broadcast([]byte("welcome")))
	tickAll(host, joiner)
	assert.Equal(t, []string{"welcome"}, joinPackets.got)

	listeners := host.Listeners().Listeners
	require.Len(t, listeners["alice"], 1)
	assert.Equal(t, "alice.relay/hexrelay:97", listeners["alice"][0].Address)
}

func TestNode_Messages(t *testing.T) {
	net := relay.NewMemoryNetwork(nil)
	var received []message

	alice := newNode(t, net, testConfig(), nil, &received)
	require.NoError(t, alice.Login(0, "alice"))
	bob := newNode(t, net, testConfig(), nil, nil)
	require.NoError(t, bob.Login(0, "bob"))

	var results []bool
	require.NoError(t, bob.SendMessage("bob", "alice", "chat", "hi", func(ok bool) {
		results = append(results, ok)
	}))
	tickAll(alice, bob)

	assert.Equal(t, []bool{true}, results)
	assert.Equal(t, []message{{sender: "bob", receiver: "alice", typ: "chat", payload: "hi"}}, received)
	assert.Zero(t, bob.Hub().Pending())
}

func TestNode_DirectoryUpdates(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.DirectoryURL = ts.URL
	cfg.DirectoryToken = "s3cret"
	n := newNode(t, relay.NewMemoryNetwork(nil), cfg, nil, nil)
	require.NoError(t, n.Login(0, "alice"))
	require.NoError(t, n.Host(0))
	require.NoError(t, n.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"PUT /api/listeners/alice Bearer s3cret",
		"DELETE /api/listeners/alice Bearer s3cret",
	}, requests)
}

func TestNode_Close(t *testing.T) {
	n := newNode(t, relay.NewMemoryNetwork(nil), testConfig(), nil, nil)
	require.NoError(t, n.Login(0, "alice"))
	require.NoError(t, n.Host(0))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	n.Tick()

	assert.Equal(t, "closed", n.Status().Status)
	assert.Empty(t, n.Listeners().Listeners)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "cloud"
	_, err := New(&Options{Config: cfg})
	assert.Error(t, err)
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(testConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &relay.MemoryNetwork{}, tr)

	cfg := testConfig()
	cfg.Mode = config.ModeRemote
	cfg.Azure = config.AzureConfig{RelayNamespace: "myrelay", KeyName: "RootManageSharedAccessKey", Key: "a2V5"}
	tr, err = NewTransport(cfg, nil)
	require.NoError(t, err)
	azure, ok := tr.(*relay.AzureTransport)
	require.True(t, ok)
	assert.NoError(t, azure.Close())
}

func TestRelayHost(t *testing.T) {
	assert.Equal(t, "myrelay.servicebus.windows.net", relayHost("myrelay"))
	assert.Equal(t, "myrelay.servicebus.chinacloudapi.cn", relayHost("myrelay.servicebus.chinacloudapi.cn"))
}
