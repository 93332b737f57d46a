// Package relay provides the non-blocking datagram transport that carries
// game and message traffic between peers identified by relay identities.
//
// # Core Interfaces
//
// Transport creates Endpoints and delivers their notifications from Pump.
// Callers pump once per tick; no Handler method ever runs from a background
// goroutine.
//
// Endpoint is one relay handle. A bound endpoint either listens for
// connection requests, in which case accepted connections become children
// sharing its receive queue, or connects out to a single remote address.
//
// Handler receives IncomingConnection, ConnectionAccepted and
// ConnectionClosed notifications for the endpoints it is installed on.
//
// # Implementations
//
// MemoryNetwork is an in-process relay used in local mode and in tests.
//
// AzureTransport maps every bound address to an Azure Relay Hybrid
// Connection (see HybridConnectionName). Listening endpoints hold the
// hybrid connection's control channel; each accepted rendezvous and each
// outbound connect becomes a WebSocket whose binary messages are datagrams.
//
// # Usage Example
//
//	network := relay.NewMemoryNetwork(logger)
//
//	listener, _ := network.CreateEndpoint("server")
//	_ = listener.Bind(relay.RelayAddress("Host", "hexrelay", 97))
//	_ = listener.Listen(0)
//
//	client, _ := network.CreateEndpoint("client")
//	_ = client.Bind(relay.RelayAddress("Guest", "hexrelay", 97))
//	_ = client.Connect(relay.RelayAddress("Host", "hexrelay", 97))
//
//	network.Pump() // delivers ConnectionAccepted to both handlers
//	_, _ = client.SendTo([]byte("hello"), listener.LocalAddress())
package relay
