// Package api holds the JSON wire types of the listener directory.
package api

// ListenAddressRequest is the body of PUT /api/listeners/{identity}
type ListenAddressRequest struct {
	Identity           string   `json:"identity"`
	Address            string   `json:"address"`
	DeveloperAddresses []string `json:"developer_addresses,omitempty"`
	// Sequence orders updates from one node; the directory keeps the highest
	Sequence uint64 `json:"sequence"`
}

// ListenerEntry is one advertised address in listener listings
type ListenerEntry struct {
	Address            string   `json:"address"`
	DeveloperAddresses []string `json:"developer_addresses,omitempty"`
	RefCount           uint32   `json:"ref_count"`
}

// ListenersResponse is the body of GET /listeners on the admin server
type ListenersResponse struct {
	Listeners map[string][]ListenerEntry `json:"listeners"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Role   string `json:"role"`
}
