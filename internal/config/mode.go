package config

// Mode represents the relay backend of the process
type Mode string

const (
	// ModeLocal runs with the in-memory relay network (no Azure required)
	ModeLocal Mode = "local"

	// ModeRemote runs with Azure Relay Hybrid Connections
	ModeRemote Mode = "remote"
)

// IsValid checks if the mode is valid
func (m Mode) IsValid() bool {
	return m == ModeLocal || m == ModeRemote
}

// String returns the string representation
func (m Mode) String() string {
	return string(m)
}

// ListenMode decides how a listen server exposes itself
type ListenMode string

const (
	// ListenAuto listens on the relay when a binding identity exists, else on IP
	ListenAuto ListenMode = "auto"

	// ListenIP forces direct-IP listening
	ListenIP ListenMode = "ip"

	// ListenRelay forces relay listening
	ListenRelay ListenMode = "relay"
)

// IsValid checks if the listen mode is valid
func (m ListenMode) IsValid() bool {
	return m == ListenAuto || m == ListenIP || m == ListenRelay
}

// String returns the string representation
func (m ListenMode) String() string {
	return string(m)
}
