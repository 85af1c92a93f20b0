package protocol

// Message type identifiers.
const (
	// TypeAnnounce is broadcast periodically by an announcing device.
	TypeAnnounce = "announce"
	// TypeHello is exchanged once per direction when a link is established.
	TypeHello = "hello"
	// TypeState carries a connection status snapshot to control observers.
	TypeState = "state"
	// TypeCandidates carries the ordered candidate list to control observers.
	TypeCandidates = "candidates"
	// TypeCommand carries a role-selection command from a control observer.
	TypeCommand = "command"
	// TypeError reports a command failure to a control observer.
	TypeError = "error"
)

// Announce is the discovery advertisement. Marker must match exactly on the
// seeker side for the sender to be surfaced as a candidate. Addr is the full
// host:port the announcer's acceptor is dialable on.
type Announce struct {
	Marker string `json:"marker"`
	Addr   string `json:"addr"`
	Name   string `json:"name,omitempty"`
}

// Hello identifies a device to its peer right after the byte stream opens,
// before any audio flows.
type Hello struct {
	Addr string `json:"addr"`
	Name string `json:"name,omitempty"`
}

// StateUpdate is a connection status snapshot for observers.
type StateUpdate struct {
	State        string `json:"state"`
	Status       string `json:"status"`
	PeerAddr     string `json:"peer_addr,omitempty"`
	PeerName     string `json:"peer_name,omitempty"`
	Announcing   bool   `json:"announcing"`
	Transmitting bool   `json:"transmitting"`
}

// CandidateInfo describes one discovered device.
type CandidateInfo struct {
	Addr string `json:"addr"`
	Name string `json:"name,omitempty"`
}

// CandidateList is the ordered, deduplicated set of discovered devices.
type CandidateList struct {
	Candidates []CandidateInfo `json:"candidates"`
}

// Command actions accepted from control observers.
const (
	ActionHost       = "host"
	ActionScan       = "scan"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionTransmit   = "transmit"
)

// Command is a role-selection or transmit command from a control observer.
type Command struct {
	Action string `json:"action"`
	Addr   string `json:"addr,omitempty"`
	On     bool   `json:"on,omitempty"`
}

// Error reports a failed command to a control observer.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
