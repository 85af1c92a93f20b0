package link

import "github.com/nearwave/nearwave/internal/discovery"

// State is the single authoritative connection lifecycle position. Every
// transition happens under the manager's mutex; observers only ever see
// snapshots taken inside a transition.
type State int

const (
	StateIdle State = iota
	StateAnnouncing
	StateScanning
	StateConnecting
	StateConnected
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnnouncing:
		return "announcing"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the snapshot pushed to observers on every transition. Reason
// carries the last failure's description; it survives into Idle so a UI can
// keep showing why the link went down, and is cleared by the next initiator.
type Status struct {
	State        State
	Peer         discovery.PeerID
	Reason       string
	Announcing   bool
	Scanning     bool
	Transmitting bool
}

// Text renders the one-line human description of the snapshot.
func (st Status) Text() string {
	switch st.State {
	case StateAnnouncing:
		return "waiting for a peer"
	case StateScanning:
		return "scanning for peers"
	case StateConnecting:
		return "connecting to " + st.Peer.Label()
	case StateConnected:
		if st.Transmitting {
			return "transmitting to " + st.Peer.Label()
		}
		return "connected to " + st.Peer.Label()
	case StateClosing:
		return "disconnecting"
	case StateFailed:
		return st.Reason
	default:
		if st.Reason != "" {
			return "idle (" + st.Reason + ")"
		}
		return "idle"
	}
}
