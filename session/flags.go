package session

// State is a peer session's position in its lifecycle (spec §4.5):
// Idle -> Connecting -> Handshaking -> Active -> Closed, recycling back to
// Idle on any failure rather than reconnecting the same peer.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Flags is the local, per-session protocol state, modeled as a compact
// bitmask rather than a set of strings (spec Design Notes §9: "re-model as
// a compact set of enum flags... to make state transitions explicit and
// exhaustively checkable").
type Flags uint8

const (
	// FlagStalled mirrors the protocol's choked state: the peer will not
	// honor our requests.
	FlagStalled Flags = 1 << iota
	// FlagInterested: we have told the peer we want its pieces.
	FlagInterested
	// FlagPendingRequest: we have an outstanding, unanswered block Request.
	FlagPendingRequest
	// FlagStopped: stop() has been called; this session should wind down.
	FlagStopped
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
func (f Flags) with(bit Flags) Flags { return f | bit }
func (f Flags) without(bit Flags) Flags { return f &^ bit }

// RemoteFlags is the peer-reported subset of protocol state (spec §3: "remote
// flags subset of {interested}").
type RemoteFlags uint8

const (
	RemoteFlagInterested RemoteFlags = 1 << iota
)
