package torrent

import "github.com/dydx/RubyTorrent/peerprotocol"

// Callbacks holds the typed event hooks a host process can set on a
// Controller. Fields are called synchronously from controller/peer-
// connection internals, so handlers must not block; nil fields are not
// called. This replaces the source's reflective event-registry per the
// redesign in spec.md §9: every emitter names its event at compile time
// through one of these fields, rather than dispatching on a string key.
type Callbacks struct {
	// CompletedHandshake fires once a peer connection finishes its
	// handshake and is registered with the controller.
	CompletedHandshake func(pc *PeerConnection)
	// ReadMessage fires for every message read off a peer's wire, before
	// it is otherwise handled. Useful for metrics/tracing.
	ReadMessage func(pc *PeerConnection, m *peerprotocol.Message)
	// HavePiece fires when a piece completes and passes SHA-1 validation.
	HavePiece func(index int)
	// DiscardedPiece fires when a piece completes but fails SHA-1
	// validation and is discarded.
	DiscardedPiece func(index int)
	// PeerDropped fires when a peer connection is torn down, for any
	// reason (protocol violation, I/O error, reaping, shutdown).
	PeerDropped func(pc *PeerConnection, cause error)
	// TrackerLost fires when a tracker announce fails on every tracker URL,
	// before the controller schedules a backoff retry. The tracker
	// connection drops its selected URL and tries every tier on the retry.
	TrackerLost func(cause error)
	// Completed fires exactly once, when every piece in the package has
	// been validated.
	Completed func()
}

func (cb Callbacks) completedHandshake(pc *PeerConnection) {
	if cb.CompletedHandshake != nil {
		cb.CompletedHandshake(pc)
	}
}

func (cb Callbacks) readMessage(pc *PeerConnection, m *peerprotocol.Message) {
	if cb.ReadMessage != nil {
		cb.ReadMessage(pc, m)
	}
}

func (cb Callbacks) havePiece(index int) {
	if cb.HavePiece != nil {
		cb.HavePiece(index)
	}
}

func (cb Callbacks) discardedPiece(index int) {
	if cb.DiscardedPiece != nil {
		cb.DiscardedPiece(index)
	}
}

func (cb Callbacks) peerDropped(pc *PeerConnection, cause error) {
	if cb.PeerDropped != nil {
		cb.PeerDropped(pc, cause)
	}
}

func (cb Callbacks) trackerLost(cause error) {
	if cb.TrackerLost != nil {
		cb.TrackerLost(cause)
	}
}

func (cb Callbacks) completed() {
	if cb.Completed != nil {
		cb.Completed()
	}
}
