package tracker

import (
	"github.com/dydx/RubyTorrent/metainfo"
)

// Event is the tracker announce lifecycle event (BEP 3 "event" param).
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest is the set of parameters sent to a tracker on announce.
type AnnounceRequest struct {
	InfoHash   metainfo.Hash
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
	IP         string // optional, empty to omit
	Event      Event
	Compact    bool
}

// AnnounceResponse is the tracker's reply to an announce.
type AnnounceResponse struct {
	Interval   int32
	Complete   int32 // seeders
	Incomplete int32 // leechers
	Peers      []Peer
}
