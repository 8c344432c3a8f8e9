package torrent

import "crypto/rand"

// NewPeerID generates a local peer id: "rubytor" + 1 version byte + 12
// random bytes, per spec.md §4.5.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], PeerIDPrefix)
	id[len(PeerIDPrefix)] = PeerIDVersion
	rand.Read(id[len(PeerIDPrefix)+1:])
	return id
}
