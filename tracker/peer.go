package tracker

import (
	"fmt"
	"net"
)

// Peer is one entry from a tracker's announce response, in either compact
// or dictionary form (BEP 3).
type Peer struct {
	IP   net.IP
	Port int
	ID   []byte // present only in dictionary-form responses
}

func (p Peer) String() string {
	loc := net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
	if len(p.ID) != 0 {
		return fmt.Sprintf("%x at %s", p.ID, loc)
	}
	return loc
}

// Addr renders the peer as a dialable host:port string.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

const compactPeerSize = 6 // 4 bytes IPv4 + 2 bytes port

// parseIPString parses an IPv4 or IPv6 literal from a dict-form peer entry.
func parseIPString(s string) net.IP {
	return net.ParseIP(s)
}

// parseCompactPeers decodes BEP 23 compact peer strings: 6 bytes each,
// 4-byte big-endian IPv4 followed by a 2-byte big-endian port.
func parseCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%compactPeerSize != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(b), compactPeerSize)
	}
	n := len(b) / compactPeerSize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		chunk := b[i*compactPeerSize : (i+1)*compactPeerSize]
		peers[i] = Peer{
			IP:   net.IPv4(chunk[0], chunk[1], chunk[2], chunk[3]),
			Port: int(chunk[4])<<8 | int(chunk[5]),
		}
	}
	return peers, nil
}
