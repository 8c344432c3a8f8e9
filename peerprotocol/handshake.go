package peerprotocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/dydx/RubyTorrent/metainfo"
)

// protocolName is the protocol string of the handshake header (§4.5); on the
// wire it follows a 1-byte length and precedes the 8 reserved bytes.
const protocolName = "BitTorrent protocol"

var protocolPrefix = append([]byte{byte(len(protocolName))}, protocolName...)

// ErrSelfConnection is returned when the remote peer id matches our own.
var ErrSelfConnection = errors.New("peerprotocol: rejected self-connection")

// ErrUnknownInfoHash is returned for an incoming handshake whose info_hash
// isn't recognized by the lookup callback.
var ErrUnknownInfoHash = errors.New("peerprotocol: unknown info_hash")

// HandshakeResult carries what both sides learned from a successful
// handshake.
type HandshakeResult struct {
	InfoHash metainfo.Hash
	PeerID   [20]byte
}

func reservedBytes() []byte { return make([]byte, 8) }

// OutgoingHandshake performs the handshake for a connection we initiated,
// with the info_hash pre-committed.
func OutgoingHandshake(rw io.ReadWriter, ih metainfo.Hash, ourPeerID [20]byte) (HandshakeResult, error) {
	out := make([]byte, 0, 68)
	out = append(out, protocolPrefix...)
	out = append(out, reservedBytes()...)
	out = append(out, ih[:]...)
	out = append(out, ourPeerID[:]...)
	// The write runs beside the read: IncomingHandshake also writes before
	// it reads, so on an unbuffered transport such as net.Pipe a blocking
	// write here would deadlock.
	writeErr := make(chan error, 1)
	go func() {
		n, err := rw.Write(out)
		if err == nil {
			panicif.NotEq(n, len(out))
		}
		writeErr <- err
	}()
	res, err := readHandshakeTail(rw)
	if err != nil {
		return HandshakeResult{}, err
	}
	if err := <-writeErr; err != nil {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: writing handshake: %w", err)
	}
	if res.InfoHash != ih {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: info_hash mismatch: got %s want %s", res.InfoHash, ih)
	}
	if res.PeerID == ourPeerID {
		return HandshakeResult{}, ErrSelfConnection
	}
	return res, nil
}

// IncomingHandshake performs the handshake for a connection a peer
// initiated toward us. lookup reports whether the declared info_hash is one
// we're serving; if not, the handshake fails without echoing anything
// further.
func IncomingHandshake(rw io.ReadWriter, ourPeerID [20]byte, lookup func(metainfo.Hash) bool) (HandshakeResult, error) {
	prefix := append(append([]byte{}, protocolPrefix...), reservedBytes()...)
	if _, err := rw.Write(prefix); err != nil {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: writing handshake prefix: %w", err)
	}
	if err := readProtocolHeader(rw); err != nil {
		return HandshakeResult{}, err
	}
	var ih metainfo.Hash
	if _, err := io.ReadFull(rw, ih[:]); err != nil {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: reading info_hash: %w", err)
	}
	if !lookup(ih) {
		return HandshakeResult{}, ErrUnknownInfoHash
	}
	if _, err := rw.Write(append(append([]byte{}, ih[:]...), ourPeerID[:]...)); err != nil {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: writing response: %w", err)
	}
	var peerID [20]byte
	if _, err := io.ReadFull(rw, peerID[:]); err != nil {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: reading peer id: %w", err)
	}
	if peerID == ourPeerID {
		return HandshakeResult{}, ErrSelfConnection
	}
	return HandshakeResult{InfoHash: ih, PeerID: peerID}, nil
}

func readProtocolHeader(r io.Reader) error {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return fmt.Errorf("peerprotocol: reading protocol length: %w", err)
	}
	if lenByte[0] != byte(len(protocolName)) {
		return fmt.Errorf("peerprotocol: unexpected protocol length %d", lenByte[0])
	}
	name := make([]byte, len(protocolName))
	if _, err := io.ReadFull(r, name); err != nil {
		return fmt.Errorf("peerprotocol: reading protocol string: %w", err)
	}
	if string(name) != protocolName {
		return fmt.Errorf("peerprotocol: unexpected protocol string %q", name)
	}
	reserved := make([]byte, 8)
	if _, err := io.ReadFull(r, reserved); err != nil {
		return fmt.Errorf("peerprotocol: reading reserved bytes: %w", err)
	}
	return nil
}

// readHandshakeTail reads the rest of a peer's handshake after we've
// already sent ours: protocol header, info_hash, peer id.
func readHandshakeTail(r io.Reader) (HandshakeResult, error) {
	if err := readProtocolHeader(r); err != nil {
		return HandshakeResult{}, err
	}
	var res HandshakeResult
	if _, err := io.ReadFull(r, res.InfoHash[:]); err != nil {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: reading info_hash: %w", err)
	}
	if _, err := io.ReadFull(r, res.PeerID[:]); err != nil {
		return HandshakeResult{}, fmt.Errorf("peerprotocol: reading peer id: %w", err)
	}
	return res, nil
}
