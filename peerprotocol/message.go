// Package peerprotocol implements the BitTorrent peer wire protocol: message
// framing, encode/decode, and the handshake.
package peerprotocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies a peer-wire message kind (§4.3).
type MessageType byte

const (
	Choke MessageType = iota
	Unchoke
	Interested
	Uninterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case Uninterested:
		return "uninterested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// MaxFrameLength guards against an allocation bomb: no peer-wire frame may
// declare a length above this (§4.3).
const MaxFrameLength = 512 * 1024

// Message is a decoded peer-wire message. Keepalive messages carry no type.
type Message struct {
	Keepalive            bool
	Type                 MessageType
	Index, Begin, Length uint32
	Piece                []byte
	Bitfield             []bool
}

// Equal compares two messages for the fields that matter to wire identity;
// it exists mainly so tests can assert round-trip equality without caring
// about slice identity.
func (m Message) Equal(o Message) bool {
	if m.Keepalive != o.Keepalive {
		return false
	}
	if m.Keepalive {
		return true
	}
	if m.Type != o.Type {
		return false
	}
	switch m.Type {
	case Have:
		return m.Index == o.Index
	case Request, Cancel:
		return m.Index == o.Index && m.Begin == o.Begin && m.Length == o.Length
	case Bitfield:
		return boolSliceEqual(m.Bitfield, o.Bitfield)
	case Piece:
		return m.Index == o.Index && m.Begin == o.Begin && bytes.Equal(m.Piece, o.Piece)
	default:
		return true
	}
}

func boolSliceEqual(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// KeepaliveMessage builds a zero-length keepalive message.
func KeepaliveMessage() Message { return Message{Keepalive: true} }

func ChokeMessage() Message        { return Message{Type: Choke} }
func UnchokeMessage() Message      { return Message{Type: Unchoke} }
func InterestedMessage() Message   { return Message{Type: Interested} }
func UninterestedMessage() Message { return Message{Type: Uninterested} }

func HaveMessage(index uint32) Message { return Message{Type: Have, Index: index} }

func BitfieldMessage(bf []bool) Message { return Message{Type: Bitfield, Bitfield: bf} }

func RequestMessage(index, begin, length uint32) Message {
	return Message{Type: Request, Index: index, Begin: begin, Length: length}
}

func CancelMessage(index, begin, length uint32) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

func PieceMessage(index, begin uint32, data []byte) Message {
	return Message{Type: Piece, Index: index, Begin: begin, Piece: data}
}

// MarshalBinary encodes m as a length-prefixed frame: 4-byte big-endian
// length, then 1-byte id and payload (absent entirely for a keepalive).
func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if !m.Keepalive {
		if err := buf.WriteByte(byte(m.Type)); err != nil {
			return nil, err
		}
		switch m.Type {
		case Choke, Unchoke, Interested, Uninterested:
		case Have:
			if err := binary.Write(&buf, binary.BigEndian, m.Index); err != nil {
				return nil, err
			}
		case Request, Cancel:
			for _, v := range []uint32{m.Index, m.Begin, m.Length} {
				if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
					return nil, err
				}
			}
		case Bitfield:
			buf.Write(marshalBitfield(m.Bitfield))
		case Piece:
			for _, v := range []uint32{m.Index, m.Begin} {
				if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
					return nil, err
				}
			}
			buf.Write(m.Piece)
		default:
			return nil, fmt.Errorf("peerprotocol: unknown message type %v", m.Type)
		}
	}
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out, uint32(buf.Len()))
	copy(out[4:], buf.Bytes())
	return out, nil
}

func marshalBitfield(bf []bool) []byte {
	b := make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if have {
			b[i/8] |= 1 << uint(7-i%8)
		}
	}
	return b
}

func unmarshalBitfield(b []byte) []bool {
	bf := make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return bf
}

// Decoder reads length-prefixed frames from R and decodes them into
// Messages, enforcing MaxFrameLength.
type Decoder struct {
	R *bufio.Reader
}

// ErrFrameTooLong is a protocol-level failure (§4.3, §7).
var ErrFrameTooLong = errors.New("peerprotocol: frame exceeds maximum length")

// Decode reads and decodes the next frame. A zero-length frame yields a
// Keepalive message, not an error.
func (d *Decoder) Decode() (Message, error) {
	var length uint32
	if err := binary.Read(d.R, binary.BigEndian, &length); err != nil {
		return Message{}, err
	}
	if length > MaxFrameLength {
		return Message{}, ErrFrameTooLong
	}
	if length == 0 {
		return Message{Keepalive: true}, nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(d.R, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return decodePayload(MessageType(b[0]), b[1:])
}

func decodePayload(t MessageType, b []byte) (Message, error) {
	m := Message{Type: t}
	switch t {
	case Choke, Unchoke, Interested, Uninterested:
		if len(b) != 0 {
			return Message{}, fmt.Errorf("peerprotocol: %v payload length %d, want 0", t, len(b))
		}
	case Have:
		if len(b) != 4 {
			return Message{}, fmt.Errorf("peerprotocol: have payload length %d, want 4", len(b))
		}
		m.Index = binary.BigEndian.Uint32(b)
	case Request, Cancel:
		if len(b) != 12 {
			return Message{}, fmt.Errorf("peerprotocol: %v payload length %d, want 12", t, len(b))
		}
		m.Index = binary.BigEndian.Uint32(b[0:4])
		m.Begin = binary.BigEndian.Uint32(b[4:8])
		m.Length = binary.BigEndian.Uint32(b[8:12])
	case Bitfield:
		m.Bitfield = unmarshalBitfield(b)
	case Piece:
		if len(b) < 8 {
			return Message{}, fmt.Errorf("peerprotocol: piece payload length %d, want >= 8", len(b))
		}
		m.Index = binary.BigEndian.Uint32(b[0:4])
		m.Begin = binary.BigEndian.Uint32(b[4:8])
		m.Piece = append([]byte(nil), b[8:]...)
	default:
		return Message{}, fmt.Errorf("peerprotocol: unknown message id %d", byte(t))
	}
	return m, nil
}
