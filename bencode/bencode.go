// Package bencode implements a lazy decoder and explicit encoder for
// bencoded values: integers, byte strings, lists, and dictionaries.
//
// Unlike a reflection-based marshaler, Value exposes the decoded shape
// directly so that callers (metainfo, tracker) write an explicit parse
// routine per structure: read each known key, coerce it, and fail loudly
// naming the offending key on a type mismatch. See DESIGN.md for why this
// package deliberately avoids struct-tag binding.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which bencode type a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindList
	KindDict
)

// Value is a lazily-decoded bencode value. Exactly one of the typed fields
// is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []Value
	Dict  map[string]Value
	// DictKeys preserves the order keys were encountered while parsing, for
	// callers that want it (diagnostics); emission always re-sorts.
	DictKeys []string
	// Raw holds the exact input bytes this value was decoded from. Callers
	// that need a stable hash of a sub-structure (e.g. the info_hash of a
	// metainfo's info dict) should hash Raw rather than re-encoding, since
	// re-encoding only reproduces canonical form, not necessarily the
	// original bytes.
	Raw []byte
}

// SyntaxError is returned for any malformed bencoded input.
type SyntaxError struct {
	Offset int
	What   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: syntax error at offset %d: %s", e.Offset, e.What)
}

// Decode parses the single bencoded value at the start of b and returns it
// along with the number of bytes consumed.
func Decode(b []byte) (Value, int, error) {
	d := decoder{buf: b}
	v, err := d.value()
	if err != nil {
		return Value{}, d.pos, err
	}
	return v, d.pos, nil
}

// DecodeFull parses b as exactly one bencoded value with no trailing data.
func DecodeFull(b []byte) (Value, error) {
	v, n, err := Decode(b)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, &SyntaxError{n, "trailing data after top-level value"}
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) errf(format string, args ...interface{}) error {
	return &SyntaxError{d.pos, fmt.Sprintf(format, args...)}
}

func (d *decoder) peek() (byte, bool) {
	if d.pos >= len(d.buf) {
		return 0, false
	}
	return d.buf[d.pos], true
}

func (d *decoder) value() (Value, error) {
	start := d.pos
	c, ok := d.peek()
	if !ok {
		return Value{}, d.errf("unexpected end of input")
	}
	var v Value
	var err error
	switch {
	case c == 'i':
		v, err = d.integer()
	case c == 'l':
		v, err = d.list()
	case c == 'd':
		v, err = d.dict()
	case c >= '0' && c <= '9':
		v, err = d.byteString()
	default:
		return Value{}, d.errf("unexpected character %q", c)
	}
	if err != nil {
		return Value{}, err
	}
	v.Raw = d.buf[start:d.pos]
	return v, nil
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	d.pos++ // 'i'
	end := bytes.IndexByte(d.buf[d.pos:], 'e')
	if end < 0 {
		return Value{}, d.errf("unterminated integer")
	}
	digits := string(d.buf[d.pos : d.pos+end])
	if digits == "" || digits == "-" || digits == "-0" ||
		(digits[0] == '0' && len(digits) > 1) ||
		(len(digits) > 1 && digits[0] == '-' && digits[1] == '0') {
		return Value{}, &SyntaxError{start, fmt.Sprintf("malformed integer %q", digits)}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Value{}, &SyntaxError{start, fmt.Sprintf("malformed integer %q: %v", digits, err)}
	}
	d.pos += end + 1
	return Value{Kind: KindInt, Int: n}, nil
}

func (d *decoder) byteString() (Value, error) {
	start := d.pos
	colon := bytes.IndexByte(d.buf[d.pos:], ':')
	if colon < 0 {
		return Value{}, d.errf("unterminated byte string length")
	}
	lenDigits := string(d.buf[d.pos : d.pos+colon])
	n, err := strconv.ParseInt(lenDigits, 10, 64)
	if err != nil || n < 0 {
		return Value{}, &SyntaxError{start, fmt.Sprintf("malformed byte string length %q", lenDigits)}
	}
	d.pos += colon + 1
	if d.pos+int(n) > len(d.buf) {
		return Value{}, &SyntaxError{start, "byte string runs past end of input"}
	}
	s := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return Value{Kind: KindBytes, Bytes: s}, nil
}

func (d *decoder) list() (Value, error) {
	d.pos++ // 'l'
	var items []Value
	for {
		c, ok := d.peek()
		if !ok {
			return Value{}, d.errf("unterminated list")
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: KindList, List: items}, nil
		}
		v, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
}

func (d *decoder) dict() (Value, error) {
	d.pos++ // 'd'
	m := make(map[string]Value)
	var keys []string
	for {
		c, ok := d.peek()
		if !ok {
			return Value{}, d.errf("unterminated dict")
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: KindDict, Dict: m, DictKeys: keys}, nil
		}
		keyVal, err := d.value()
		if err != nil {
			return Value{}, err
		}
		if keyVal.Kind != KindBytes {
			return Value{}, d.errf("dict key is not a byte string")
		}
		key := string(keyVal.Bytes)
		v, err := d.value()
		if err != nil {
			return Value{}, err
		}
		if _, dup := m[key]; !dup {
			keys = append(keys, key)
		}
		m[key] = v
	}
}

// --- accessors used by explicit parse routines ---

// String returns v's byte string as a Go string, or an error if v isn't one.
func (v Value) String() (string, error) {
	if v.Kind != KindBytes {
		return "", fmt.Errorf("bencode: expected byte string, got kind %d", v.Kind)
	}
	return string(v.Bytes), nil
}

// Integer returns v's integer, or an error if v isn't one.
func (v Value) Integer() (int64, error) {
	if v.Kind != KindInt {
		return 0, fmt.Errorf("bencode: expected integer, got kind %d", v.Kind)
	}
	return v.Int, nil
}

// GetDict looks up key in v (which must be a dict) and reports whether it
// was present.
func (v Value) GetDict(key string) (Value, bool, error) {
	if v.Kind != KindDict {
		return Value{}, false, fmt.Errorf("bencode: expected dict, got kind %d", v.Kind)
	}
	e, ok := v.Dict[key]
	return e, ok, nil
}

// --- encoding ---

// Encode serializes v in canonical form: dict keys are emitted in ascending
// byte order as required by §6.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindBytes:
		buf.WriteString(strconv.Itoa(len(v.Bytes)))
		buf.WriteByte(':')
		buf.Write(v.Bytes)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeInto(buf, String(k))
			encodeInto(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("bencode: invalid Kind %d", v.Kind))
	}
}

// --- constructors for building Values to encode ---

func Int(n int64) Value           { return Value{Kind: KindInt, Int: n} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Bytes: b} }
func String(s string) Value       { return Value{Kind: KindBytes, Bytes: []byte(s)} }
func List(items ...Value) Value   { return Value{Kind: KindList, List: items} }
func Dict(m map[string]Value) Value {
	return Value{Kind: KindDict, Dict: m}
}
