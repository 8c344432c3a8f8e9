package storage

import (
	"bytes"
	"crypto/sha1"
	"sync"

	"github.com/dydx/RubyTorrent/metainfo"
	"github.com/dydx/RubyTorrent/rangeset"
)

// Piece is one SHA-1-verified unit of the package. It tracks the bytes
// actually on disk (have) and the bytes claimed by an in-flight request
// (claimed, a superset of have), per §3.
type Piece struct {
	pkg         *Package // non-owning back-reference, for file I/O
	index       int
	shaExpected metainfo.Hash
	startOffset int64 // absolute offset of this piece's first byte in the package
	length      int64

	mu      sync.Mutex
	have    rangeset.Covering
	claimed rangeset.Covering
	valid   *bool // nil = unknown
}

func newPiece(pkg *Package, index int, sha metainfo.Hash, startOffset, length int64) *Piece {
	domain := rangeset.Range{First: 0, Last: length}
	return &Piece{
		pkg:         pkg,
		index:       index,
		shaExpected: sha,
		startOffset: startOffset,
		length:      length,
		have:        rangeset.New(domain),
		claimed:     rangeset.New(domain),
	}
}

// seedHaveFull marks the piece's entire range as already on disk without
// verifying it, the open-time default for a piece whose backing files
// already held the right number of bytes (§3 "Completion lifecycle":
// existing-file pieces are optimistically assumed valid). Valid() still
// verifies lazily on first access.
func (p *Piece) seedHaveFull() {
	p.mu.Lock()
	defer p.mu.Unlock()
	domain := rangeset.Range{First: 0, Last: p.length}
	p.have = p.have.MustFill(domain)
	p.claimed = p.claimed.MustFill(domain)
}

// seedVerifyFromDisk eagerly SHA-1-verifies the piece's on-disk bytes and
// only marks it have if they match, for Open callers that disable the
// assume-valid default.
func (p *Piece) seedVerifyFromDisk() error {
	buf := make([]byte, p.length)
	if err := p.pkg.readAt(p.startOffset, buf); err != nil {
		return err
	}
	sum := sha1.Sum(buf)
	ok := bytes.Equal(sum[:], p.shaExpected[:])
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		domain := rangeset.Range{First: 0, Last: p.length}
		p.have = p.have.MustFill(domain)
		p.claimed = p.claimed.MustFill(domain)
	}
	p.valid = &ok
	return nil
}

// Index is the piece's position in the package.
func (p *Piece) Index() int { return p.index }

// Length is the number of bytes in this piece (the last piece of a package
// may be shorter than the nominal piece length).
func (p *Piece) Length() int64 { return p.length }

// Complete reports whether every byte of the piece is on disk.
func (p *Piece) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.have.Complete()
}

// Started reports whether any byte has been claimed or written.
func (p *Piece) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.claimed.Empty() || !p.have.Empty()
}

// HaveBytes returns the number of bytes currently on disk for this piece.
func (p *Piece) HaveBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.have.Bytes()
}

// UnclaimedBytes returns length - claimed, i.e. bytes nobody has asked for.
func (p *Piece) UnclaimedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.length - p.claimed.Bytes()
}

// EachUnclaimedBlock iterates the gaps of the claimed covering, each split
// into chunks of at most maxLen, ascending by offset. Iteration stops early
// if yield returns false.
func (p *Piece) EachUnclaimedBlock(maxLen int64, yield func(Block) bool) {
	p.mu.Lock()
	claimed := p.claimed
	p.mu.Unlock()
	p.eachGapBlock(claimed, maxLen, yield)
}

// EachEmptyBlock iterates the gaps of the have covering, each split into
// chunks of at most maxLen, ascending by offset.
func (p *Piece) EachEmptyBlock(maxLen int64, yield func(Block) bool) {
	p.mu.Lock()
	have := p.have
	p.mu.Unlock()
	p.eachGapBlock(have, maxLen, yield)
}

func (p *Piece) eachGapBlock(covering rangeset.Covering, maxLen int64, yield func(Block) bool) {
	domain := rangeset.Range{First: 0, Last: p.length}
	cursor := domain.First
	for cursor < domain.Last {
		gap, ok := covering.FirstGap(rangeset.Range{First: cursor, Last: domain.Last})
		if !ok {
			return
		}
		for b := gap.First; b < gap.Last; b += maxLen {
			end := b + maxLen
			if end > gap.Last {
				end = gap.Last
			}
			if !yield(Block{PieceIndex: p.index, Begin: b, Length: end - b}) {
				return
			}
		}
		cursor = gap.Last
	}
}

// ClaimBlock marks b's range as claimed. Idempotent.
func (p *Piece) ClaimBlock(b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.claimed.Fill(rangeset.Range{First: b.Begin, Last: b.Begin + b.Length})
	if err != nil {
		return err
	}
	p.claimed = c
	return nil
}

// UnclaimBlock releases b's range back to unclaimed. Idempotent.
func (p *Piece) UnclaimBlock(b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.claimed.Poke(rangeset.Range{First: b.Begin, Last: b.Begin + b.Length})
	if err != nil {
		return err
	}
	p.claimed = c
	return nil
}

// AddBlock persists b.Data to disk at the right absolute offset and marks
// its range as had. It reports whether this call completed the piece.
// Valid is invalidated (reset to unknown) on every add.
func (p *Piece) AddBlock(b Block) (completedNow bool, err error) {
	if int64(len(b.Data)) < b.Length {
		return false, errShortBlockData
	}
	if err := p.pkg.writeAt(p.startOffset+b.Begin, b.Data[:b.Length]); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	wasComplete := p.have.Complete()
	h, err := p.have.Fill(rangeset.Range{First: b.Begin, Last: b.Begin + b.Length})
	if err != nil {
		return false, err
	}
	p.have = h
	p.valid = nil
	nowComplete := p.have.Complete()
	return !wasComplete && nowComplete, nil
}

// Valid reports whether the piece's on-disk bytes match shaExpected. The
// result is cached until the next AddBlock or Discard. Precondition:
// Complete().
func (p *Piece) Valid() (bool, error) {
	p.mu.Lock()
	if !p.have.Complete() {
		p.mu.Unlock()
		return false, errPieceIncomplete
	}
	if p.valid != nil {
		v := *p.valid
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()
	buf := make([]byte, p.length)
	if err := p.pkg.readAt(p.startOffset, buf); err != nil {
		return false, err
	}
	sum := sha1.Sum(buf)
	ok := bytes.Equal(sum[:], p.shaExpected[:])
	p.mu.Lock()
	p.valid = &ok
	p.mu.Unlock()
	return ok, nil
}

// Discard empties both coverings and marks valid=false. It does not zero
// the underlying disk bytes.
func (p *Piece) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	domain := rangeset.Range{First: 0, Last: p.length}
	p.have = rangeset.New(domain)
	p.claimed = rangeset.New(domain)
	invalid := false
	p.valid = &invalid
}

// GetCompleteBlock reads [begin, begin+length) from disk into a Block.
// Precondition: Complete().
func (p *Piece) GetCompleteBlock(begin, length int64) (Block, error) {
	if !p.Complete() {
		return Block{}, errPieceIncomplete
	}
	buf := make([]byte, length)
	if err := p.pkg.readAt(p.startOffset+begin, buf); err != nil {
		return Block{}, err
	}
	return Block{PieceIndex: p.index, Begin: begin, Length: length, Data: buf}, nil
}
