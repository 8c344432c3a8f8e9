package torrent

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/dydx/RubyTorrent/ratemeter"
	"github.com/dydx/RubyTorrent/storage"
)

// peerState is the per-connection bookkeeping described in spec.md §3
// "Peer state". remoteHave uses a roaring bitmap rather than a []bool,
// mirroring the teacher's bitqueue.go use of compressed bitsets for
// piece-set membership.
type peerState struct {
	mu sync.Mutex

	remoteHave *roaring.Bitmap

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	wantBlocks     []storage.Block // we asked or will ask for these
	peerWantBlocks []storage.Block // peer asked for these, still to send

	startedAt        time.Time
	lastSend         time.Time
	lastRecv         time.Time
	lastRecvBlock    time.Time
	lastSendBlock    time.Time

	download *ratemeter.RateMeter
	upload   *ratemeter.RateMeter
}

func newPeerState() *peerState {
	now := time.Now()
	return &peerState{
		remoteHave:   roaring.New(),
		amChoking:    true,
		amInterested: false,
		peerChoking:  true,
		peerInterested: false,
		startedAt:    now,
		lastSend:     now,
		lastRecv:     now,
		download:     ratemeter.New(ratemeter.DefaultWindow),
		upload:       ratemeter.New(ratemeter.DefaultWindow),
	}
}

// hasPiece reports whether the remote peer has declared piece index.
func (p *peerState) hasPiece(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteHave.Contains(uint32(index))
}

// setHasPiece records a have/bitfield declaration for index.
func (p *peerState) setHasPiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteHave.Add(uint32(index))
}

// hasAnyOf reports whether the remote peer has any piece index marked in
// lacked (used for am_interested recalculation: "peer has any piece we
// lack").
func (p *peerState) hasAnyOf(lacked *roaring.Bitmap) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteHave.AndCardinality(lacked) > 0
}

// wantBlocksLen reports len(wantBlocks) under lock.
func (p *peerState) wantBlocksLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wantBlocks)
}

// addWantBlock appends b to wantBlocks if no equal block is already
// present, reporting whether it was added.
func (p *peerState) addWantBlock(b storage.Block) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.wantBlocks {
		if w.Equal(b) {
			return false
		}
	}
	p.wantBlocks = append(p.wantBlocks, b)
	return true
}

// removeWantBlock removes the first block equal to b, returning it and
// whether it was found.
func (p *peerState) removeWantBlock(b storage.Block) (storage.Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.wantBlocks {
		if w.Equal(b) {
			p.wantBlocks = append(p.wantBlocks[:i], p.wantBlocks[i+1:]...)
			return w, true
		}
	}
	return storage.Block{}, false
}

// snapshotWantBlocks returns a copy of wantBlocks for iteration outside
// the lock.
func (p *peerState) snapshotWantBlocks() []storage.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]storage.Block(nil), p.wantBlocks...)
}

func (p *peerState) markRequested(b storage.Block, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.wantBlocks {
		if p.wantBlocks[i].Equal(b) {
			p.wantBlocks[i].Requested = true
			p.wantBlocks[i].RequestedAt = at.UnixNano()
			return
		}
	}
}

func (p *peerState) addPeerWantBlock(b storage.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerWantBlocks = append(p.peerWantBlocks, b)
}

func (p *peerState) drainPeerWantBlocks(maxBytes int64) ([]storage.Block, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var drained []storage.Block
	var used int64
	i := 0
	for i < len(p.peerWantBlocks) {
		b := p.peerWantBlocks[i]
		if used+b.Length > maxBytes && maxBytes > 0 {
			break
		}
		drained = append(drained, b)
		used += b.Length
		i++
	}
	p.peerWantBlocks = p.peerWantBlocks[i:]
	return drained, used
}

func (p *peerState) removePeerWantBlock(b storage.Block) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.peerWantBlocks {
		if w.Equal(b) {
			p.peerWantBlocks = append(p.peerWantBlocks[:i], p.peerWantBlocks[i+1:]...)
			return true
		}
	}
	return false
}
