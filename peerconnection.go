package torrent

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/dydx/RubyTorrent/metainfo"
	"github.com/dydx/RubyTorrent/peerprotocol"
	"github.com/dydx/RubyTorrent/storage"
)

// ErrProtocol is the kind returned for the peer-wire violations that
// PeerConnection itself detects (§7), such as a bad bitfield size or an
// out-of-range have. Framing violations (payload-length disagreement, an
// oversize frame) come back as peerprotocol decoder errors instead; both
// drop the connection. Requests for a piece we don't hold, while choking, or
// while the peer is uninterested are logged and ignored, not fatal (§4.3).
var ErrProtocol = errors.New("torrent: peer protocol violation")

// PeerConnection is the per-peer duplex state machine of spec.md §4.3: an
// input loop, an output loop, and a controller-driven heartbeat hook
// (SendBlocksAndReqs), communicating over conn with length-prefixed
// framing.
type PeerConnection struct {
	conn      net.Conn
	ctrl      controllerFace
	pkg       *storage.Package
	callbacks Callbacks
	logger    log.Logger

	infoHash metainfo.Hash
	peerID   [20]byte
	outgoing bool

	state *peerState

	outbox     chan peerprotocol.Message
	closeOnce  sync.Once
	closed     chan struct{}
	closeErr   error
	closeErrMu sync.Mutex
}

func newPeerConnection(conn net.Conn, ctrl controllerFace, pkg *storage.Package, cb Callbacks, logger log.Logger, infoHash metainfo.Hash, peerID [20]byte, outgoing bool) *PeerConnection {
	return &PeerConnection{
		conn:      conn,
		ctrl:      ctrl,
		pkg:       pkg,
		callbacks: cb,
		logger:    logger,
		infoHash:  infoHash,
		peerID:    peerID,
		outgoing:  outgoing,
		state:     newPeerState(),
		outbox:    make(chan peerprotocol.Message, 64),
		closed:    make(chan struct{}),
	}
}

// Addr returns the remote address for logging and dedup.
func (pc *PeerConnection) Addr() string {
	if pc.conn == nil {
		return ""
	}
	return pc.conn.RemoteAddr().String()
}

// Start launches the input and output loops and sends the initial
// bitfield computed from the package's completeness (§4.3).
func (pc *PeerConnection) Start() {
	go pc.outputLoop()
	go pc.inputLoop()
	pc.enqueue(pc.buildBitfield())
}

func (pc *PeerConnection) buildBitfield() peerprotocol.Message {
	n := pc.pkg.NumPieces()
	bits := make([]bool, n)
	for i, p := range pc.pkg.Pieces() {
		bits[i] = p.Complete()
	}
	return peerprotocol.BitfieldMessage(bits)
}

func (pc *PeerConnection) enqueue(m peerprotocol.Message) {
	select {
	case pc.outbox <- m:
	case <-pc.closed:
	}
}

// outputLoop drains the outbox in order onto the wire; a single queue
// between controller-side producers and this loop (§4.3 "Peer
// lifecycle").
func (pc *PeerConnection) outputLoop() {
	w := bufio.NewWriter(pc.conn)
	for {
		select {
		case m := <-pc.outbox:
			b, err := m.MarshalBinary()
			if err != nil {
				pc.Close(err)
				return
			}
			// Written in fixed SendChunk-sized writes rather than one large
			// write, per §4.3's "split on the wire using a fixed send
			// buffer" — this is one wire message regardless of how many
			// writes it takes to hand to the OS.
			for len(b) > 0 {
				n := SendChunk
				if n > len(b) {
					n = len(b)
				}
				if _, err := w.Write(b[:n]); err != nil {
					pc.Close(err)
					return
				}
				b = b[n:]
			}
			if err := w.Flush(); err != nil {
				pc.Close(err)
				return
			}
			pc.state.mu.Lock()
			pc.state.lastSend = time.Now()
			pc.state.mu.Unlock()
		case <-pc.closed:
			return
		}
	}
}

// inputLoop reads and dispatches wire messages until the connection
// closes or a protocol violation occurs.
func (pc *PeerConnection) inputLoop() {
	dec := peerprotocol.Decoder{R: bufio.NewReader(pc.conn)}
	for {
		m, err := dec.Decode()
		if err != nil {
			pc.Close(err)
			return
		}
		pc.state.mu.Lock()
		pc.state.lastRecv = time.Now()
		pc.state.mu.Unlock()
		pc.callbacks.readMessage(pc, &m)
		if err := pc.handleMessage(m); err != nil {
			pc.Close(err)
			return
		}
	}
}

func (pc *PeerConnection) handleMessage(m peerprotocol.Message) error {
	switch m.Type {
	case peerprotocol.Choke:
		pc.state.mu.Lock()
		pc.state.peerChoking = true
		pc.state.mu.Unlock()
	case peerprotocol.Unchoke:
		pc.state.mu.Lock()
		pc.state.peerChoking = false
		pc.state.mu.Unlock()
		pc.refillClaims()
	case peerprotocol.Interested:
		pc.state.mu.Lock()
		pc.state.peerInterested = true
		pc.state.mu.Unlock()
	case peerprotocol.Uninterested:
		pc.state.mu.Lock()
		pc.state.peerInterested = false
		pc.state.mu.Unlock()
	case peerprotocol.Have:
		if int(m.Index) >= pc.pkg.NumPieces() {
			return errors.Wrapf(ErrProtocol, "have for out-of-range piece %d", m.Index)
		}
		pc.state.setHasPiece(int(m.Index))
		pc.ctrl.peerHasPiece(int(m.Index))
		pc.recalcInterest()
	case peerprotocol.Bitfield:
		if err := pc.applyBitfield(m.Bitfield); err != nil {
			return err
		}
		pc.recalcInterest()
	case peerprotocol.Request:
		return pc.handleRequest(m)
	case peerprotocol.Piece:
		return pc.handlePiece(m)
	case peerprotocol.Cancel:
		b := storage.Block{PieceIndex: int(m.Index), Begin: int64(m.Begin), Length: int64(m.Length)}
		pc.state.removePeerWantBlock(b)
	}
	return nil
}

func (pc *PeerConnection) applyBitfield(bits []bool) error {
	n := pc.pkg.NumPieces()
	expectedBytes := (n + 7) / 8
	if len(bits) != expectedBytes*8 {
		return errors.Wrapf(ErrProtocol, "bitfield declares %d bits, want %d", len(bits), expectedBytes*8)
	}
	for i := 0; i < n; i++ {
		if bits[i] {
			pc.state.setHasPiece(i)
			pc.ctrl.peerHasPiece(i)
		}
	}
	return nil
}

// recalcInterest implements §4.3 "Interest recalculation": whenever the
// peer's piece set changes, recompute am_interested; on a transition out
// of interest, release all claimed blocks.
func (pc *PeerConnection) recalcInterest() {
	lacked := pc.pkg.MissingBitmap()
	interested := pc.state.hasAnyOf(lacked)

	pc.state.mu.Lock()
	was := pc.state.amInterested
	pc.state.amInterested = interested
	pc.state.mu.Unlock()

	if was == interested {
		return
	}
	if interested {
		pc.enqueue(peerprotocol.InterestedMessage())
	} else {
		pc.enqueue(peerprotocol.UninterestedMessage())
		released := pc.state.snapshotWantBlocks()
		pc.state.mu.Lock()
		pc.state.wantBlocks = nil
		pc.state.mu.Unlock()
		pc.ctrl.forgetBlocks(released)
	}
}

// SetAmChoking sets our choking state, emitting choke/unchoke only on an
// actual transition (§4.3 "Choke/snub writers").
func (pc *PeerConnection) SetAmChoking(choking bool) {
	pc.state.mu.Lock()
	changed := pc.state.amChoking != choking
	pc.state.amChoking = choking
	pc.state.mu.Unlock()
	if !changed {
		return
	}
	if choking {
		pc.enqueue(peerprotocol.ChokeMessage())
	} else {
		pc.enqueue(peerprotocol.UnchokeMessage())
	}
}

func (pc *PeerConnection) IsChokingPeer() bool {
	pc.state.mu.Lock()
	defer pc.state.mu.Unlock()
	return pc.state.amChoking
}

func (pc *PeerConnection) IsPeerInterested() bool {
	pc.state.mu.Lock()
	defer pc.state.mu.Unlock()
	return pc.state.peerInterested
}

func (pc *PeerConnection) IsPeerChoking() bool {
	pc.state.mu.Lock()
	defer pc.state.mu.Unlock()
	return pc.state.peerChoking
}

func (pc *PeerConnection) IsAmInterested() bool {
	pc.state.mu.Lock()
	defer pc.state.mu.Unlock()
	return pc.state.amInterested
}

func (pc *PeerConnection) DownloadRate() float64 { return pc.state.download.Rate() }
func (pc *PeerConnection) UploadRate() float64   { return pc.state.upload.Rate() }

func (pc *PeerConnection) LastReceivedBlock() time.Time {
	pc.state.mu.Lock()
	defer pc.state.mu.Unlock()
	return pc.state.lastRecvBlock
}

func (pc *PeerConnection) LastSend() time.Time {
	pc.state.mu.Lock()
	defer pc.state.mu.Unlock()
	return pc.state.lastSend
}

// StartedAt returns when this connection's peerState was created, used by
// optimistic-unchoke selection (§4.4) to favor newer connections.
func (pc *PeerConnection) StartedAt() time.Time {
	pc.state.mu.Lock()
	defer pc.state.mu.Unlock()
	return pc.state.startedAt
}

// IsAlive reports whether this connection's loops are still running. A
// closed connection removes itself from the controller's peer map inside
// Close (through peerClosed), so it is seen there only briefly after its
// loops stop.
func (pc *PeerConnection) IsAlive() bool {
	select {
	case <-pc.closed:
		return false
	default:
		return true
	}
}

// BytesReceivedSince reports whether any bytes were downloaded from this
// peer after since (used by boredom-eviction, §4.4).
func (pc *PeerConnection) BytesReceivedSince(since time.Time) bool {
	return pc.state.download.Total() > 0 && pc.LastReceivedBlock().After(since)
}

func (pc *PeerConnection) handleRequest(m peerprotocol.Message) error {
	b := storage.Block{PieceIndex: int(m.Index), Begin: int64(m.Begin), Length: int64(m.Length)}
	if int(m.Index) >= pc.pkg.NumPieces() || !pc.pkg.Piece(int(m.Index)).Complete() {
		pc.logger.WithDefaultLevel(log.Debug).Printf("ignoring request for piece we lack: %d", m.Index)
		return nil
	}
	if pc.IsChokingPeer() {
		pc.logger.WithDefaultLevel(log.Debug).Printf("ignoring request while choking peer")
		return nil
	}
	if !pc.IsPeerInterested() {
		pc.logger.WithDefaultLevel(log.Debug).Printf("ignoring request from uninterested peer")
		return nil
	}
	pc.state.addPeerWantBlock(b)
	return nil
}

func (pc *PeerConnection) handlePiece(m peerprotocol.Message) error {
	b := storage.Block{PieceIndex: int(m.Index), Begin: int64(m.Begin), Length: int64(len(m.Piece)), Data: m.Piece}
	if _, found := pc.state.removeWantBlock(b); !found {
		pc.logger.WithDefaultLevel(log.Debug).Printf("unsolicited piece %d/%d ignored", m.Index, m.Begin)
		return nil
	}
	pc.state.download.Add(int64(len(m.Piece)))
	pc.state.mu.Lock()
	pc.state.lastRecvBlock = time.Now()
	pc.state.mu.Unlock()

	pc.ctrl.pieceDelivered(pc, b)
	pc.refillClaims()
	return nil
}

// refillClaims implements §4.3 "Claim refill": while len(want_blocks) <
// MIN_REQUESTS and we're interested and not peer-choked, repeatedly ask
// the controller for claimable blocks, accepting only ones whose piece
// the peer has and that we don't already want, up to MAX_REQUESTS.
func (pc *PeerConnection) refillClaims() {
	if !pc.IsAmInterested() || pc.IsPeerChoking() {
		return
	}
	if pc.state.wantBlocksLen() >= MinRequests {
		return
	}
	pc.ctrl.claimBlocks(func(b storage.Block) bool {
		if pc.state.wantBlocksLen() >= MaxRequests {
			return false
		}
		if !pc.state.hasPiece(b.PieceIndex) {
			return false
		}
		return pc.state.addWantBlock(b)
	})
}

// SendBlocksAndReqs implements §4.3 "Dispatch": times out stale requests,
// sends pending requests up to dlBudget, drains peer_want_blocks up to
// ulBudget, then refills claims. Budgets of <=0 mean unlimited, matching
// the "peers drive themselves" fallback in §4.4.
func (pc *PeerConnection) SendBlocksAndReqs(dlBudget, ulBudget int64) (requested, sent int64) {
	pc.timeoutStaleRequests()

	if !pc.IsPeerChoking() && pc.IsAmInterested() {
		for _, b := range pc.state.snapshotWantBlocks() {
			if b.Requested {
				continue
			}
			if dlBudget > 0 && requested+b.Length > dlBudget {
				break
			}
			pc.enqueue(peerprotocol.RequestMessage(uint32(b.PieceIndex), uint32(b.Begin), uint32(b.Length)))
			pc.state.markRequested(b, time.Now())
			requested += b.Length
		}
	}

	if !pc.IsChokingPeer() && pc.IsPeerInterested() {
		budget := ulBudget
		if budget <= 0 {
			budget = 1 << 62
		}
		drained, used := pc.state.drainPeerWantBlocks(budget)
		for _, b := range drained {
			block, err := pc.pkg.Piece(b.PieceIndex).GetCompleteBlock(b.Begin, b.Length)
			if err != nil {
				continue
			}
			pc.enqueue(peerprotocol.PieceMessage(uint32(b.PieceIndex), uint32(b.Begin), block.Data))
			pc.state.upload.Add(b.Length)
			pc.state.mu.Lock()
			pc.state.lastSendBlock = time.Now()
			pc.state.mu.Unlock()
		}
		sent = used
	}

	pc.refillClaims()
	return requested, sent
}

func (pc *PeerConnection) timeoutStaleRequests() {
	cutoff := time.Now().Add(-RequestTimeout)
	var timedOut []storage.Block
	for _, b := range pc.state.snapshotWantBlocks() {
		if b.Requested && time.Unix(0, b.RequestedAt).Before(cutoff) {
			timedOut = append(timedOut, b)
		}
	}
	for _, b := range timedOut {
		if _, ok := pc.state.removeWantBlock(b); ok {
			pc.ctrl.forgetBlocks([]storage.Block{b})
		}
	}
}

// Cancel tells the peer we no longer want b: removes it from want_blocks,
// emitting a wire `cancel` only if it had already been requested (§4.3).
func (pc *PeerConnection) Cancel(b storage.Block) {
	removed, found := pc.state.removeWantBlock(b)
	if !found {
		return
	}
	if removed.Requested {
		pc.enqueue(peerprotocol.CancelMessage(uint32(b.PieceIndex), uint32(b.Begin), uint32(b.Length)))
	}
}

// Keepalive enqueues a zero-length keepalive message.
func (pc *PeerConnection) Keepalive() {
	pc.enqueue(peerprotocol.KeepaliveMessage())
}

// Close tears down the connection exactly once, releasing all claimed
// blocks and notifying PeerDropped.
func (pc *PeerConnection) Close(cause error) {
	pc.closeOnce.Do(func() {
		pc.closeErrMu.Lock()
		pc.closeErr = cause
		pc.closeErrMu.Unlock()
		close(pc.closed)
		pc.conn.Close()
		released := pc.state.snapshotWantBlocks()
		pc.state.mu.Lock()
		pc.state.wantBlocks = nil
		pc.state.mu.Unlock()
		pc.ctrl.forgetBlocks(released)
		pc.ctrl.peerClosed(pc)
		pc.callbacks.peerDropped(pc, cause)
	})
}

func (pc *PeerConnection) String() string {
	return fmt.Sprintf("peer %x @ %s", pc.peerID, pc.Addr())
}
