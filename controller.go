package torrent

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/multiless"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/dydx/RubyTorrent/metainfo"
	"github.com/dydx/RubyTorrent/peerprotocol"
	"github.com/dydx/RubyTorrent/storage"
	"github.com/dydx/RubyTorrent/tracker"
)

// Controller is the cross-peer policy engine of spec.md §4.4: piece
// ordering, choke/unchoke, anti-snubbing, end-game, fuseki, tracker
// lifecycle, and bandwidth apportionment for exactly one Package.
type Controller struct {
	mi      *metainfo.MetaInfo
	pkg     *storage.Package
	cfg     *Config
	cb      Callbacks
	logger  log.Logger
	peerID  [20]byte

	announcer tracker.Announcer

	peersMu sync.Mutex
	peers   map[string]*PeerConnection // keyed by remote addr
	running bool

	trackMu sync.Mutex
	track   *tracker.Connection
	nextAnnounceAt time.Time
	backoffUntil   time.Time
	sentStarted    bool
	sentCompleted  bool

	orderMu      sync.Mutex
	pieceOrder   []int
	popularity   []int32
	jitter       []float64
	lastRecalc   time.Time
	changedSincePop int

	modeMu  sync.Mutex
	endgame bool
	antisnub bool
	fuseki   bool

	lastChokeCalc     time.Time
	lastOptUnchoke    time.Time

	uploaded   int64
	downloaded int64

	dl *rateAccumulator
	ul *rateAccumulator

	dialer func(ctx context.Context, addr string)

	cancel context.CancelFunc
	done   chan struct{}
}

// rateAccumulator tracks aggregate controller-level throughput over
// Window, for the bandwidth apportionment formula (§4.4, §9).
type rateAccumulator struct {
	mu    sync.Mutex
	total int64
}

func (r *rateAccumulator) add(n int64) {
	r.mu.Lock()
	r.total += n
	r.mu.Unlock()
}

// NewController constructs a Controller for mi/pkg. It does not start the
// heartbeat; call Run for that.
func NewController(mi *metainfo.MetaInfo, pkg *storage.Package, cfg *Config, cb Callbacks, announcer tracker.Announcer) *Controller {
	n := pkg.NumPieces()
	jitter := make([]float64, n)
	for i := range jitter {
		jitter[i] = rand.Float64()
	}
	c := &Controller{
		mi:         mi,
		pkg:        pkg,
		cfg:        cfg,
		cb:         cb,
		logger:     cfg.Logger.WithNames("controller"),
		peerID:     cfg.PeerID,
		announcer:  announcer,
		peers:      make(map[string]*PeerConnection),
		popularity: make([]int32, n),
		jitter:     jitter,
		pieceOrder: identityOrder(n),
		dl:         &rateAccumulator{},
		ul:         &rateAccumulator{},
		done:       make(chan struct{}),
	}
	if tiers := mi.AnnounceTiers(); len(tiers) > 0 {
		c.track = tracker.New(announcer, tiers, c.logger, NumWantBump)
	}
	return c
}

func identityOrder(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Run starts the heartbeat loop (§4.4, every Heartbeat=5s) and blocks
// until ctx is cancelled or Shutdown is called.
func (c *Controller) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.peersMu.Lock()
	c.running = true
	c.peersMu.Unlock()

	ticker := time.NewTicker(Heartbeat)
	defer ticker.Stop()
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdownPeers()
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

// Shutdown implements spec.md §5 "Controller shutdown": sets running=false,
// sends tracker stopped (best-effort), joins the heartbeat with a short
// bounded wait, then shuts down every peer.
func (c *Controller) Shutdown() {
	c.peersMu.Lock()
	c.running = false
	c.peersMu.Unlock()

	if c.track != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c.announceBestEffort(ctx, tracker.EventStopped)
		cancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-time.After(ControllerShutdownJoinWait):
	}
	c.shutdownPeers()
}

func (c *Controller) shutdownPeers() {
	c.peersMu.Lock()
	peers := make([]*PeerConnection, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()
	for _, p := range peers {
		p.Close(nil)
	}
}

func (c *Controller) announceBestEffort(ctx context.Context, event tracker.Event) {
	req := c.buildAnnounceRequest(event)
	_, err := c.track.Announce(ctx, req, event.String())
	if err != nil {
		c.logger.WithDefaultLevel(log.Debug).Printf("best-effort %v announce failed: %v", event, err)
	}
}

func (c *Controller) buildAnnounceRequest(event tracker.Event) tracker.AnnounceRequest {
	stats := c.pkg.Stats()
	left := stats.TotalBytes - stats.HaveBytes
	return tracker.AnnounceRequest{
		InfoHash:   c.mi.InfoHash(),
		PeerID:     c.peerID,
		Port:       uint16(c.cfg.ListenPort),
		Uploaded:   atomic.LoadInt64(&c.uploaded),
		Downloaded: atomic.LoadInt64(&c.downloaded),
		Left:       left,
		Event:      event,
	}
}

// heartbeat runs every time-based policy in §4.4, in the order the spec
// lists them: ordering recalculation, mode transitions, choke policy,
// optimistic unchokes, peer acquisition, reaping, tracker, keepalives,
// bandwidth apportionment.
func (c *Controller) heartbeat(ctx context.Context) {
	now := time.Now()
	c.maybeRecalcPieceOrder(now)
	c.recalcModes()
	if now.Sub(c.lastChokeCalc) >= CalcFriendsInterval {
		c.runChokePolicy()
		c.lastChokeCalc = now
	}
	if now.Sub(c.lastOptUnchoke) >= CalcOptUnchokesInterval {
		c.runOptimisticUnchokes()
		c.lastOptUnchoke = now
	}
	for i := 0; i < 3; i++ {
		if !c.addAPeer(ctx) {
			break
		}
	}
	c.reapConnections(now)
	c.runTracker(ctx, now)
	c.sendKeepalives(now)
	c.apportionBandwidth()

	if c.pkg.Complete() && !c.sentCompleted && c.track != nil {
		c.sentCompleted = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.announceBestEffort(ctx, tracker.EventCompleted)
		}()
	}
}

// ---- piece ordering (§4.4 "Piece ordering") ----

func (c *Controller) maybeRecalcPieceOrder(now time.Time) {
	fuseki := c.isFuseki()

	c.orderMu.Lock()
	changed := c.changedSincePop
	sinceLast := now.Sub(c.lastRecalc)
	needsRecalc := changed >= PopRecalcThresh ||
		(sinceLast >= PopRecalcLimit && (changed > 0 || fuseki))
	c.orderMu.Unlock()
	if !needsRecalc {
		return
	}
	c.recalcPieceOrder(now)
}

func (c *Controller) isFuseki() bool {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.fuseki
}

func (c *Controller) isEndgame() bool {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.endgame
}

func (c *Controller) isAntisnub() bool {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.antisnub
}

func (c *Controller) recalcPieceOrder(now time.Time) {
	numPeers := c.peerCount()
	fuseki := c.isFuseki()

	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	scores := make([]float64, len(c.pieceOrder))
	pieces := c.pkg.Pieces()
	for i, p := range pieces {
		switch {
		case p.Complete():
			scores[i] = c.jitter[i] + float64(p.Length())
		case p.Started():
			unclaimedFrac := float64(p.UnclaimedBytes()) / float64(p.Length())
			scores[i] = c.jitter[i] + (-1 + unclaimedFrac)
		case fuseki:
			scores[i] = c.jitter[i] + absFloat(float64(c.popularity[i])-float64(numPeers)/2)
		default:
			scores[i] = c.jitter[i] + float64(c.popularity[i])
		}
	}
	order := identityOrder(len(pieces))
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })
	c.pieceOrder = order
	c.lastRecalc = now
	c.changedSincePop = 0
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// peerHasPiece implements controllerFace: record the declaration in the
// popularity vector and bump the recalculation change counter.
func (c *Controller) peerHasPiece(index int) {
	c.orderMu.Lock()
	if index >= 0 && index < len(c.popularity) {
		c.popularity[index]++
		c.changedSincePop++
	}
	c.orderMu.Unlock()
}

func (c *Controller) peerCount() int {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	return len(c.peers)
}

// ---- mode transitions (§4.4 "Mode transitions") ----

func (c *Controller) recalcModes() {
	stats := c.pkg.Stats()
	incomplete := stats.CompletePieces < stats.TotalPieces
	remaining := stats.TotalPieces - stats.CompletePieces

	c.modeMu.Lock()
	c.fuseki = incomplete && stats.CompletePieces < FusekiPiecesThreshold
	c.antisnub = incomplete && c.aggregateDownloadRate() < AntisnubRateThreshold
	c.endgame = incomplete && remaining <= EndgameRemainingPieces
	c.modeMu.Unlock()
}

func (c *Controller) aggregateDownloadRate() float64 {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	var total float64
	for _, p := range c.peers {
		total += p.DownloadRate()
	}
	return total
}

// ---- block claiming (§4.2, §4.4 "Block claiming") ----

// claimBlocks implements controllerFace. It iterates pieces in order;
// endgame offers every empty block regardless of claimed-state, otherwise
// only unclaimed blocks are offered. Outside fuseki a single call may
// distribute many blocks across pieces to the same yield closure (the
// closure governs how many it accepts, e.g. up to a peer's own
// MAX_REQUESTS bound); in fuseki the call returns after the first
// accepted claim, forcing round-robin across peers (§4.4).
func (c *Controller) claimBlocks(yield func(storage.Block) bool) {
	c.orderMu.Lock()
	order := append([]int(nil), c.pieceOrder...)
	c.orderMu.Unlock()
	endgame := c.isEndgame()
	fuseki := c.isFuseki()

	const maxBlockLen = 16 << 10 // BEP 3 standard chunk size

	for _, idx := range order {
		p := c.pkg.Piece(idx)
		if p == nil || p.Complete() {
			continue
		}
		accepted := false
		offer := func(b storage.Block) {
			if accepted && fuseki {
				return
			}
			if yield(b) {
				_ = p.ClaimBlock(b)
				accepted = true
			}
		}
		if endgame {
			p.EachEmptyBlock(maxBlockLen, func(b storage.Block) bool {
				offer(b)
				return !(accepted && fuseki)
			})
		} else {
			p.EachUnclaimedBlock(maxBlockLen, func(b storage.Block) bool {
				offer(b)
				return !(accepted && fuseki)
			})
		}
		if accepted && fuseki {
			return
		}
	}
}

// forgetBlocks implements controllerFace: releases previously claimed
// blocks back to their pieces.
func (c *Controller) forgetBlocks(blocks []storage.Block) {
	for _, b := range blocks {
		if p := c.pkg.Piece(b.PieceIndex); p != nil {
			_ = p.UnclaimBlock(b)
		}
	}
}

// pieceDelivered implements controllerFace: persist the block, and on
// piece completion validate SHA-1, announce `have`, or discard (§4.4
// "Piece completion"). In end-game it also cancels the block on every
// other running peer.
func (c *Controller) pieceDelivered(from *PeerConnection, b storage.Block) {
	atomic.AddInt64(&c.downloaded, b.Length)
	c.dl.add(b.Length)

	p := c.pkg.Piece(b.PieceIndex)
	if p == nil {
		return
	}
	completedNow, err := p.AddBlock(b)
	if err != nil {
		c.logger.WithDefaultLevel(log.Debug).Printf("add_block failed for piece %d: %v", b.PieceIndex, err)
		return
	}

	if c.isEndgame() {
		c.broadcastCancel(from, b)
	}

	if !completedNow {
		return
	}
	valid, err := p.Valid()
	if err != nil {
		c.logger.WithDefaultLevel(log.Debug).Printf("valid? failed for piece %d: %v", b.PieceIndex, err)
		return
	}
	if valid {
		c.cb.havePiece(b.PieceIndex)
		c.broadcastHave(b.PieceIndex)
		if c.pkg.Complete() {
			c.cb.completed()
		}
	} else {
		p.Discard()
		c.cb.discardedPiece(b.PieceIndex)
	}
}

func (c *Controller) broadcastHave(index int) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	for _, p := range c.peers {
		p.enqueue(peerprotocol.HaveMessage(uint32(index)))
	}
}

func (c *Controller) broadcastCancel(except *PeerConnection, b storage.Block) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	for _, p := range c.peers {
		if p == except {
			continue
		}
		p.Cancel(b)
	}
}

// ---- choke policy (§4.4 "Choke policy", "Optimistic unchokes") ----

func (c *Controller) runChokePolicy() {
	peers := c.runningPeers()
	seeding := c.pkg.Complete()

	candidates := make([]*PeerConnection, 0, len(peers))
	for _, p := range peers {
		if !c.isSnubbing(p) {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return chokeRankLess(candidates[i], candidates[j], seeding)
	})

	friends := make(map[*PeerConnection]bool)
	count := 0
	for k := len(candidates) - 1; k >= 0 && count < NumFriends; k-- {
		p := candidates[k]
		if p.IsPeerInterested() {
			friends[p] = true
			count++
		}
	}
	for _, p := range peers {
		p.SetAmChoking(!friends[p])
	}
}

// chokeRankLess ranks candidate peers by the metric they should be
// unchoked for: download rate normally, upload rate once we're seeding,
// tie-broken by how recently they delivered a block, using multiless
// comparator chaining exactly as the teacher's worse-conns.go ranks
// connections.
func chokeRankLess(a, b *PeerConnection, seeding bool) bool {
	var av, bv float64
	if seeding {
		av, bv = a.UploadRate(), b.UploadRate()
	} else {
		av, bv = a.DownloadRate(), b.DownloadRate()
	}
	less, ok := multiless.New().CmpInt64(
		int64((av - bv) * 1000)).CmpInt64(
		a.LastReceivedBlock().Sub(b.LastReceivedBlock()).Nanoseconds(),
	).LessOk()
	if !ok {
		return false
	}
	return less
}

// isSnubbing reports whether p hasn't delivered a block in over
// AntisnubInterval. A peer that has never delivered any block at all
// (LastReceivedBlock is zero, e.g. a brand-new connection) doesn't count:
// it hasn't had the chance to snub us yet. Both choke ranking and
// optimistic-unchoke accounting must agree on this definition, or the two
// policies disagree about who's snubbing (§4.4 "Antisnub").
func (c *Controller) isSnubbing(p *PeerConnection) bool {
	last := p.LastReceivedBlock()
	return !last.IsZero() && time.Since(last) > AntisnubInterval
}

// runOptimisticUnchokes picks up to NumOptUnchokes currently-choked,
// interested peers to unchoke regardless of their regular choke ranking,
// giving a peer not already served a chance (§4.4). It only ever considers
// peers we're still choking: an already-unchoked friend spending a slot
// here would have no effect.
func (c *Controller) runOptimisticUnchokes() {
	peers := c.runningPeers()
	slots := NumOptUnchokes
	if c.isAntisnub() {
		for _, p := range peers {
			if !p.IsChokingPeer() && p.IsPeerInterested() && c.isSnubbing(p) {
				slots--
			}
		}
		if slots < -NumFriends {
			slots = -NumFriends
		}
	}
	if slots <= 0 {
		return
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].StartedAt().After(peers[j].StartedAt())
	})
	for _, p := range peers {
		if slots <= 0 {
			return
		}
		if !p.IsChokingPeer() || !p.IsPeerInterested() || c.isSnubbing(p) {
			continue
		}
		if rand.Float64() < NewOptUnchokeProb {
			p.SetAmChoking(false)
			slots--
		}
	}
}

func (c *Controller) runningPeers() []*PeerConnection {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	out := make([]*PeerConnection, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// ---- peer acquisition / reaping (§4.4) ----

func (c *Controller) addAPeer(ctx context.Context) bool {
	c.trackMu.Lock()
	track := c.track
	c.trackMu.Unlock()
	if track == nil {
		return false
	}
	if c.peerCount() >= MaxPeers || c.pkg.Complete() {
		return false
	}
	if c.countFriends() >= NumFriends {
		return false
	}
	if c.cfg.DownloadRateLimiter != nil {
		limit := float64(c.cfg.DownloadRateLimiter.Limit())
		if limit > 0 && c.aggregateDownloadRate() >= 0.75*limit {
			return false
		}
	}

	selfAddr := ""
	p, ok := track.NextUntried(selfAddr)
	if !ok {
		return false
	}
	track.MarkTried(p.Addr())

	jitter := time.Duration(rand.Int63n(int64(PeerDialJitterMax)))
	go func(addr string) {
		time.Sleep(jitter)
		c.dialPeer(ctx, addr)
	}(p.Addr())
	return true
}

func (c *Controller) countFriends() int {
	n := 0
	for _, p := range c.runningPeers() {
		if !p.IsChokingPeer() {
			n++
		}
	}
	return n
}

func (c *Controller) reapConnections(now time.Time) {
	for _, p := range c.runningPeers() {
		if now.Sub(p.LastSend()) > SilentDeathInterval {
			p.Close(errPeerSilent)
		}
	}
}

var errPeerSilent error = &staticError{"torrent: peer silent past SILENT_DEATH_INTERVAL"}

type staticError struct{ s string }

func (e *staticError) Error() string { return e.s }

// ---- tracker lifecycle (§4.4 "Tracker") ----

func (c *Controller) runTracker(ctx context.Context, now time.Time) {
	c.trackMu.Lock()
	track := c.track
	backoffUntil := c.backoffUntil
	c.trackMu.Unlock()
	if track == nil {
		return
	}
	if now.Before(backoffUntil) {
		return
	}
	// An exhausted peer list forces an announce ahead of nextAnnounceAt
	// (§4.4): otherwise this branch could only ever fire once the normal
	// interval had already elapsed, making it not a forcing mechanism at
	// all.
	if track.ExhaustedPeerList() {
		track.BumpNumWant()
	} else if !c.nextAnnounceDue(now) {
		return
	}

	event := tracker.EventNone
	if !c.sentStarted {
		event = tracker.EventStarted
	}
	req := c.buildAnnounceRequest(event)
	announceCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	resp, err := track.Announce(announceCtx, req, event.String())
	cancel()

	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	if err != nil {
		c.cb.trackerLost(err)
		c.backoffUntil = now.Add(track.NextBackoff())
		return
	}
	c.sentStarted = true
	interval := track.Interval()
	if interval < 0 {
		interval = 0
	}
	c.nextAnnounceAt = now.Add(interval)
	_ = resp
}

func (c *Controller) nextAnnounceDue(now time.Time) bool {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	return !c.sentStarted || now.After(c.nextAnnounceAt)
}

// dialPeer hands the dial off to the function Server installed with
// SetDialer. Dialing and handshake are performed by Server, which also
// registers the resulting PeerConnection via AddPeer; Controller only
// decides *when* to dial, not how a socket is opened (§9 "Runtime wires
// collaborators together explicitly").
func (c *Controller) dialPeer(ctx context.Context, addr string) {
	if c.dialer == nil {
		return
	}
	c.dialer(ctx, addr)
}

// ---- keepalives / bandwidth apportionment (§4.4) ----

func (c *Controller) sendKeepalives(now time.Time) {
	for _, p := range c.runningPeers() {
		if now.Sub(p.LastSend()) > KeepaliveInterval {
			p.Keepalive()
		}
	}
}

// apportionBandwidth implements the formula in §4.4/§9: dl_budget =
// dl_limit*(WINDOW+HEARTBEAT) - current_dl*WINDOW, clamped to zero: a
// negative budget from a burst that already exceeded the window is not a
// debt carried forward. Peers are visited in random order; each call
// reduces the remaining budget by its actual usage until exhausted. If no
// limit is configured, peers drive themselves from their own input loop.
func (c *Controller) apportionBandwidth() {
	dlLimit := limiterRate(c.cfg.DownloadRateLimiter)
	ulLimit := limiterRate(c.cfg.UploadRateLimiter)
	if dlLimit <= 0 && ulLimit <= 0 {
		for _, p := range c.runningPeers() {
			_, sent := p.SendBlocksAndReqs(0, 0)
			atomic.AddInt64(&c.uploaded, sent)
		}
		return
	}

	dlBudget := clampNonNegative(dlLimit*(Window+Heartbeat).Seconds() - c.aggregateDownloadRate()*Window.Seconds())
	ulBudget := clampNonNegative(ulLimit*(Window+Heartbeat).Seconds() - c.aggregateUploadRate()*Window.Seconds())

	peers := c.runningPeers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	for _, p := range peers {
		if dlBudget <= 0 && ulBudget <= 0 {
			break
		}
		requested, sent := p.SendBlocksAndReqs(int64(dlBudget), int64(ulBudget))
		dlBudget -= float64(requested)
		ulBudget -= float64(sent)
		atomic.AddInt64(&c.uploaded, sent)
	}
	c.logger.WithDefaultLevel(log.Debug).Printf(
		"apportioned bandwidth: dl_remaining=%s ul_remaining=%s",
		humanize.Bytes(uint64(clampNonNegative(dlBudget))), humanize.Bytes(uint64(clampNonNegative(ulBudget))))
}

func (c *Controller) aggregateUploadRate() float64 {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	var total float64
	for _, p := range c.peers {
		total += p.UploadRate()
	}
	return total
}

func limiterRate(l *rate.Limiter) float64 {
	if l == nil {
		return 0
	}
	return float64(l.Limit())
}

func clampNonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

// ---- peer set management ----

// AddPeer registers pc with the controller and starts it, holding the
// peer lock across insert-then-start so the reaper cannot observe a
// not-yet-started connection (§4.4, §9 "Thread-aware invariants").
func (c *Controller) AddPeer(pc *PeerConnection) bool {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if !c.running {
		return false
	}
	addr := pc.Addr()
	if _, dup := c.peers[addr]; dup {
		return false
	}
	if len(c.peers) >= MaxPeers {
		victimAddr, victim := c.findEvictionVictimLocked()
		if victim == nil {
			return false
		}
		delete(c.peers, victimAddr)
		// Close reaches RemovePeer through peerClosed, which takes peersMu,
		// so it must not run while this function holds it.
		go victim.Close(errPeerDisplaced)
	}
	c.peers[addr] = pc
	pc.Start()
	c.cb.completedHandshake(pc)
	return true
}

var errPeerDisplaced error = &staticError{"torrent: displaced to accept an incoming connection"}

// findEvictionVictimLocked implements §4.4 "Connection reaping" eviction,
// resolving the open question of how to order !running peers against
// zero-byte ones (§9 Open Questions): a peer whose loops already died is
// strictly worse than one that is merely unproductive, since it contributes
// nothing and is only still present pending RemovePeer's delivery. Dead
// connections are therefore always evicted first (oldest dead one, in case
// several are pending removal); only once none remain does eviction fall
// back to the oldest peer that received no bytes within
// BOREDOM_DEATH_INTERVAL. Must be called with peersMu held.
func (c *Controller) findEvictionVictimLocked() (string, *PeerConnection) {
	var deadAddr string
	var deadPeer *PeerConnection
	var deadAt time.Time

	var boredAddr string
	var boredPeer *PeerConnection
	var boredAt time.Time

	cutoff := time.Now().Add(-BoredomDeathInterval)
	for addr, p := range c.peers {
		if !p.IsAlive() {
			if deadPeer == nil || p.LastSend().Before(deadAt) {
				deadAddr, deadPeer, deadAt = addr, p, p.LastSend()
			}
			continue
		}
		if !p.BytesReceivedSince(cutoff) {
			if boredPeer == nil || p.LastSend().Before(boredAt) {
				boredAddr, boredPeer, boredAt = addr, p, p.LastSend()
			}
		}
	}
	if deadPeer != nil {
		return deadAddr, deadPeer
	}
	return boredAddr, boredPeer
}

// RemovePeer unregisters pc, e.g. when its connection closes.
func (c *Controller) RemovePeer(pc *PeerConnection) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	delete(c.peers, pc.Addr())
}

// peerClosed implements controllerFace: it is RemovePeer, called by
// PeerConnection.Close itself rather than left to an optional user
// callback, so a dead connection never lingers in the peer set.
func (c *Controller) peerClosed(pc *PeerConnection) {
	c.RemovePeer(pc)
}

// SetDialer wires the function Server uses to open outgoing connections
// for peer acquisition (§4.4 "Peer acquisition").
func (c *Controller) SetDialer(dial func(ctx context.Context, addr string)) {
	c.dialer = dial
}

func (c *Controller) PeerCount() int { return c.peerCount() }

// Package exposes the controller's package, e.g. for host-process
// reporting.
func (c *Controller) Package() *storage.Package { return c.pkg }
