// Package tracker implements periodic tracker announce (started/stopped/
// completed/refresh) and peer-list parsing, per spec.md §3 "TrackerConnection"
// and §4.4.
package tracker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/anacrolix/log"
	"github.com/cenkalti/backoff/v4"
)

const (
	backoffInitial = 5 * time.Second
	backoffMax     = 3600 * time.Second
	defaultNumWant = 30

	// DefaultNumWantBump is the numwant step BumpNumWant applies when New is
	// given a zero numWantBump, matching spec.md's NUM_WANT_BUMP policy
	// constant absent an override from the root config layer.
	DefaultNumWantBump = 50
)

// Connection announces to the tiered tracker list drawn from a metainfo's
// announce-list, retrying with exponential backoff on failure. Connection
// has no internal locking.
type Connection struct {
	announcer Announcer
	tiers     [][]string // each tier pre-shuffled and concatenated in order
	logger    log.Logger

	url         string // currently selected tracker URL
	numWant     int
	numWantBump int
	interval    time.Duration
	backoffPol  *backoff.ExponentialBackOff

	peers      []Peer
	peersTried map[string]bool
}

// New builds a Connection over the tracker tiers, shuffling within each
// tier per §4.4 ("shuffled within each tier, concatenated"). numWantBump
// sets the step BumpNumWant applies on an exhausted peer list; a zero value
// falls back to DefaultNumWantBump so existing callers need not supply one.
func New(announcer Announcer, tiers [][]string, logger log.Logger, numWantBump int) *Connection {
	shuffled := make([][]string, len(tiers))
	for i, tier := range tiers {
		cp := append([]string(nil), tier...)
		rand.Shuffle(len(cp), func(a, b int) { cp[a], cp[b] = cp[b], cp[a] })
		shuffled[i] = cp
	}
	if numWantBump == 0 {
		numWantBump = DefaultNumWantBump
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // deterministic doubling (§8 S6: 5, 10, 20, 40s...)
	bo.MaxElapsedTime = 0      // retry indefinitely; §4.4 caps the interval, not the attempt count
	bo.Reset()                 // the constructor's Reset used the default initial interval
	return &Connection{
		announcer:   announcer,
		tiers:       shuffled,
		logger:      logger,
		numWant:     defaultNumWant,
		numWantBump: numWantBump,
		peersTried:  make(map[string]bool),
		backoffPol:  bo,
	}
}

// urls flattens the tiers into a single ordered candidate list.
func (c *Connection) urls() []string {
	var all []string
	for _, tier := range c.tiers {
		all = append(all, tier...)
	}
	return all
}

// Announce performs one announce against the first working tracker URL in
// tier order, returning the interval the caller should wait before the next
// refresh. On every URL failing, it returns the ErrTracker from the last
// attempt and the caller is expected to schedule a backoff retry via
// NextBackoff.
func (c *Connection) Announce(ctx context.Context, req AnnounceRequest, event string) (AnnounceResponse, error) {
	req.NumWant = c.numWant
	candidates := c.urls()
	if c.url != "" {
		candidates = append([]string{c.url}, candidates...)
	}
	var lastErr error
	for _, u := range candidates {
		resp, err := c.tryURL(ctx, u, req)
		if err == nil {
			c.url = u
			c.peers = resp.Peers
			for _, p := range resp.Peers {
				c.peersTried[p.Addr()] = false
			}
			if resp.Interval > 0 {
				c.interval = time.Duration(resp.Interval) * time.Second
			}
			c.backoffPol.Reset()
			return resp, nil
		}
		lastErr = err
		c.logger.WithDefaultLevel(log.Debug).Printf("tracker %s announce failed: %v", u, err)
	}
	c.url = ""
	return AnnounceResponse{}, lastErr
}

// tryURL attempts one announce, retrying once without compact mode if the
// compact-mode response fails to parse (§7.3 "On parse failure with
// compact=1, retry with compact=0 once").
func (c *Connection) tryURL(ctx context.Context, u string, req AnnounceRequest) (AnnounceResponse, error) {
	req.Compact = true
	resp, err := c.announcer.Announce(ctx, u, req)
	var te *ErrTracker
	if err == nil || errors.As(err, &te) {
		// Success, or a tracker-reported or transport failure rather than
		// an unparseable response: no non-compact retry.
		return resp, err
	}
	req.Compact = false
	return c.announcer.Announce(ctx, u, req)
}

// NextBackoff returns how long to wait before retrying after a failed
// Announce, doubling each call and capping at backoffMax, per §4.4 and
// scenario S6.
func (c *Connection) NextBackoff() time.Duration {
	d := c.backoffPol.NextBackOff()
	if d == backoff.Stop {
		return backoffMax
	}
	return d
}

// Interval returns the last tracker-reported refresh interval, floored at
// zero.
func (c *Connection) Interval() time.Duration {
	if c.interval < 0 {
		return 0
	}
	return c.interval
}

// Peers returns the most recently announced peer list.
func (c *Connection) Peers() []Peer { return c.peers }

// NextUntried returns the first peer from the last announce response not
// yet marked tried, and whether one was found.
func (c *Connection) NextUntried(selfAddr string) (Peer, bool) {
	for _, p := range c.peers {
		addr := p.Addr()
		if addr == selfAddr {
			continue
		}
		if tried, seen := c.peersTried[addr]; seen && tried {
			continue
		}
		return p, true
	}
	return Peer{}, false
}

// MarkTried records that addr has been dialed, regardless of outcome.
func (c *Connection) MarkTried(addr string) {
	c.peersTried[addr] = true
}

// ExhaustedPeerList reports whether every peer from the last announce has
// been tried and numwant has not yet outpaced the peer list, the condition
// under which the controller should bump numwant and force a refresh
// (§4.4).
func (c *Connection) ExhaustedPeerList() bool {
	if len(c.peers) == 0 {
		return false
	}
	for _, p := range c.peers {
		if !c.peersTried[p.Addr()] {
			return false
		}
	}
	return c.numWant <= len(c.peers)
}

// BumpNumWant increases numwant by the step New was configured with (§4.4).
func (c *Connection) BumpNumWant() {
	c.numWant += c.numWantBump
}
