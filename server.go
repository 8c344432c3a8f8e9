package torrent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/dydx/RubyTorrent/metainfo"
	"github.com/dydx/RubyTorrent/peerprotocol"
)

// ErrNoFreePort is returned when no port in ListenPortLow..ListenPortHigh
// could be bound (§4.5).
var ErrNoFreePort = errors.New("torrent: no free listen port in range")

// Runtime is the single value a process constructs at startup: it owns the
// listener, the peer id, and the table mapping info_hash to the Controller
// serving it. Collaborators are passed by explicit reference rather than
// reached through package-level state (§9 "Global state").
type Runtime struct {
	cfg    *Config
	logger log.Logger

	ln net.Listener

	mu          sync.Mutex
	controllers map[metainfo.Hash]*Controller
}

// NewRuntime binds a listener (scanning ListenPortLow..ListenPortHigh
// unless cfg.ListenPort pins one, §4.5) and returns a Runtime ready to
// accept incoming peers and serve Controllers registered with Serve.
func NewRuntime(cfg *Config) (*Runtime, error) {
	if cfg.PeerID == ([20]byte{}) {
		cfg.PeerID = NewPeerID()
	}
	ln, port, err := bindListener(cfg.ListenPort)
	if err != nil {
		return nil, err
	}
	cfg.ListenPort = port
	r := &Runtime{
		cfg:         cfg,
		logger:      cfg.Logger.WithNames("runtime"),
		ln:          ln,
		controllers: make(map[metainfo.Hash]*Controller),
	}
	return r, nil
}

func bindListener(pinned int) (net.Listener, int, error) {
	if pinned != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pinned))
		if err != nil {
			return nil, 0, errors.Wrapf(err, "torrent: binding pinned port %d", pinned)
		}
		return ln, pinned, nil
	}
	for port := ListenPortLow; port <= ListenPortHigh; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, ErrNoFreePort
}

// Addr returns the bound listen address.
func (r *Runtime) Addr() net.Addr { return r.ln.Addr() }

// Serve registers ctrl under infoHash, wires it as ctrl's dialer for
// outgoing peer acquisition, and starts its heartbeat loop in the
// background. Cancelling ctx stops that heartbeat; Controller.Shutdown
// also sends the tracker-stopped announce.
func (r *Runtime) Serve(ctx context.Context, infoHash metainfo.Hash, ctrl *Controller) {
	r.mu.Lock()
	r.controllers[infoHash] = ctrl
	r.mu.Unlock()

	ctrl.SetDialer(func(ctx context.Context, addr string) {
		r.dialPeer(ctx, infoHash, ctrl, addr)
	})
	go ctrl.Run(ctx)
}

// Unserve removes the controller for infoHash, e.g. after it shuts down.
func (r *Runtime) Unserve(infoHash metainfo.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, infoHash)
}

func (r *Runtime) lookup(ih metainfo.Hash) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.controllers[ih]
	return ctrl, ok
}

func (r *Runtime) knownHash(ih metainfo.Hash) bool {
	_, ok := r.lookup(ih)
	return ok
}

// AcceptLoop accepts incoming connections until ctx is cancelled or the
// listener is closed, handshaking and registering each with its
// Controller (§4.5 "Server"). It should be run in its own goroutine.
func (r *Runtime) AcceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			r.logger.Printf("accept: %v, retrying in %s", err, AcceptErrorRetryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(AcceptErrorRetryDelay):
			}
			continue
		}
		go r.handleIncoming(conn)
	}
}

func (r *Runtime) handleIncoming(conn net.Conn) {
	res, err := peerprotocol.IncomingHandshake(conn, r.cfg.PeerID, r.knownHash)
	if err != nil {
		r.logger.WithDefaultLevel(log.Debug).Printf("incoming handshake from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	ctrl, ok := r.lookup(res.InfoHash)
	if !ok {
		conn.Close()
		return
	}
	pc := newPeerConnection(conn, ctrl, ctrl.Package(), ctrl.cb, r.logger.WithNames("peer"), res.InfoHash, res.PeerID, false)
	if !ctrl.AddPeer(pc) {
		conn.Close()
	}
}

// dialPeer opens an outgoing connection to addr, performs the outgoing
// handshake, and registers the resulting PeerConnection with ctrl. A
// duplicate (we're already connected to addr, or it dialed us first) and a
// self-connection (detected inside OutgoingHandshake by matching peer id)
// are both rejected without retrying.
func (r *Runtime) dialPeer(parent context.Context, infoHash metainfo.Hash, ctrl *Controller, addr string) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		r.logger.WithDefaultLevel(log.Debug).Printf("dial %s failed: %v", addr, err)
		return
	}
	res, err := peerprotocol.OutgoingHandshake(conn, infoHash, r.cfg.PeerID)
	if err != nil {
		r.logger.WithDefaultLevel(log.Debug).Printf("outgoing handshake to %s failed: %v", addr, err)
		conn.Close()
		return
	}
	pc := newPeerConnection(conn, ctrl, ctrl.Package(), ctrl.cb, r.logger.WithNames("peer"), res.InfoHash, res.PeerID, true)
	if !ctrl.AddPeer(pc) {
		conn.Close()
	}
}

// Close closes the listener. It does not shut down any served Controller;
// callers should call Controller.Shutdown for each before or after.
func (r *Runtime) Close() error {
	return r.ln.Close()
}
