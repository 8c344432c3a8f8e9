package torrent

import (
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"
)

// Policy constants from spec.md §4.3/§4.4/§4.5, named exactly as the
// specification names them so a reader can cross-reference directly.
const (
	MinRequests = 2  // MIN_REQUESTS: claim refill low-water mark
	MaxRequests = 5  // MAX_REQUESTS: in-flight request ceiling per peer
	SendChunk   = 8 << 10 // fixed send-buffer chunk size for piece payloads

	RequestTimeout = 60 * time.Second

	Heartbeat             = 5 * time.Second
	PopRecalcThresh        = 20
	PopRecalcLimit         = 30 * time.Second
	CalcFriendsInterval    = 10 * time.Second
	NumFriends             = 4
	CalcOptUnchokesInterval = 30 * time.Second
	NumOptUnchokes         = 1
	AntisnubInterval       = 60 * time.Second
	NewOptUnchokeProb      = 0.5
	MaxPeers               = 15
	SilentDeathInterval    = 240 * time.Second
	BoredomDeathInterval   = 120 * time.Second
	KeepaliveInterval      = 120 * time.Second
	Window                 = 20 * time.Second
	NumWantBump            = 50 // NUM_WANT_BUMP: step passed to tracker.New
	FusekiPiecesThreshold  = 2
	AntisnubRateThreshold  = 1024 // bytes/sec
	EndgameRemainingPieces = 5

	PeerDialJitterMax = 10 * time.Second
	ControllerShutdownJoinWait = 200 * time.Millisecond
	AcceptErrorRetryDelay      = 1 * time.Second

	ListenPortLow  = 6881
	ListenPortHigh = 6889

	PeerIDPrefix  = "rubytor"
	PeerIDVersion = byte('1')
)

// Config holds operator-tunable settings for a Runtime, following the
// teacher's plain-struct-with-defaults shape (config.go) rather than a
// functional-options builder.
type Config struct {
	// DataDir is the directory packages are stored under.
	DataDir string

	// ListenPort pins the listener to a specific port; zero means scan
	// ListenPortLow..ListenPortHigh for the first free port (§4.5).
	ListenPort int

	// PeerID is this runtime's 20-byte peer id. If empty, one is
	// generated following the "rubytor"+version+random scheme.
	PeerID [20]byte

	// DownloadRateLimiter / UploadRateLimiter cap aggregate throughput.
	// Distinct from RateMeter: the limiter constrains, the meter only
	// observes. Nil means unlimited, matching the teacher's config.go.
	DownloadRateLimiter *rate.Limiter
	UploadRateLimiter   *rate.Limiter

	// Logger is the base logger every long-lived component derives its
	// own named child logger from (never a process-wide singleton, per
	// spec.md §9 "Global state").
	Logger log.Logger

	// UserAgent is sent as the HTTP User-Agent on tracker announces.
	UserAgent string
}

// NewDefaultConfig returns a Config with conservative defaults: no rate
// limiting, info-level logging to stderr, and automatic port selection.
func NewDefaultConfig() *Config {
	return &Config{
		Logger:    log.Default,
		UserAgent: "RubyTorrent/1.0",
	}
}
