// swarmd downloads a single torrent non-interactively: read the .torrent
// file, join the swarm, print progress once a second, exit when complete.
//
// Example run:
// $ go run ./cmd/swarmd -dir ./downloads ubuntu-24.04.torrent
// 1.002s: "ubuntu-24.04.iso": 0 B/1.2 GB, 0/4636 pieces, 0 peers
// 2.011s: "ubuntu-24.04.iso": 475 kB/1.2 GB, 1/4636 pieces, 3 peers
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	torrentlib "github.com/dydx/RubyTorrent"
	"github.com/dydx/RubyTorrent/metainfo"
	"github.com/dydx/RubyTorrent/storage"
	"github.com/dydx/RubyTorrent/tracker"
)

type args struct {
	Torrent   string `arg:"positional,required"`
	Dir       string `arg:"--dir" default:"."`
	Port      int    `arg:"--port"`
	DownRate  int    `arg:"--down-rate" help:"download limit, bytes/sec; 0 is unlimited"`
	UpRate    int    `arg:"--up-rate" help:"upload limit, bytes/sec; 0 is unlimited"`
	UserAgent string `arg:"--user-agent" default:"RubyTorrent/1.0"`
	VerifyOnOpen bool `arg:"--verify-on-open" help:"SHA-1 verify existing files before resuming instead of optimistically assuming they're valid"`
}

func main() {
	defer envpprof.Stop()
	var a args
	arg.MustParse(&a)

	b, err := os.ReadFile(a.Torrent)
	if err != nil {
		log.Default.Printf("reading torrent file: %v", err)
		os.Exit(1)
	}
	mi, err := metainfo.Parse(b)
	if err != nil {
		log.Default.Printf("parsing torrent file: %v", err)
		os.Exit(1)
	}

	open := storage.Open
	if a.VerifyOnOpen {
		open = storage.OpenVerified
	}
	dest := a.Dir
	if !mi.Info.IsDir() {
		dest = filepath.Join(a.Dir, mi.Info.Name)
	}
	pkg, err := open(mi, dest)
	if err != nil {
		log.Default.Printf("opening package: %v", err)
		os.Exit(1)
	}
	defer pkg.Close()
	if discarded, err := pkg.CheckAllValid(); err != nil {
		log.Default.Printf("checking existing data: %v", err)
		os.Exit(1)
	} else if discarded > 0 {
		log.Default.Printf("discarded %d previously-complete but corrupt pieces", discarded)
	}

	cfg := torrentlib.NewDefaultConfig()
	cfg.DataDir = a.Dir
	cfg.ListenPort = a.Port
	cfg.UserAgent = a.UserAgent
	if a.DownRate > 0 {
		cfg.DownloadRateLimiter = rate.NewLimiter(rate.Limit(a.DownRate), a.DownRate)
	}
	if a.UpRate > 0 {
		cfg.UploadRateLimiter = rate.NewLimiter(rate.Limit(a.UpRate), a.UpRate)
	}

	rt, err := torrentlib.NewRuntime(cfg)
	if err != nil {
		log.Default.Printf("starting runtime: %v", err)
		os.Exit(1)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	done := make(chan struct{})
	cb := torrentlib.Callbacks{
		Completed: func() { close(done) },
		TrackerLost: func(err error) {
			log.Default.WithDefaultLevel(log.Debug).Printf("tracker announce failed: %v", err)
		},
	}

	announcer := tracker.NewHTTPAnnouncer(a.UserAgent)
	ctrl := torrentlib.NewController(mi, pkg, cfg, cb, announcer)
	rt.Serve(ctx, mi.InfoHash(), ctrl)
	go rt.AcceptLoop(ctx)

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ctrl.Shutdown()
			return
		case <-done:
			stats := pkg.Stats()
			log.Default.Printf("%v: %q complete: %s in %d pieces, %d peers",
				time.Since(start), mi.Info.Name, humanize.Bytes(uint64(stats.HaveBytes)), stats.TotalPieces, ctrl.PeerCount())
			if err := pkg.Finalize(); err != nil {
				log.Default.Printf("finalize: %v", err)
			}
			ctrl.Shutdown()
			return
		case <-ticker.C:
			stats := pkg.Stats()
			log.Default.Printf("%v: %q: %s/%s, %d/%d pieces, %d peers",
				time.Since(start), mi.Info.Name,
				humanize.Bytes(uint64(stats.HaveBytes)), humanize.Bytes(uint64(stats.TotalBytes)),
				stats.CompletePieces, stats.TotalPieces, ctrl.PeerCount())
		}
	}
}
