// Command bittorrentd is a thin driver wiring config, logging, and the six
// core components together: no independent business logic lives here,
// matching the teacher's main.go, generalized from a single SendTrackerResponse
// call into the full download pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"

	"bittorrent/config"
	"bittorrent/metainfo"
	"bittorrent/scheduler"
	"bittorrent/session"
	"bittorrent/tracker"
)

var app = kingpin.New("bittorrentd", "Single-file BitTorrent downloading client")

var (
	torrentPath = app.Arg("torrent", "path to the .torrent file").Required().String()
	outDir      = app.Flag("out", "output directory").Short('o').Default(".").String()
	configPath  = app.Flag("config", "optional YAML config file").Short('c').String()
	port        = app.Flag("port", "listening port kept in the config (announces always advertise 6889)").Short('p').Int()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := newLogger()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Errorw("exiting with error", "error", err)
		os.Exit(1)
	}
}

func newLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

func run(logger *zap.SugaredLogger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.ListenPort = *port
	}

	torrentFile, err := metainfo.Load(*torrentPath)
	if err != nil {
		return fmt.Errorf("loading torrent: %w", err)
	}
	torrentFile.OutputName = filepath.Join(*outDir, torrentFile.OutputName)

	outFile, err := os.OpenFile(torrentFile.OutputName, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	if err := outFile.Truncate(torrentFile.TotalSize); err != nil {
		outFile.Close()
		return fmt.Errorf("truncating output file: %w", err)
	}
	defer outFile.Close()

	sched := scheduler.New(torrentFile, outFile, scheduler.Config{
		BlockSize:  cfg.BlockSize,
		MaxPending: cfg.MaxPending(),
		Logger:     logger,
	})
	defer sched.Close()

	tc, err := tracker.New(torrentFile.AnnounceURL, torrentFile.InfoHash, logger)
	if err != nil {
		return fmt.Errorf("constructing tracker client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Infow("received interrupt, shutting down")
		cancel()
	}()

	addrQueue := make(chan session.Addr, 256)
	for i := 0; i < cfg.PeerPoolSize; i++ {
		s := session.New(addrQueue, session.Config{
			InfoHash:  torrentFile.InfoHash,
			MyPeerID:  tc.PeerID(),
			Scheduler: session.SchedulerAdapter{Scheduler: sched},
			Logger:    logger,
		})
		go s.Run(ctx)
	}

	go announceLoop(ctx, tc, sched, torrentFile.TotalSize, addrQueue, cfg, logger)

	return watchProgress(ctx, sched, torrentFile.OutputName)
}

// announceLoop feeds newly-learned peer addresses into addrQueue. Until the
// first successful announce it retries every TrackerRecheck. After a
// success it waits the tracker-supplied interval, or AnnounceMinInterval
// when the response carries no positive interval; a failed announce keeps
// the previous wait. AnnounceMinInterval is not applied as a floor to a
// shorter tracker interval (spec_full §10: tracker interval takes
// precedence once a successful announce has happened).
func announceLoop(ctx context.Context, tc *tracker.Client, sched *scheduler.Scheduler, totalSize int64, addrQueue chan<- session.Addr, cfg config.Config, logger *zap.SugaredLogger) {
	wait := cfg.TrackerRecheck()
	for {
		if ctx.Err() != nil {
			return
		}

		downloaded := sched.BytesDownloaded()
		left := totalSize - downloaded
		resp, err := tc.Announce(ctx, 0, downloaded, left)
		if err != nil {
			logger.Infow("announce failed, will retry", "error", err)
		} else {
			for _, p := range resp.Peers {
				select {
				case addrQueue <- session.Addr{IP: p.IP, Port: p.Port}:
				default:
				}
			}
			if resp.Interval > 0 {
				wait = time.Duration(resp.Interval) * time.Second
			} else {
				wait = cfg.AnnounceMinInterval()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func watchProgress(ctx context.Context, sched *scheduler.Scheduler, outputName string) error {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 40
	}

	bar := progressbar.NewOptions(sched.NumPieces(),
		progressbar.OptionSetDescription(filepath.Base(outputName)),
		progressbar.OptionSetWidth(width/2),
	)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			bar.Set(sched.NumHave())
			if sched.Complete() {
				bar.Finish()
				fmt.Println()
				return nil
			}
		}
	}
}
