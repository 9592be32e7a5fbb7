// Command leech downloads a single torrent's payload to disk, printing a
// live progress table while peers are active.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/lvbealr/leechtorrent/internal/config"
	"github.com/lvbealr/leechtorrent/internal/metainfo"
	"github.com/lvbealr/leechtorrent/internal/torrent"
	"github.com/lvbealr/leechtorrent/internal/tracker"
)

func main() {
	outDir := flag.String("out", "downloads", "destination directory for downloaded payloads")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: leech [-out dir] [-v] <path-to-torrent-file>\n")
		os.Exit(1)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(log, flag.Arg(0), *outDir); err != nil {
		log.WithError(err).Fatal("download failed")
	}
}

func run(log *logrus.Logger, torrentPath, outDir string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	m, err := metainfo.Parse(torrentPath)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", torrentPath, err)
	}
	log.Info(m.String())

	writer := torrent.NewWriter(m, outDir)
	trackerClient := tracker.NewClient(cfg, log)
	coord := torrent.NewCoordinator(cfg, log, m, trackerClient, writer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("received interrupt, shutting down")
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	renderProgress(ctx, coord, m)

	return <-done
}

// renderProgress reports progress every 500ms. When stdout is not a
// terminal it prints a colorized line mirroring the original client's
// torrents-table shape (name, percent complete, active peer count, and
// current speed). When stdout is a terminal it only updates a progress
// bar of verified pieces labelled with the name; peer count and speed
// are not shown in that mode.
func renderProgress(ctx context.Context, coord *torrent.Coordinator, m *metainfo.Metainfo) {
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.NewOptions(m.PieceCount(),
			progressbar.OptionSetDescription(m.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
		)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress := coord.Progress()

			if bar != nil {
				bar.Set(int(progress * float64(m.PieceCount())))
				if progress >= 1.0 {
					return
				}
				continue
			}

			line := colorstring.Color(fmt.Sprintf(
				"[green]%s[reset] %.1f%% complete, %d peers, %s",
				m.Name, progress*100, coord.ActivePeerCount(), coord.DownloadSpeed(),
			))
			fmt.Println(line)

			if progress >= 1.0 {
				return
			}
		}
	}
}
