package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sheerbytes/chunkrecv/internal/client"
	"github.com/sheerbytes/chunkrecv/internal/config"
	"github.com/sheerbytes/chunkrecv/internal/logging"
	"github.com/sheerbytes/chunkrecv/internal/progress"
	"github.com/sheerbytes/chunkrecv/internal/termio"
	"github.com/sheerbytes/chunkrecv/internal/transport"
)

const progressInterval = 200 * time.Millisecond

func main() {
	err := run()
	termio.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "chunksend:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseClientConfig()
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(termio.Stderr(), "chunksend", cfg.LogLevel, cfg.LogFormat)
	showProgress := !cfg.Quiet && termio.IsTerminal()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var failed int
	for _, path := range cfg.Paths {
		up, err := send(ctx, cfg, path, showProgress, logger)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			logger.Error("upload failed", "path", path, "error", err)
			continue
		}
		if !cfg.Quiet {
			fmt.Fprintf(termio.Stdout(), "%s\t%s\t%s in %s (%s)\n",
				up.ID, up.FileName,
				transport.FormatBytes(up.Size),
				up.Duration.Round(time.Millisecond),
				transport.FormatRate(up.Size, up.Duration),
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(cfg.Paths))
	}
	return nil
}

// send uploads one file over its own connection.
func send(ctx context.Context, cfg config.ClientConfig, path string, showProgress bool, logger *slog.Logger) (client.Upload, error) {
	c, err := client.Dial(ctx, cfg.Transport, cfg.Server, logger)
	if err != nil {
		return client.Upload{}, err
	}

	var meter *progress.Meter
	if showProgress {
		meter = progress.NewMeter()
		reportCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			progress.Report(reportCtx, termio.Stdout(), meter, filepath.Base(path), progressInterval)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	return c.UploadFile(ctx, path, int(cfg.ChunkSize), meter)
}
