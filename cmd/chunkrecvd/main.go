package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/chunkrecv/internal/config"
	"github.com/sheerbytes/chunkrecv/internal/logging"
	"github.com/sheerbytes/chunkrecv/internal/metrics"
	"github.com/sheerbytes/chunkrecv/internal/server"
	"github.com/sheerbytes/chunkrecv/internal/termio"
	"github.com/sheerbytes/chunkrecv/internal/transfer"
	"github.com/sheerbytes/chunkrecv/internal/upload"
)

const version = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), version)
		termio.Sync()
		return
	}
	err := run()
	termio.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "chunkrecvd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseServerConfig()
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(termio.Stderr(), "chunkrecvd", cfg.LogLevel, cfg.LogFormat)

	if cfg.StorageDir == "" {
		if cfg.StorageDir, err = config.DefaultStorageDir(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	var uploads *upload.Manager
	met := metrics.New(func() int { return uploads.Active() })
	uploads = upload.NewManager(transfer.NewReassembler(cfg.StorageDir, nil), upload.Options{
		MaxChunkLength: cfg.MaxChunkLength,
		MaxChunkCount:  cfg.MaxChunkCount,
		MaxActive:      cfg.MaxActive,
		ReadSize:       cfg.ReadChunkSize,
		TTL:            cfg.UploadTTL,
		Observer:       met,
		Logger:         logger,
	})

	srv := server.New(uploads, server.Options{
		Addr:             cfg.Addr,
		QUICAddr:         cfg.QUICAddr,
		HTTPAddr:         cfg.HTTPAddr,
		ReadTimeout:      cfg.ReadTimeout,
		SweepInterval:    cfg.SweepInterval,
		AcceptRate:       cfg.AcceptRate,
		AcceptBurst:      cfg.AcceptBurst,
		MaxConnections:   cfg.MaxConnections,
		TCPReadBuffer:    cfg.TCPReadBuffer,
		TCPKeepAlive:     cfg.TCPKeepAlive,
		UDPBuffer:        cfg.UDPBuffer,
		QUICStreamWindow: cfg.QUICStreamWindow,
		QUICMaxStreams:   cfg.QUICMaxStreams,
		Logger:           logger,
		Metrics:          met,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "version", version, "storage_dir", cfg.StorageDir,
		slog.Group("limits",
			"max_chunk_length", cfg.MaxChunkLength,
			"max_chunk_count", cfg.MaxChunkCount,
			"max_active_uploads", cfg.MaxActive,
			"upload_ttl", cfg.UploadTTL,
		))
	return srv.Run(ctx)
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
