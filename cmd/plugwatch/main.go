package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plugwatch/plugwatch/pkg/alert"
	"github.com/plugwatch/plugwatch/pkg/credentials"
	"github.com/plugwatch/plugwatch/pkg/integration"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/poller"
	"github.com/plugwatch/plugwatch/pkg/server"
	"github.com/plugwatch/plugwatch/pkg/storage"
	"github.com/plugwatch/plugwatch/pkg/telemetry"
	"github.com/plugwatch/plugwatch/pkg/usage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	creds := credentials.Configured(s)
	registry := integration.Configured(creds)
	notifier := alert.Configured()
	recorder := telemetry.Configured()
	tracker := usage.Configured(s, notifier)
	p := poller.Configured(registry, tracker, recorder)

	// init server
	srv := server.Configured(registry, creds, tracker, p, s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, srv, p, recorder, s)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

type httpServer interface {
	Run(ctx context.Context) error
}

type usagePoller interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// run starts polling and serves until ctx is canceled or the server fails.
// The poller is always stopped before the recorder and storage close so the
// final usage flush reaches the store.
func run(ctx context.Context, srv httpServer, p usagePoller, recorder telemetry.Recorder, db io.Closer) error {
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	defer recorder.Close()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := p.Stop(stopCtx); err != nil {
			log.Ctx(stopCtx).ErrorContext(stopCtx, "failed to stop poller", slog.Any("error", err))
		}
	}()

	p.Start(ctx)

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
	return nil
}
