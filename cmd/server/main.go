package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/roomchat/internal/api"
	"github.com/npezzotti/roomchat/internal/config"
	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/server"
	"github.com/npezzotti/roomchat/internal/stats"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func newLogger(out io.Writer, cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}

	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "roomchat").Logger(), nil
}

func main() {
	fs := config.NewFlagSet(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "flags:", err)
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := database.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.StoreTimeout)
	err = dbConn.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Fatal().Err(err).Msg("db ping")
	}

	if err := dbConn.EnsureIndexes(ctx); err != nil {
		logger.Error().Err(err).Msg("ensure indexes")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()

	chatServer, err := server.NewChatServer(logger, dbConn, statsUpdater, server.Options{
		HistoryLimit:   cfg.HistoryLimit,
		SendTimeout:    cfg.SendTimeout,
		StoreTimeout:   cfg.StoreTimeout,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("new chat server")
	}

	srv := api.NewChatApp(mux, logger, chatServer, dbConn, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	shutdown(shutdownCtx, logger, srv, chatServer, statsUpdater)
	logger.Info().Msg("shutdown complete")
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type stopper interface {
	Stop()
}

// shutdown stops the HTTP server and then the chat server. Sessions that
// outlive a failed chat server shutdown may still update metrics, so the
// stats updater is only stopped after a clean one.
func shutdown(ctx context.Context, logger zerolog.Logger, httpSrv, chatSrv shutdowner, su stopper) {
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	if err := chatSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
		return
	}

	su.Stop()
}
