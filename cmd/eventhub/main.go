package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/olesku/eventhub-sub000/internal/config"
	"github.com/olesku/eventhub-sub000/internal/server"
)

func main() {
	logger := newLogger("json", "info")

	cfg, err := config.Load(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Configuration error")
	}

	logger = newLogger(cfg.LogFormat, cfg.LogLevel)
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize server")
	}

	go handleSignals(srv, logger)

	if err := srv.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Server terminated")
	}
}

func newLogger(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if format == "pretty" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

// handleSignals stops the server on INT/TERM/QUIT and reloads the TLS
// certificate on HUP.
func handleSignals(srv *server.Server, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading certificates")
			srv.ReloadCerts()
		default:
			logger.Info().Str("signal", sig.String()).Msg("Signal received, shutting down")
			srv.Stop()
			return
		}
	}
}
