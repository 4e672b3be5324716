// Package main provides the chat server binary: rooms with shared history and
// an omok board per room, served over a framed TCP protocol.
//
// Usage:
//
//	chatserver [-config path] [-print-config] [port]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/omokchat/internal/chat"
	"github.com/cory-johannsen/omokchat/internal/config"
	"github.com/cory-johannsen/omokchat/internal/frontend/handlers"
	"github.com/cory-johannsen/omokchat/internal/frontend/stream"
	"github.com/cory-johannsen/omokchat/internal/observability"
	"github.com/cory-johannsen/omokchat/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// An unparsable port argument falls back to the default and is reported once logging is up.
	portArg := flag.Arg(0)
	portOK := true
	if portArg != "" {
		cfg.Listener.Port, portOK = config.ParsePort(portArg)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatalf("rendering config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if !portOK {
		logger.Warn("invalid port argument, using default",
			zap.String("arg", portArg),
			zap.Int("port", cfg.Listener.Port),
		)
	}

	logger.Info("starting chat server",
		zap.String("listen_addr", cfg.Listener.Addr()),
		zap.Int("outbox_size", cfg.Chat.OutboxSize),
	)

	registry := chat.NewRegistry(chat.HistoryLimits{
		MaxEntries: cfg.Chat.MaxHistoryEntries,
		MaxBytes:   cfg.Chat.MaxHistoryBytes,
	}, logger.Named("registry"))
	sessionHandler := handlers.NewSessionHandler(registry, cfg.Chat, logger.Named("session"))
	acceptor := stream.NewAcceptor(cfg.Listener, sessionHandler, logger.Named("acceptor"))

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("acceptor", &server.FuncService{
		StartFn: func() error {
			return acceptor.ListenAndServe()
		},
		StopFn: func() {
			acceptor.Stop()
		},
	})

	// Stopped first, so connected clients hear about the shutdown before their sockets close.
	quit := make(chan struct{})
	lifecycle.Add("announcer", &server.FuncService{
		StartFn: func() error {
			<-quit
			return nil
		},
		StopFn: func() {
			logger.Info("announcing shutdown",
				zap.Int("sessions", registry.SessionCount()),
				zap.Int("rooms", registry.RoomCount()),
			)
			registry.BroadcastSystem("Server is shutting down.")
			close(quit)
		},
	})

	logger.Info("chat server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
