package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"github.com/manpreetbhatti/realscribe/internal/api"
	"github.com/manpreetbhatti/realscribe/internal/broadcast"
	"github.com/manpreetbhatti/realscribe/internal/chat"
	"github.com/manpreetbhatti/realscribe/internal/config"
	"github.com/manpreetbhatti/realscribe/internal/db"
	"github.com/manpreetbhatti/realscribe/internal/janitor"
	"github.com/manpreetbhatti/realscribe/internal/ops"
	"github.com/manpreetbhatti/realscribe/internal/presence"
	"github.com/manpreetbhatti/realscribe/internal/ratelimit"
	"github.com/manpreetbhatti/realscribe/internal/session"
	"github.com/manpreetbhatti/realscribe/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := cfg.Logger(os.Stdout)
	slog.SetDefault(log)

	database, err := db.New(cfg.DBPath, log)
	if err != nil {
		log.Error("Failed to initialize database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := ws.NewHub(log)
	go hub.Run(hubCtx)

	// Events reach local subscribers either straight from the hub or, with
	// NATS, through the relay so every node sees every room.
	var publisher broadcast.Publisher = hub
	var natsConn *nats.Conn
	var relay *broadcast.NATSRelay
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name("realscribe"))
		if err != nil {
			log.Error("Failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		relay = broadcast.NewNATSRelay(natsConn, hub, log)
		if err := relay.Start(); err != nil {
			log.Error("Failed to subscribe to NATS", "error", err)
			os.Exit(1)
		}
		publisher = broadcast.NewNATSPublisher(natsConn)
		log.Info("Broadcasting through NATS", "url", cfg.NATSURL)
	}

	registry := presence.NewRegistry(log)
	chatLog := chat.NewLog(log)
	router := ops.NewRouter(database, publisher, log)
	coordinator := session.NewCoordinator(registry, chatLog, publisher, log)
	lifecycle := session.NewLifecycle(coordinator, router, log)

	maintenance := janitor.New(registry, chatLog, janitor.Config{
		OrphanSweepInterval: cfg.OrphanSweepInterval,
		ChatTrimInterval:    cfg.ChatTrimInterval,
		ChatRetainMessages:  cfg.ChatRetainMessages,
	}, log)
	maintenance.Start()

	limiters := ratelimit.NewConnectionLimiters(cfg.MessagesPerSecond, cfg.MessageBurst, cfg.MaxRateViolations)

	r := mux.NewRouter()
	r.Handle("/ws", ws.NewHandler(hub, lifecycle, limiters, log))
	api.New(hub, database, registry, chatLog, cfg.ChatHistoryLimit, log).Routes(r)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.CORS(r),
	}

	go func() {
		log.Info("Realscribe server starting", "addr", server.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ListenAndServe failed", "error", err)
			os.Exit(1)
		}
	}()

	wait := shutdownOnSignal(cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"janitor": func(ctx context.Context) error {
			maintenance.Stop()
			return nil
		},
		// Connections close before the broker and the database they write to.
		"server": func(ctx context.Context) error {
			err := server.Shutdown(ctx)
			stopHub()
			if relay != nil {
				relay.Stop()
			}
			if natsConn != nil {
				err = errors.Join(err, natsConn.Drain())
			}
			return errors.Join(err, database.Close())
		},
	})

	exitCode := <-wait
	if exitCode != 0 {
		log.Error("Shutdown completed with errors", "exit_code", exitCode)
		os.Exit(exitCode)
	}
	log.Info("Shutdown completed")
}

// shutdownOnSignal runs ops once SIGINT or SIGTERM arrives, giving them
// timeout to finish. The returned channel yields the exit code.
func shutdownOnSignal(timeout time.Duration, ops map[string]gfshutdown.Operation) <-chan int {
	return gfshutdown.GracefulShutdown(context.Background(), timeout, ops)
}
