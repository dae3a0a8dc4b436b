package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/gluk-w/webssh/internal/audit"
	"github.com/gluk-w/webssh/internal/config"
	"github.com/gluk-w/webssh/internal/handlers"
	"github.com/gluk-w/webssh/internal/logging"
	"github.com/gluk-w/webssh/internal/remote"
	"github.com/gluk-w/webssh/internal/token"
	"github.com/gluk-w/webssh/internal/watch"
)

func main() {
	config.Load()

	logging.Init(config.Cfg.LogFile())
	defer logging.Close()

	log.Printf("Config: ListenAddr=%s, TokenTTL=%s, WatchHome=%s, KnownHosts=%q, AuditEnabled=%v",
		config.Cfg.ListenAddr, config.Cfg.TokenTTL, config.Cfg.HomePath(), config.Cfg.SSHKnownHosts, config.Cfg.AuditEnabled)

	connector, err := remote.NewSSHConnector(remote.SSHOptions{
		ConnectTimeout:    config.Cfg.SSHConnectTimeout,
		KeepaliveInterval: config.Cfg.SSHKeepaliveInterval,
		KnownHostsPath:    config.Cfg.SSHKnownHosts,
		OnStateChange: func(addr string, state remote.State) {
			log.Printf("[remote] %s -> %s", addr, state)
		},
	})
	if err != nil {
		log.Fatalf("SSH connector init: %v", err)
	}

	tokens := token.New(config.Cfg.TokenTTL)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	scheduler := cron.New()

	var auditor *audit.Auditor
	if config.Cfg.AuditEnabled {
		db, err := audit.OpenDB(config.Cfg.AuditDatabase())
		if err != nil {
			log.Fatalf("Audit database init: %v", err)
		}
		auditor, err = audit.NewAuditor(db, config.Cfg.AuditRetentionDays)
		if err != nil {
			log.Fatalf("Audit init: %v", err)
		}
		if _, err := auditor.SchedulePurge(scheduler, audit.PurgeSchedule); err != nil {
			log.Fatalf("Audit purge schedule: %v", err)
		}
		auditor.PurgeOlderThan(0)
		log.Printf("Audit log initialized (retention=%d days)", auditor.RetentionDays())
	}
	scheduler.Start()

	gw := &handlers.Server{
		Tokens:    tokens,
		Connector: connector,
		Auditor:   auditor,
		Fs:        afero.NewOsFs(),
		Watcher:   watch.FSNotify{},
	}

	// Hijacked WebSocket connections outlive Shutdown; cancelling the base
	// context tears their sessions down.
	srv := &http.Server{
		Addr:        config.Cfg.ListenAddr,
		Handler:     gw.Routes(),
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	cancelBase()
	<-scheduler.Stop().Done()
	tokens.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
