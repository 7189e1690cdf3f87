package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/insien/insien/internal/api"
	"github.com/insien/insien/internal/auth"
	"github.com/insien/insien/internal/config"
	"github.com/insien/insien/internal/db"
	"github.com/insien/insien/internal/docker"
	"github.com/insien/insien/internal/events"
	"github.com/insien/insien/internal/hub"
	"github.com/insien/insien/internal/ports"
	"github.com/insien/insien/internal/quota"
	"github.com/insien/insien/internal/reaper"
	"github.com/insien/insien/internal/redis"
	"github.com/insien/insien/internal/sandbox"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	live, err := redis.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer live.Close()

	runtime, err := docker.NewManager()
	if err != nil {
		return fmt.Errorf("connect docker: %w", err)
	}
	defer runtime.Close()

	publisher, err := events.NewPublisher(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer publisher.Close()

	// Pre-pull the agent image so the first create does not eat the pull.
	if err := runtime.EnsureImage(ctx, cfg.AgentImage); err != nil {
		log.Printf("orchestrator: agent image %s not available yet: %v", cfg.AgentImage, err)
	}

	issuer := auth.NewIssuer(cfg.JWTSecret)
	gate := auth.NewGate(store, issuer)
	h := hub.New()

	alloc := ports.NewAllocator(live, cfg.PortRangeStart, cfg.PortRangeEnd)
	exposer := ports.NewExposer(runtime, h, alloc, live, cfg.StartupTimeout)
	quotas := quota.NewManager(store, quota.Limits{
		PerCredential: cfg.MaxSandboxesPerKey,
		System:        cfg.MaxSandboxesSystem,
	}, cfg.Tiers)

	manager := sandbox.NewManager(sandbox.Deps{
		Config:  cfg,
		Runtime: runtime,
		Store:   store,
		Live:    live,
		Quota:   quotas,
		Ports:   alloc,
		Exposer: exposer,
		Hub:     h,
		Issuer:  issuer,
		Events:  publisher,
	})

	sweeper := reaper.New(reaper.Deps{
		Store:    store,
		Expirer:  manager,
		Runtime:  runtime,
		Live:     live,
		Ports:    alloc,
		Tiers:    cfg.Tiers,
		Interval: cfg.CleanupInterval,
	})
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go sweeper.Run(reaperCtx)

	server := api.NewServer(api.Deps{
		Gate:    gate,
		Service: manager,
		Hub:     h,
		Live:    live,
		DB:      store,
		Docker:  runtime,
	})

	httpAddr := fmt.Sprintf(":%d", cfg.Port)
	wsAddr := fmt.Sprintf(":%d", cfg.WSPort)
	log.Printf("orchestrator: control API on %s, RPC fabric on %s", httpAddr, wsAddr)

	go func() {
		if err := server.StartHTTP(httpAddr); err != nil {
			log.Printf("orchestrator: http server: %v", err)
		}
	}()
	go func() {
		if err := server.StartWS(wsAddr); err != nil {
			log.Printf("orchestrator: ws server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("orchestrator: shutting down...")
	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("orchestrator: shutdown: %v", err)
	}
	h.Shutdown()

	log.Println("orchestrator: bye")
	return nil
}
