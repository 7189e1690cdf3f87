// insien-agent runs inside every sandbox container. It dials the
// orchestrator's WebSocket fabric with the token injected at creation and
// serves exec, write, and read frames.
//
// Build: CGO_ENABLED=0 GOOS=linux go build -o insien-agent ./cmd/agent
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/insien/insien/internal/agent"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := agent.FromEnv()
	if err != nil {
		log.Fatalf("agent: %v", err)
	}
	log.Printf("insien-agent starting for sandbox %s", cfg.SandboxID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := agent.New(cfg).Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agent: %v", err)
	}
	log.Println("agent: shut down")
}
