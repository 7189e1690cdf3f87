// Package agent implements the in-container sandbox agent. It dials the
// orchestrator's WebSocket fabric, authenticates with the token injected at
// container creation, and serves exec, write, and read frames against the
// sandbox filesystem. The binary is baked into the sandbox image and started
// as the container entrypoint.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insien/insien/pkg/types"
)

const (
	defaultWorkDir = "/app"

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
	dialTimeout   = 10 * time.Second
)

// Config carries the environment the orchestrator injects into the
// container.
type Config struct {
	OrchestratorURL string
	SandboxID       string
	Token           string
	WorkDir         string
}

// FromEnv builds the agent config from the container environment.
func FromEnv() (Config, error) {
	cfg := Config{
		OrchestratorURL: os.Getenv("ORCHESTRATOR_URL"),
		SandboxID:       os.Getenv("SANDBOX_ID"),
		Token:           os.Getenv("AGENT_TOKEN"),
		WorkDir:         defaultWorkDir,
	}
	if cfg.OrchestratorURL == "" {
		return cfg, fmt.Errorf("ORCHESTRATOR_URL is required")
	}
	if cfg.SandboxID == "" {
		return cfg, fmt.Errorf("SANDBOX_ID is required")
	}
	if cfg.Token == "" {
		return cfg, fmt.Errorf("AGENT_TOKEN is required")
	}
	return cfg, nil
}

// Agent is one connection-managing instance. Handlers run concurrently;
// writes to the socket are serialized.
type Agent struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates an agent from config.
func New(cfg Config) *Agent {
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	return &Agent{cfg: cfg}
}

// Run connects to the orchestrator and serves frames until ctx is
// cancelled. Lost connections are redialed with exponential backoff; the
// orchestrator replacing this agent (close 1008) also lands here and
// retries, which is harmless because the replacement wins registration.
func (a *Agent) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		if err := a.serveOnce(ctx); err != nil {
			log.Printf("agent: connection lost: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (a *Agent) serveOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/agent/%s?token=%s", a.cfg.OrchestratorURL, a.cfg.SandboxID, a.cfg.Token)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial orchestrator: %w", err)
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	log.Printf("agent: connected to orchestrator for sandbox %s", a.cfg.SandboxID)

	// Drop the socket when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		go a.handle(ctx, raw)
	}
}

// handle dispatches one frame. Every frame with an id gets exactly one
// reply; unknown types get an error envelope so clients are not left
// waiting.
func (a *Agent) handle(ctx context.Context, raw []byte) {
	frame, err := types.ParseFrame(raw)
	if err != nil {
		log.Printf("agent: dropping malformed frame: %v", err)
		return
	}

	switch frame.Type {
	case types.FrameExec:
		var req types.ExecFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			a.sendError(frame.ID, "malformed exec frame")
			return
		}
		a.send(a.runExec(ctx, &req))
	case types.FrameWrite:
		var req types.WriteFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			a.sendError(frame.ID, "malformed write frame")
			return
		}
		a.send(a.writeFile(&req))
	case types.FrameRead:
		var req types.ReadFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			a.sendError(frame.ID, "malformed read frame")
			return
		}
		a.send(a.readFile(&req))
	default:
		a.sendError(frame.ID, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (a *Agent) send(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("agent: encoding response: %v", err)
		return
	}
	a.sendRaw(raw)
}

func (a *Agent) sendError(id, msg string) {
	a.sendRaw(types.ErrorFrame(id, msg))
}

func (a *Agent) sendRaw(raw []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Printf("agent: write failed: %v", err)
	}
}
