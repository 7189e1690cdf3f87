// Package events publishes sandbox lifecycle events to NATS JetStream for
// downstream consumers (billing, audit, dashboards). Publishing is
// fire-and-forget: the lifecycle never blocks on the event bus.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/insien/insien/pkg/types"
)

const (
	streamName    = "SANDBOX_EVENTS"
	subjectPrefix = "sandbox.events"

	eventRetention = 7 * 24 * time.Hour
)

// Event is the JSON payload published per lifecycle transition.
type Event struct {
	Type      string    `json:"type"`
	SandboxID string    `json:"sandboxId"`
	UserID    string    `json:"userId,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher writes lifecycle events to JetStream. A Publisher built without
// a NATS URL is a no-op; callers never need to branch on whether events are
// enabled.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and ensures the event stream exists. An
// empty URL disables publishing.
func NewPublisher(natsURL string) (*Publisher, error) {
	if natsURL == "" {
		log.Printf("events: NATS_URL not set, lifecycle events disabled")
		return &Publisher{}, nil
	}

	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Stream may already exist, that's OK.
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		MaxAge:   eventRetention,
	}); err != nil {
		log.Printf("events: stream setup: %v", err)
	}

	log.Printf("events: publishing to %s.>", subjectPrefix)
	return &Publisher{nc: nc, js: js}, nil
}

// Created reports a sandbox that reached running state.
func (p *Publisher) Created(live *types.SandboxLive) {
	p.publish("created", Event{
		Type:      "created",
		SandboxID: live.SandboxID,
		UserID:    live.UserID,
		Tier:      string(live.Tier),
		Timestamp: time.Now().UTC(),
	})
}

// Destroyed reports a sandbox torn down on request.
func (p *Publisher) Destroyed(sandboxID, userID string, tier types.Tier) {
	p.publish("destroyed", Event{
		Type:      "destroyed",
		SandboxID: sandboxID,
		UserID:    userID,
		Tier:      string(tier),
		Timestamp: time.Now().UTC(),
	})
}

// Expired reports a sandbox reaped after its lifetime lapsed.
func (p *Publisher) Expired(sandboxID, userID string, tier types.Tier) {
	p.publish("expired", Event{
		Type:      "expired",
		SandboxID: sandboxID,
		UserID:    userID,
		Tier:      string(tier),
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(kind string, ev Event) {
	if p.js == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Printf("events: encoding %s event: %v", kind, err)
		return
	}
	subject := fmt.Sprintf("%s.%s", subjectPrefix, kind)
	if _, err := p.js.PublishAsync(subject, raw); err != nil {
		log.Printf("events: publishing %s for %s: %v", kind, ev.SandboxID, err)
	}
}

// Close flushes pending publishes and drops the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
	}
	p.nc.Close()
}
