package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insien/insien/internal/metrics"
	"github.com/insien/insien/pkg/types"
)

// ErrAgentNotConnected is returned by Call when no agent holds the sandbox's
// agent slot.
var ErrAgentNotConnected = errors.New("agent not connected")

// Hub is the in-memory session registry. It keeps no durable state: a
// restart drops every socket and agents reconnect on their own.
type Hub struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry holds the fabric for one sandbox. Lock order is hub.mu before
// entry.mu; neither is held across a socket write.
type entry struct {
	mu           sync.Mutex
	agent        *Session
	clients      map[*Session]struct{}
	pending      map[string]replyTarget
	agentWait    chan struct{}
	agentWaiters int
}

type orphanedCall struct {
	id     string
	target replyTarget
}

func New() *Hub {
	return &Hub{entries: make(map[string]*entry)}
}

func (h *Hub) entryFor(sandboxID string) *entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[sandboxID]
	if !ok {
		e = &entry{
			clients: make(map[*Session]struct{}),
			pending: make(map[string]replyTarget),
		}
		h.entries[sandboxID] = e
	}
	return e
}

func (h *Hub) lookup(sandboxID string) *entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[sandboxID]
}

// gc drops an entry once nothing references it anymore.
func (h *Hub) gc(sandboxID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[sandboxID]
	if !ok {
		return
	}
	e.mu.Lock()
	empty := e.agent == nil && len(e.clients) == 0 && len(e.pending) == 0 && e.agentWaiters == 0
	e.mu.Unlock()
	if empty {
		delete(h.entries, sandboxID)
	}
}

// RegisterAgent installs conn as the sandbox's agent. An agent already in
// the slot is closed with a policy-violation frame; its pending requests
// stay pending because the replacement can still answer them.
func (h *Hub) RegisterAgent(sandboxID string, conn wsConn) *Session {
	e := h.entryFor(sandboxID)
	s := newSession(conn)

	e.mu.Lock()
	old := e.agent
	e.agent = s
	wait := e.agentWait
	e.agentWait = nil
	e.mu.Unlock()

	if old != nil {
		log.Printf("hub: replacing agent for sandbox %s", sandboxID)
		old.closeWith(websocket.ClosePolicyViolation, "replaced by a newer agent connection")
	} else {
		metrics.AgentSessionsActive.Inc()
	}
	if wait != nil {
		close(wait)
	}
	return s
}

// UnregisterAgent clears the agent slot if s still holds it. Pending
// requests fail back to their callers; a replaced agent's pump calling in
// here is a no-op.
func (h *Hub) UnregisterAgent(sandboxID string, s *Session) {
	e := h.lookup(sandboxID)
	if e == nil {
		return
	}

	var orphaned []orphanedCall
	e.mu.Lock()
	if e.agent != s {
		e.mu.Unlock()
		return
	}
	e.agent = nil
	for id, t := range e.pending {
		orphaned = append(orphaned, orphanedCall{id: id, target: t})
		delete(e.pending, id)
	}
	e.mu.Unlock()

	metrics.AgentSessionsActive.Dec()
	for _, o := range orphaned {
		o.target.fail(o.id, "agent disconnected")
	}
	h.gc(sandboxID)
}

// RegisterClient adds an SDK client session to the sandbox.
func (h *Hub) RegisterClient(sandboxID string, conn wsConn) *Session {
	e := h.entryFor(sandboxID)
	s := newSession(conn)

	e.mu.Lock()
	e.clients[s] = struct{}{}
	e.mu.Unlock()

	metrics.ClientSessionsActive.Inc()
	return s
}

// UnregisterClient removes the session and drops its unanswered requests:
// replies for a gone client have nowhere to go.
func (h *Hub) UnregisterClient(sandboxID string, s *Session) {
	e := h.lookup(sandboxID)
	if e == nil {
		return
	}

	e.mu.Lock()
	_, present := e.clients[s]
	if present {
		delete(e.clients, s)
		for id, t := range e.pending {
			if ct, ok := t.(*clientTarget); ok && ct.sess == s {
				delete(e.pending, id)
			}
		}
	}
	e.mu.Unlock()

	if present {
		metrics.ClientSessionsActive.Dec()
	}
	h.gc(sandboxID)
}

// ClientMessage forwards a raw frame from a client to the sandbox's agent
// and records where the answer should go. Errors are reported back to the
// client as error frames, never as closed sockets.
func (h *Hub) ClientMessage(sandboxID string, from *Session, raw []byte) {
	frame, err := types.ParseFrame(raw)
	if err != nil {
		_ = from.send(types.ErrorFrame("", "invalid frame: id and type are required"))
		return
	}

	e := h.lookup(sandboxID)
	var agent *Session
	if e != nil {
		e.mu.Lock()
		agent = e.agent
		if agent != nil {
			e.pending[frame.ID] = &clientTarget{sess: from}
		}
		e.mu.Unlock()
	}
	if agent == nil {
		_ = from.send(types.ErrorFrame(frame.ID, "agent not connected"))
		return
	}

	if err := agent.send(raw); err != nil {
		h.dropPending(sandboxID, frame.ID)
		_ = from.send(types.ErrorFrame(frame.ID, "agent not connected"))
		return
	}
	metrics.RPCFramesTotal.WithLabelValues("client_to_agent").Inc()
}

// AgentMessage routes an agent frame to whichever caller is waiting on its
// id. Frames with no pending request are dropped, not errored: the caller
// may have disconnected or timed out first.
func (h *Hub) AgentMessage(sandboxID string, raw []byte) {
	frame, err := types.ParseFrame(raw)
	if err != nil {
		log.Printf("hub: dropping malformed agent frame for sandbox %s: %v", sandboxID, err)
		return
	}

	e := h.lookup(sandboxID)
	if e == nil {
		log.Printf("hub: dropping agent frame %s for unknown sandbox %s", frame.ID, sandboxID)
		return
	}

	e.mu.Lock()
	target, ok := e.pending[frame.ID]
	if ok {
		delete(e.pending, frame.ID)
	}
	e.mu.Unlock()

	if !ok {
		log.Printf("hub: no pending request %s for sandbox %s, dropping frame", frame.ID, sandboxID)
		return
	}
	target.deliver(raw)
	metrics.RPCFramesTotal.WithLabelValues("agent_to_client").Inc()
}

// Call sends raw to the sandbox's agent and blocks until the reply with
// requestID arrives or ctx expires. It is how the orchestrator itself talks
// to agents, on the same pending table the client path uses.
func (h *Hub) Call(ctx context.Context, sandboxID, requestID string, raw []byte) ([]byte, error) {
	e := h.entryFor(sandboxID)
	ct := &callTarget{ch: make(chan callResult, 1)}

	e.mu.Lock()
	agent := e.agent
	if agent != nil {
		e.pending[requestID] = ct
	}
	e.mu.Unlock()
	if agent == nil {
		h.gc(sandboxID)
		return nil, ErrAgentNotConnected
	}

	if err := agent.send(raw); err != nil {
		h.dropPending(sandboxID, requestID)
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	metrics.RPCFramesTotal.WithLabelValues("client_to_agent").Inc()

	select {
	case res := <-ct.ch:
		if res.err != nil {
			return nil, res.err
		}
		metrics.RPCFramesTotal.WithLabelValues("agent_to_client").Inc()
		return res.raw, nil
	case <-ctx.Done():
		h.dropPending(sandboxID, requestID)
		return nil, ctx.Err()
	}
}

func (h *Hub) dropPending(sandboxID, requestID string) {
	e := h.lookup(sandboxID)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.pending, requestID)
	e.mu.Unlock()
	h.gc(sandboxID)
}

// HasAgent reports whether an agent currently holds the sandbox's slot.
func (h *Hub) HasAgent(sandboxID string) bool {
	e := h.lookup(sandboxID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent != nil
}

// WaitForAgent blocks until an agent registers for the sandbox, and reports
// whether one arrived before the timeout or ctx expired. Used after a
// container recreation, where the old agent is gone and the new one has to
// dial back in.
func (h *Hub) WaitForAgent(ctx context.Context, sandboxID string, timeout time.Duration) bool {
	e := h.entryFor(sandboxID)

	e.mu.Lock()
	if e.agent != nil {
		e.mu.Unlock()
		return true
	}
	if e.agentWait == nil {
		e.agentWait = make(chan struct{})
	}
	wait := e.agentWait
	e.agentWaiters++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.agentWaiters--
		if e.agentWaiters == 0 && e.agentWait == wait {
			e.agentWait = nil
		}
		e.mu.Unlock()
		h.gc(sandboxID)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wait:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// CloseAll tears down every session for a sandbox. Pending requests fail,
// sockets get a normal-closure frame. Called when the sandbox is destroyed.
func (h *Hub) CloseAll(sandboxID string) {
	h.mu.Lock()
	e, ok := h.entries[sandboxID]
	if ok {
		delete(h.entries, sandboxID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	var orphaned []orphanedCall
	e.mu.Lock()
	agent := e.agent
	e.agent = nil
	clients := make([]*Session, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.clients = make(map[*Session]struct{})
	for id, t := range e.pending {
		orphaned = append(orphaned, orphanedCall{id: id, target: t})
		delete(e.pending, id)
	}
	e.mu.Unlock()

	for _, o := range orphaned {
		o.target.fail(o.id, "sandbox destroyed")
	}
	if agent != nil {
		metrics.AgentSessionsActive.Dec()
		agent.closeWith(websocket.CloseNormalClosure, "sandbox destroyed")
	}
	for _, c := range clients {
		metrics.ClientSessionsActive.Dec()
		c.closeWith(websocket.CloseNormalClosure, "sandbox destroyed")
	}
}

// Shutdown closes every session across all sandboxes.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.entries))
	for id := range h.entries {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.CloseAll(id)
	}
}
