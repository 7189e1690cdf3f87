// Package hub cross-connects SDK client sessions with in-container agents:
// one agent and any number of clients per sandbox, request/response frames
// matched by id.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insien/insien/pkg/types"
)

const closeGracePeriod = time.Second

// wsConn is the slice of *websocket.Conn the hub writes to. The read pumps
// stay with the HTTP handlers that own the sockets.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session is one registered websocket. All writes go through the session
// mutex: gorilla permits a single concurrent writer per connection.
type Session struct {
	conn wsConn
	mu   sync.Mutex
}

func newSession(conn wsConn) *Session {
	return &Session{conn: conn}
}

func (s *Session) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame with the given code, then drops the socket.
func (s *Session) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	s.mu.Unlock()
	_ = s.conn.Close()
}

// replyTarget receives the agent's answer to one pending request: either a
// client session or an internal call waiting on a channel.
type replyTarget interface {
	deliver(raw []byte)
	fail(requestID, reason string)
}

type clientTarget struct {
	sess *Session
}

func (t *clientTarget) deliver(raw []byte) {
	_ = t.sess.send(raw)
}

func (t *clientTarget) fail(requestID, reason string) {
	_ = t.sess.send(types.ErrorFrame(requestID, reason))
}

type callResult struct {
	raw []byte
	err error
}

type callTarget struct {
	ch chan callResult
}

func (t *callTarget) deliver(raw []byte) {
	select {
	case t.ch <- callResult{raw: raw}:
	default:
	}
}

func (t *callTarget) fail(_, reason string) {
	select {
	case t.ch <- callResult{err: errors.New(reason)}:
	default:
	}
}
