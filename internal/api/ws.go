package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/insien/insien/internal/redis"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // agents and SDKs connect from anywhere
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const closeWriteWait = time.Second

// reject closes a freshly upgraded connection with a close code. Auth
// happens after the upgrade so the caller sees the code instead of a bare
// HTTP error.
func reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	_ = conn.Close()
}

// agentSocket is the in-container agent side of the RPC fabric. The token
// must be the agent JWT minted for this sandbox at creation.
func (s *Server) agentSocket(c echo.Context) error {
	sandboxID := c.Param("id")
	token := c.QueryParam("token")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	if _, err := s.gate.VerifyAgentToken(token, sandboxID); err != nil {
		log.Printf("api: agent auth failed for %s: %v", sandboxID, err)
		reject(conn, websocket.ClosePolicyViolation, "invalid agent token")
		return nil
	}

	sess := s.hub.RegisterAgent(sandboxID, conn)
	defer s.hub.UnregisterAgent(sandboxID, sess)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		s.hub.AgentMessage(sandboxID, raw)
	}
}

// clientSocket is the SDK side of the RPC fabric. The sandbox must be live;
// the caller must own it unless the sandbox was created with unauthenticated
// access (execute path).
func (s *Server) clientSocket(c echo.Context) error {
	sandboxID := c.Param("id")
	ctx := c.Request().Context()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	live, err := s.live.GetLive(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			reject(conn, websocket.ClosePolicyViolation, "unknown sandbox")
		} else {
			log.Printf("api: live lookup for %s: %v", sandboxID, err)
			reject(conn, websocket.CloseInternalServerErr, "sandbox lookup failed")
		}
		return nil
	}

	if !live.AllowUnauthenticated {
		id, err := s.gate.VerifyClientAuth(ctx, clientKey(c), c.Request().Header.Get("Authorization"))
		if err != nil {
			reject(conn, websocket.ClosePolicyViolation, "authentication required")
			return nil
		}
		if id.UserID.String() != live.UserID {
			reject(conn, websocket.ClosePolicyViolation, "sandbox belongs to another user")
			return nil
		}
	}

	sess := s.hub.RegisterClient(sandboxID, conn)
	defer s.hub.UnregisterClient(sandboxID, sess)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		s.hub.ClientMessage(sandboxID, sess, raw)
	}
}

// unknownSocket answers WebSocket upgrades on unrecognized paths with a
// close instead of a silent HTTP 404.
func (s *Server) unknownSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	reject(conn, websocket.CloseUnsupportedData, "unknown path")
	return nil
}

func clientKey(c echo.Context) string {
	if k := c.QueryParam("apiKey"); k != "" {
		return k
	}
	return c.Request().Header.Get("X-API-Key")
}
