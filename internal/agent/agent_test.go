package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insien/insien/pkg/types"
)

// TestAgentServesFramesOverSocket runs the full loop: dial, receive an exec
// frame, reply with its response.
func TestAgentServesFramesOverSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	responses := make(chan []byte, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/sbx-1", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("token"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"id":"1","type":"exec","cmd":"echo","args":["hi"]}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"id":"2","type":"bogus"}`))

		for i := 0; i < 2; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			responses <- raw
		}
	}))
	defer srv.Close()

	a := New(Config{
		OrchestratorURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		SandboxID:       "sbx-1",
		Token:           "tok",
		WorkDir:         t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	got := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		select {
		case raw := <-responses:
			var msg map[string]any
			require.NoError(t, json.Unmarshal(raw, &msg))
			got[msg["id"].(string)] = msg
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for agent responses")
		}
	}

	exec := got["1"]
	require.NotNil(t, exec)
	assert.Equal(t, "execResponse", exec["type"])
	assert.Equal(t, "hi\n", exec["stdout"])

	unknown := got["2"]
	require.NotNil(t, unknown)
	assert.Equal(t, types.FrameError, unknown["type"])
	assert.Contains(t, unknown["error"], "unknown frame type")
}
