package types

import (
	"encoding/json"
	"fmt"
)

// Frame is the routed envelope of every RPC message. The hub reads only ID
// and Type; payloads are forwarded as received.
type Frame struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Frame types understood by the agent. The hub forwards any type; this list
// is the agent's contract, not the router's.
const (
	FrameExec          = "exec"
	FrameExecResponse  = "execResponse"
	FrameWrite         = "write"
	FrameWriteResponse = "writeResponse"
	FrameRead          = "read"
	FrameReadResponse  = "readResponse"
	FrameError         = "error"
)

// ParseFrame extracts the routing envelope from a raw message.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.ID == "" || f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing id or type")
	}
	return f, nil
}

// ErrorFrame builds the error envelope sent back to a client, echoing the
// id of the message that failed.
func ErrorFrame(id, msg string) []byte {
	raw, _ := json.Marshal(struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Error string `json:"error"`
	}{ID: id, Type: FrameError, Error: msg})
	return raw
}

// ExecFrame asks the agent to run a command inside the sandbox.
type ExecFrame struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"` // "exec"
	Cmd       string   `json:"cmd"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Env       []string `json:"env,omitempty"`
	TimeoutMS int      `json:"timeoutMs,omitempty"`
	Pty       bool     `json:"pty,omitempty"` // run under a pseudo-terminal
}

// ExecResponseFrame is the agent's reply to an exec frame.
type ExecResponseFrame struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "execResponse"
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// WriteFrame asks the agent to write a file inside the sandbox.
type WriteFrame struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // "write"
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteResponseFrame is the agent's reply to a write frame.
type WriteResponseFrame struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // "writeResponse"
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ReadFrame asks the agent to read a file inside the sandbox.
type ReadFrame struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "read"
	Path string `json:"path"`
}

// ReadResponseFrame is the agent's reply to a read frame.
type ReadResponseFrame struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // "readResponse"
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}
