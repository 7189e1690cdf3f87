package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/insien/insien/pkg/types"
)

const (
	defaultExecuteTimeout = 30 * time.Second
	compileTimeout        = 60 * time.Second
	agentConnectWait      = 30 * time.Second

	// rpcGrace pads the RPC deadline past the agent-side command timeout so
	// the agent's own timeout result (exit 124) makes it back.
	rpcGrace = 10 * time.Second
)

// languageSpec describes how one supported language is written, compiled
// and run inside a sandbox. The working directory is the agent's /app.
type languageSpec struct {
	file    string
	compile []string // empty for interpreted languages
	run     []string
}

var languages = map[string]languageSpec{
	"javascript": {file: "main.js", run: []string{"node", "main.js"}},
	"typescript": {file: "main.ts", run: []string{"ts-node", "main.ts"}},
	"python":     {file: "main.py", run: []string{"python3", "main.py"}},
	"java":       {file: "Main.java", compile: []string{"javac", "Main.java"}, run: []string{"java", "Main"}},
	"cpp":        {file: "main.cpp", compile: []string{"g++", "-std=c++17", "-o", "main", "main.cpp"}, run: []string{"./main"}},
	"c":          {file: "main.c", compile: []string{"gcc", "-o", "main", "main.c"}, run: []string{"./main"}},
	"go":         {file: "main.go", run: []string{"go", "run", "main.go"}},
	"rust":       {file: "main.rs", compile: []string{"rustc", "-o", "main", "main.rs"}, run: []string{"./main"}},
}

// javaClassRe finds the public class: javac requires the file to carry its
// name.
var javaClassRe = regexp.MustCompile(`public\s+class\s+(\w+)`)

func languageFor(name, code string) (languageSpec, error) {
	spec, ok := languages[name]
	if !ok {
		return languageSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
	if name == "java" {
		if match := javaClassRe.FindStringSubmatch(code); match != nil && match[1] != "Main" {
			class := match[1]
			spec.file = class + ".java"
			spec.compile = []string{"javac", spec.file}
			spec.run = []string{"java", class}
		}
	}
	return spec, nil
}

// Execute runs one piece of code in a throwaway sandbox: write the source
// over RPC, compile if the language needs it, run, and tear the sandbox
// down whatever the outcome. The sandbox admits unauthenticated client
// sessions since the caller never receives credentials for it.
func (m *Manager) Execute(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier, req *types.ExecuteRequest) (*types.ExecuteResponse, error) {
	lang, err := languageFor(req.Language, req.Code)
	if err != nil {
		return nil, err
	}
	timeout := defaultExecuteTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	created, err := m.create(ctx, userID, credentialID, tier, true)
	if err != nil {
		return nil, err
	}
	sandboxID := created.SandboxID
	id := uuid.MustParse(sandboxID)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.destroyByID(dctx, id); err != nil {
			log.Printf("sandbox: cleaning up execute sandbox %s: %v", sandboxID, err)
		}
	}()

	if !m.hub.WaitForAgent(ctx, sandboxID, agentConnectWait) {
		return nil, fmt.Errorf("agent for sandbox %s did not connect", sandboxID)
	}

	if err := m.writeFile(ctx, sandboxID, lang.file, req.Code); err != nil {
		return nil, err
	}

	resp := &types.ExecuteResponse{}
	if len(lang.compile) > 0 {
		out, err := m.execCommand(ctx, sandboxID, lang.compile, compileTimeout)
		if err != nil {
			return nil, err
		}
		resp.CompileResult = &types.CompileResult{
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: out.ExitCode,
		}
		if out.ExitCode != 0 {
			resp.Stderr = out.Stderr
			resp.ExitCode = out.ExitCode
			return resp, nil
		}
	}

	out, err := m.execCommand(ctx, sandboxID, lang.run, timeout)
	if err != nil {
		return nil, err
	}
	resp.Success = out.ExitCode == 0
	resp.Stdout = out.Stdout
	resp.Stderr = out.Stderr
	resp.ExitCode = out.ExitCode
	return resp, nil
}

func (m *Manager) writeFile(ctx context.Context, sandboxID, path, content string) error {
	id := uuid.New().String()
	raw, err := json.Marshal(types.WriteFrame{ID: id, Type: types.FrameWrite, Path: path, Content: content})
	if err != nil {
		return fmt.Errorf("encode write frame: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, rpcGrace)
	defer cancel()
	reply, err := m.hub.Call(cctx, sandboxID, id, raw)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	var res types.WriteResponseFrame
	if err := json.Unmarshal(reply, &res); err != nil {
		return fmt.Errorf("decode write response: %w", err)
	}
	if res.Type == types.FrameError {
		return rpcError(reply)
	}
	if !res.Success {
		return fmt.Errorf("write %s: %s", path, res.Error)
	}
	return nil
}

type execOutcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (m *Manager) execCommand(ctx context.Context, sandboxID string, argv []string, timeout time.Duration) (*execOutcome, error) {
	id := uuid.New().String()
	raw, err := json.Marshal(types.ExecFrame{
		ID:        id,
		Type:      types.FrameExec,
		Cmd:       argv[0],
		Args:      argv[1:],
		TimeoutMS: int(timeout / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("encode exec frame: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout+rpcGrace)
	defer cancel()
	reply, err := m.hub.Call(cctx, sandboxID, id, raw)
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w", argv[0], err)
	}

	var res types.ExecResponseFrame
	if err := json.Unmarshal(reply, &res); err != nil {
		return nil, fmt.Errorf("decode exec response: %w", err)
	}
	if res.Type == types.FrameError {
		return nil, rpcError(reply)
	}
	return &execOutcome{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// rpcError surfaces the error envelope an agent sends in place of a typed
// response.
func rpcError(raw []byte) error {
	var frame struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Error == "" {
		return fmt.Errorf("agent returned an error")
	}
	return fmt.Errorf("agent error: %s", frame.Error)
}
