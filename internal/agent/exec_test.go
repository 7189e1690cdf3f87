package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insien/insien/pkg/types"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	return New(Config{
		OrchestratorURL: "ws://unused",
		SandboxID:       "sbx-test",
		Token:           "tok",
		WorkDir:         t.TempDir(),
	})
}

func TestRunExecCapturesOutput(t *testing.T) {
	a := testAgent(t)

	resp := a.runExec(context.Background(), &types.ExecFrame{
		ID: "1", Type: types.FrameExec, Cmd: "sh", Args: []string{"-c", "echo out; echo err >&2"},
	})

	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, types.FrameExecResponse, resp.Type)
	assert.Equal(t, "out\n", resp.Stdout)
	assert.Equal(t, "err\n", resp.Stderr)
	assert.Equal(t, 0, resp.ExitCode)
}

func TestRunExecReportsExitCode(t *testing.T) {
	a := testAgent(t)

	resp := a.runExec(context.Background(), &types.ExecFrame{
		ID: "2", Type: types.FrameExec, Cmd: "sh", Args: []string{"-c", "exit 3"},
	})

	assert.Equal(t, 3, resp.ExitCode)
}

func TestRunExecTimesOut(t *testing.T) {
	a := testAgent(t)

	resp := a.runExec(context.Background(), &types.ExecFrame{
		ID: "3", Type: types.FrameExec, Cmd: "sleep", Args: []string{"10"}, TimeoutMS: 100,
	})

	assert.Equal(t, timeoutExitCode, resp.ExitCode)
	assert.Contains(t, resp.Stderr, "timed out")
}

func TestRunExecDefaultsToWorkDir(t *testing.T) {
	a := testAgent(t)
	require.NoError(t, os.WriteFile(filepath.Join(a.cfg.WorkDir, "probe"), []byte("here"), 0o644))

	resp := a.runExec(context.Background(), &types.ExecFrame{
		ID: "4", Type: types.FrameExec, Cmd: "cat", Args: []string{"probe"},
	})

	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "here", resp.Stdout)
}

func TestRunExecMergesEnv(t *testing.T) {
	a := testAgent(t)

	resp := a.runExec(context.Background(), &types.ExecFrame{
		ID: "5", Type: types.FrameExec, Cmd: "sh", Args: []string{"-c", "echo $GREETING:$HOME"},
		Env: []string{"GREETING=hello"},
	})

	assert.Equal(t, "hello:"+a.cfg.WorkDir+"\n", resp.Stdout)
}

func TestRunExecUnderPty(t *testing.T) {
	a := testAgent(t)

	resp := a.runExec(context.Background(), &types.ExecFrame{
		ID: "6", Type: types.FrameExec, Cmd: "sh", Args: []string{"-c", "test -t 1 && echo tty"},
		Pty: true,
	})

	assert.Equal(t, 0, resp.ExitCode)
	assert.Contains(t, resp.Stdout, "tty")
}

func TestRunExecMissingBinary(t *testing.T) {
	a := testAgent(t)

	resp := a.runExec(context.Background(), &types.ExecFrame{
		ID: "7", Type: types.FrameExec, Cmd: "definitely-not-a-binary",
	})

	assert.Equal(t, -1, resp.ExitCode)
}

func TestFromEnvRequiresAllInputs(t *testing.T) {
	t.Setenv("ORCHESTRATOR_URL", "ws://orch:8081")
	t.Setenv("SANDBOX_ID", "sbx-9")
	t.Setenv("AGENT_TOKEN", "")

	_, err := FromEnv()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "AGENT_TOKEN"))

	t.Setenv("AGENT_TOKEN", "tok")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ws://orch:8081", cfg.OrchestratorURL)
	assert.Equal(t, defaultWorkDir, cfg.WorkDir)
}
