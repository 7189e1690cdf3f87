package agent

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/insien/insien/pkg/types"
)

const (
	defaultExecTimeout = 60 * time.Second
	timeoutExitCode    = 124 // same convention as coreutils timeout(1)
)

// baseEnv is the container environment with HOME pinned to the workdir so
// interpreters and package managers write their caches there.
func (a *Agent) baseEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "HOME=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, "HOME="+a.cfg.WorkDir)
}

// runExec runs one command to completion and returns its response frame.
func (a *Agent) runExec(ctx context.Context, req *types.ExecFrame) *types.ExecResponseFrame {
	timeout := defaultExecTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Cmd, req.Args...)
	cmd.Dir = req.Cwd
	if cmd.Dir == "" {
		cmd.Dir = a.cfg.WorkDir
	}
	cmd.Env = append(a.baseEnv(), req.Env...)
	// Whole process group dies together on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	resp := &types.ExecResponseFrame{ID: req.ID, Type: types.FrameExecResponse}

	if req.Pty {
		stdout, err := a.runUnderPty(cmd)
		resp.Stdout = stdout
		if err != nil {
			resp.ExitCode = exitCodeOf(err)
		}
	} else {
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		resp.Stdout = stdout.String()
		resp.Stderr = stderr.String()
		if err != nil {
			resp.ExitCode = exitCodeOf(err)
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		resp.ExitCode = timeoutExitCode
		if resp.Stderr != "" {
			resp.Stderr += "\n"
		}
		resp.Stderr += "command timed out after " + timeout.String()
	}
	return resp
}

// runUnderPty runs the command attached to a pseudo-terminal and captures
// the combined output. Programs that refuse to run without a tty take this
// path; output streaming is not part of the exec contract.
func (a *Agent) runUnderPty(cmd *exec.Cmd) (string, error) {
	// Setsid is implied by pty start and conflicts with Setpgid.
	cmd.SysProcAttr = nil
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", err
	}
	defer ptmx.Close()

	var out bytes.Buffer
	_, _ = io.Copy(&out, ptmx) // read errors mean the slave side closed
	err = cmd.Wait()
	return out.String(), err
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
