package agent

import (
	"os"
	"path/filepath"

	"github.com/insien/insien/pkg/types"
)

// resolvePath roots relative paths in the sandbox workdir. Absolute paths
// are honored; container isolation is the security boundary, not the agent.
func (a *Agent) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(a.cfg.WorkDir, path)
}

func (a *Agent) writeFile(req *types.WriteFrame) *types.WriteResponseFrame {
	resp := &types.WriteResponseFrame{ID: req.ID, Type: types.FrameWriteResponse}

	path := a.resolvePath(req.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		resp.Error = err.Error()
		return resp
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Success = true
	return resp
}

func (a *Agent) readFile(req *types.ReadFrame) *types.ReadResponseFrame {
	resp := &types.ReadResponseFrame{ID: req.ID, Type: types.FrameReadResponse}

	data, err := os.ReadFile(a.resolvePath(req.Path))
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Content = string(data)
	return resp
}
