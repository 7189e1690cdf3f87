package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insien/insien/pkg/types"
)

func TestWriteFileCreatesParents(t *testing.T) {
	a := testAgent(t)

	resp := a.writeFile(&types.WriteFrame{
		ID: "1", Type: types.FrameWrite, Path: "nested/dir/main.py", Content: "print(1)",
	})

	require.True(t, resp.Success, "write failed: %s", resp.Error)
	data, err := os.ReadFile(filepath.Join(a.cfg.WorkDir, "nested/dir/main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))
}

func TestWriteFileHonorsAbsolutePath(t *testing.T) {
	a := testAgent(t)
	target := filepath.Join(t.TempDir(), "out.txt")

	resp := a.writeFile(&types.WriteFrame{ID: "2", Type: types.FrameWrite, Path: target, Content: "x"})

	require.True(t, resp.Success)
	_, err := os.Stat(target)
	assert.NoError(t, err)
}

func TestReadFileReturnsContent(t *testing.T) {
	a := testAgent(t)
	require.NoError(t, os.WriteFile(filepath.Join(a.cfg.WorkDir, "data.txt"), []byte("payload"), 0o644))

	resp := a.readFile(&types.ReadFrame{ID: "3", Type: types.FrameRead, Path: "data.txt"})

	assert.Equal(t, types.FrameReadResponse, resp.Type)
	assert.Equal(t, "payload", resp.Content)
	assert.Empty(t, resp.Error)
}

func TestReadFileReportsMissing(t *testing.T) {
	a := testAgent(t)

	resp := a.readFile(&types.ReadFrame{ID: "4", Type: types.FrameRead, Path: "ghost.txt"})

	assert.Empty(t, resp.Content)
	assert.NotEmpty(t, resp.Error)
}
