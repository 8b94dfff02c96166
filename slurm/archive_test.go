package slurm

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveCheckpoints(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	dir := t.TempDir()
	checkpointDir := filepath.Join(dir, "run1")
	require.NoError(t, os.MkdirAll(checkpointDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(checkpointDir, "checkpoint-00001.bin"), []byte("weights"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(checkpointDir, "checkpoint-00002.bin"), []byte("weights"), 0644))

	outPath := filepath.Join(dir, "run1-archive") // Suffix added automatically.
	names, err := ArchiveCheckpoints(checkpointDir, outPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint-00001.bin", "checkpoint-00002.bin"}, names)

	info, err := os.Stat(outPath + ".tar.gz")
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestArchiveCheckpointsErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ArchiveCheckpoints(filepath.Join(dir, "missing"), filepath.Join(dir, "out.tar.gz"))
	require.Error(t, err)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.MkdirAll(empty, 0755))
	_, err = ArchiveCheckpoints(empty, filepath.Join(dir, "out.tar.gz"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to archive")

	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0644))
	_, err = ArchiveCheckpoints(filePath, filepath.Join(dir, "out.tar.gz"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}
