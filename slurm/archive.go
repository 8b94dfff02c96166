package slurm

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ArchiveCheckpoints packs a checkpoint directory into a .tar.gz archive at
// outPath and returns the base names of the archived entries. The directory's
// parent is used as the tar working directory so the archive unpacks into a
// single top-level directory.
func ArchiveCheckpoints(checkpointDir, outPath string) ([]string, error) {
	info, err := os.Stat(checkpointDir)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint directory %q not accessible", checkpointDir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%q is not a directory", checkpointDir)
	}
	entries, err := os.ReadDir(checkpointDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoint directory %q", checkpointDir)
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("checkpoint directory %q is empty, nothing to archive", checkpointDir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	absOut, err := filepath.Abs(outPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve archive path %q", outPath)
	}
	if !strings.HasSuffix(absOut, ".tar.gz") && !strings.HasSuffix(absOut, ".tgz") {
		absOut += ".tar.gz"
	}
	parent, base := filepath.Split(filepath.Clean(checkpointDir))
	if parent == "" {
		parent = "."
	}
	cmd := exec.Command("tar", "czf", absOut, base)
	cmd.Dir = parent
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed to run %q", cmd)
	}
	klog.V(1).Infof("archived %d checkpoint entries from %q to %q", len(names), checkpointDir, absOut)
	return names, nil
}
