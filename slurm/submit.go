package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Hafeezmhk7/eva-clip-v3/embeddings"
)

// Preflight checks that the job can run before anything is submitted: the
// embeddings artifact must exist and hold valid EVA and CLIP tensors, and the
// output and scratch directories must be creatable.
func Preflight(job *Job) error {
	artifact, err := embeddings.Load(job.Embeddings)
	if err != nil {
		return errors.WithMessagef(err, "preflight failed for job %q", job.Name)
	}
	klog.V(1).Infof("preflight: embeddings artifact %q holds %d samples (%s)",
		job.Embeddings, artifact.NumSamples, humanize.Bytes(uint64(artifact.Memory())))
	for _, dir := range []string{job.OutputDir, job.ScratchDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "preflight failed to create directory %q", dir)
		}
	}
	return nil
}

var submittedJobRegex = regexp.MustCompile(`Submitted batch job (\d+)`)

// Submit renders the job's batch script, writes it next to the job's outputs
// and submits it with sbatch. It returns the SLURM job id.
func Submit(ctx context.Context, job *Job) (jobID int, err error) {
	script, err := RenderScript(job)
	if err != nil {
		return 0, err
	}
	scriptPath := job.ScriptPath()
	if err = os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to write batch script %q", scriptPath)
	}
	cmd := exec.CommandContext(ctx, "sbatch", scriptPath)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = os.Stderr
	if err = cmd.Run(); err != nil {
		return 0, errors.Wrapf(err, "failed to run %q", cmd)
	}
	matches := submittedJobRegex.FindStringSubmatch(output.String())
	if len(matches) != 2 {
		return 0, errors.Errorf("could not parse sbatch output %q", strings.TrimSpace(output.String()))
	}
	jobID, err = strconv.Atoi(matches[1])
	if err != nil {
		return 0, errors.Wrapf(err, "could not parse job id from sbatch output %q", output.String())
	}
	return jobID, nil
}

// RunResult is the outcome of a training run, either local or from a SLURM job.
type RunResult struct {
	Job      *Job
	ExitCode int
	LogTail  string // Last lines of the run's output, reported on failure.
}

// RunLocal runs the trainer binary in-process instead of submitting to SLURM.
// The cache redirection environment is applied the same way the batch script
// would. The trainer's exit code is captured in the returned RunResult.
func RunLocal(ctx context.Context, job *Job) (*RunResult, error) {
	if err := Preflight(job); err != nil {
		return nil, err
	}
	for _, dir := range job.Env() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create cache directory %q", dir)
		}
	}
	cmd := exec.CommandContext(ctx, job.TrainerBin, job.TrainArgs()...)
	cmd.Env = append(os.Environ(), job.SortedEnv()...)
	var tail tailBuffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &tail
	err := cmd.Run()
	result := &RunResult{Job: job, LogTail: tail.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, errors.Wrapf(err, "failed to run %q", cmd)
	}
	return result, nil
}

// tailBuffer keeps the last chunk of everything written to it while also
// copying it to stderr, so failures leave both a live log and a tail to report.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailBufferLimit = 8 * 1024

func (t *tailBuffer) Write(p []byte) (int, error) {
	_, _ = os.Stderr.Write(p)
	t.buf.Write(p)
	if t.buf.Len() > tailBufferLimit {
		contents := t.buf.Bytes()
		t.buf = *bytes.NewBuffer(append([]byte(nil), contents[len(contents)-tailBufferLimit:]...))
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

// Summarize prints a post-run summary: on success an inventory of the
// checkpoints produced, on failure the exit code, the tail of the log and the
// current GPU state.
func Summarize(result *RunResult) string {
	var sb strings.Builder
	if result.ExitCode == 0 {
		fmt.Fprintf(&sb, "Job %q finished successfully.\n", result.Job.Name)
		fmt.Fprintf(&sb, "Checkpoints in %s:\n", result.Job.OutputDir)
		entries, err := os.ReadDir(result.Job.OutputDir)
		if err != nil {
			fmt.Fprintf(&sb, "\t(could not list output directory: %v)\n", err)
			return sb.String()
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.IsDir() {
				fmt.Fprintf(&sb, "\t%s/\n", entry.Name())
			} else {
				fmt.Fprintf(&sb, "\t%s\t%s\n", entry.Name(), humanize.Bytes(uint64(info.Size())))
			}
		}
		return sb.String()
	}

	fmt.Fprintf(&sb, "Job %q FAILED with exit code %d.\n", result.Job.Name, result.ExitCode)
	if result.LogTail != "" {
		fmt.Fprintf(&sb, "--- log tail ---\n%s\n", strings.TrimSpace(result.LogTail))
	}
	fmt.Fprintf(&sb, "--- GPU state ---\n%s\n", gpuState())
	return sb.String()
}

// gpuState returns the nvidia-smi output, or a note when it is unavailable.
func gpuState() string {
	output, err := exec.Command("nvidia-smi").CombinedOutput()
	if err != nil {
		return fmt.Sprintf("(nvidia-smi unavailable: %v)", err)
	}
	return strings.TrimSpace(string(output))
}

// LatestLog returns the path of the most recent SLURM log file for the job,
// or an empty string when none exists yet.
func LatestLog(job *Job) string {
	pattern := strings.ReplaceAll(job.LogPath(), "%j", "*")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}
