// Package slurm renders, submits and summarizes SLURM batch jobs that train
// the EVA-CLIP to CLIP flow matching model on a GPU cluster.
//
// A Job is loaded from a small YAML file with the cluster resources and the
// training settings. The package writes the corresponding #SBATCH script,
// submits it with sbatch and reports on the results afterwards.
package slurm

import (
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Job describes a SLURM training job: the cluster resources to request, the
// paths involved and the training settings forwarded to the trainer binary.
type Job struct {
	// SLURM resources.
	Name        string `yaml:"name"`
	Partition   string `yaml:"partition"`
	Account     string `yaml:"account,omitempty"`
	Nodes       int    `yaml:"nodes"`
	GPUs        int    `yaml:"gpus"`
	CPUsPerTask int    `yaml:"cpus_per_task"`
	Memory      string `yaml:"memory"`
	TimeLimit   string `yaml:"time_limit"`

	// Paths.
	Embeddings string `yaml:"embeddings"`  // NPZ artifact with the EVA and CLIP embeddings.
	OutputDir  string `yaml:"output_dir"`  // Checkpoints, logs and generated samples.
	ScratchDir string `yaml:"scratch_dir"` // Node-local or project scratch, holds the caches.
	TrainerBin string `yaml:"trainer_bin"` // Path to the trainer binary.

	// Training settings forwarded to the trainer with --set.
	// Keys are hyperparameter names, e.g. "batch_size" or "learning_rate".
	Settings map[string]string `yaml:"settings,omitempty"`
}

// LoadJob reads a Job from a YAML file, applies defaults and validates it.
func LoadJob(filePath string) (*Job, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job file %q", filePath)
	}
	job := &Job{}
	if err := yaml.Unmarshal(contents, job); err != nil {
		return nil, errors.Wrapf(err, "failed to parse job file %q", filePath)
	}
	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid job file %q", filePath)
	}
	return job, nil
}

// ApplyDefaults fills in the fields that have sensible cluster-independent defaults.
func (j *Job) ApplyDefaults() {
	if j.Name == "" {
		j.Name = "eva2clip-dit"
	}
	if j.Nodes == 0 {
		j.Nodes = 1
	}
	if j.GPUs == 0 {
		j.GPUs = 1
	}
	if j.CPUsPerTask == 0 {
		j.CPUsPerTask = 8
	}
	if j.Memory == "" {
		j.Memory = "64G"
	}
	if j.TimeLimit == "" {
		j.TimeLimit = "24:00:00"
	}
	if j.TrainerBin == "" {
		j.TrainerBin = "eva2clip_train"
	}
	if j.ScratchDir == "" && j.OutputDir != "" {
		j.ScratchDir = path.Join(j.OutputDir, "scratch")
	}
}

// Validate returns an error if the job is missing required fields or requests
// inconsistent resources.
func (j *Job) Validate() error {
	if j.Embeddings == "" {
		return errors.New("job is missing the embeddings artifact path")
	}
	if j.OutputDir == "" {
		return errors.New("job is missing the output directory")
	}
	if j.Partition == "" {
		return errors.New("job is missing the SLURM partition")
	}
	if j.Nodes < 1 || j.GPUs < 1 || j.CPUsPerTask < 1 {
		return errors.Errorf("job resources must be >= 1, got nodes=%d, gpus=%d, cpus_per_task=%d",
			j.Nodes, j.GPUs, j.CPUsPerTask)
	}
	if !isSlurmTime(j.TimeLimit) {
		return errors.Errorf("time_limit %q is not in SLURM [days-]HH:MM:SS format", j.TimeLimit)
	}
	return nil
}

// isSlurmTime accepts the usual [days-]HH:MM:SS SLURM time format.
func isSlurmTime(s string) bool {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '-'); idx > 0 {
		for _, r := range s[:idx] {
			if r < '0' || r > '9' {
				return false
			}
		}
		s = s[idx+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if len(part) == 0 {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// EffectiveBatchSize is the per-device batch size multiplied by the number of
// GPUs requested.
func (j *Job) EffectiveBatchSize() int {
	batchSize := 32
	if v, found := j.Settings["batch_size"]; found {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			klog.Warningf("Job %q has a malformed batch_size setting %q, assuming %d: %v",
				j.Name, v, batchSize, err)
		} else {
			batchSize = parsed
		}
	}
	return batchSize * j.GPUs
}

// Env returns the environment variables that redirect the various caches and
// temporary directories under the job's scratch directory. Cluster home
// directories usually have small quotas, so everything cache-like goes to
// scratch instead.
func (j *Job) Env() map[string]string {
	return map[string]string{
		"XDG_CACHE_HOME": path.Join(j.ScratchDir, "cache"),
		"GOMLX_CACHE":    path.Join(j.ScratchDir, "cache", "gomlx"),
		"HF_HOME":        path.Join(j.ScratchDir, "cache", "huggingface"),
		"TMPDIR":         path.Join(j.ScratchDir, "tmp"),
	}
}

// SortedEnv returns the Env() entries as sorted "KEY=value" pairs, for
// deterministic script rendering.
func (j *Job) SortedEnv() []string {
	env := j.Env()
	pairs := make([]string, 0, len(env))
	for key, value := range env {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return pairs
}

// TrainArgs returns the command-line arguments for the trainer binary: the
// artifact and checkpoint paths plus the hyperparameter settings.
func (j *Job) TrainArgs() []string {
	args := []string{
		"--embeddings=" + j.Embeddings,
		"--checkpoint=" + j.OutputDir,
	}
	if len(j.Settings) == 0 {
		return args
	}
	keys := make([]string, 0, len(j.Settings))
	for key := range j.Settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	settings := make([]string, 0, len(keys))
	for _, key := range keys {
		settings = append(settings, key+"="+j.Settings[key])
	}
	args = append(args, "--set="+strings.Join(settings, ";"))
	return args
}

// LogPath is where the job's stdout+stderr ends up.
func (j *Job) LogPath() string {
	return path.Join(j.OutputDir, j.Name+"-%j.out")
}

// ScriptPath is where the rendered batch script is written before submission.
func (j *Job) ScriptPath() string {
	return path.Join(j.OutputDir, j.Name+".sbatch")
}
