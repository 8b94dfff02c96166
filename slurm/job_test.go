package slurm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJobYAML = `
name: eva2clip-test
partition: gpu
account: proj0001
gpus: 4
cpus_per_task: 16
memory: 120G
time_limit: "12:00:00"
embeddings: /data/embeddings.npz
output_dir: /checkpoints/run1
settings:
  batch_size: "32"
  learning_rate: "1e-4"
  train_steps: "100000"
`

func writeTestJob(t *testing.T, contents string) string {
	t.Helper()
	jobPath := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(jobPath, []byte(contents), 0644))
	return jobPath
}

func TestLoadJob(t *testing.T) {
	job, err := LoadJob(writeTestJob(t, testJobYAML))
	require.NoError(t, err)
	assert.Equal(t, "eva2clip-test", job.Name)
	assert.Equal(t, "gpu", job.Partition)
	assert.Equal(t, 4, job.GPUs)
	assert.Equal(t, "/data/embeddings.npz", job.Embeddings)

	// Defaults filled in for omitted fields.
	assert.Equal(t, 1, job.Nodes)
	assert.Equal(t, "eva2clip_train", job.TrainerBin)
	assert.Equal(t, "/checkpoints/run1/scratch", job.ScratchDir)
}

func TestLoadJobValidation(t *testing.T) {
	_, err := LoadJob(writeTestJob(t, "name: x\npartition: gpu\noutput_dir: /out\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embeddings")

	_, err = LoadJob(writeTestJob(t, "name: x\nembeddings: /e.npz\noutput_dir: /out\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition")

	_, err = LoadJob(writeTestJob(t,
		"partition: gpu\nembeddings: /e.npz\noutput_dir: /out\ntime_limit: tomorrow\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time_limit")

	// Day prefix is accepted.
	_, err = LoadJob(writeTestJob(t,
		"partition: gpu\nembeddings: /e.npz\noutput_dir: /out\ntime_limit: 2-00:00:00\n"))
	require.NoError(t, err)
}

func TestEffectiveBatchSize(t *testing.T) {
	job, err := LoadJob(writeTestJob(t, testJobYAML))
	require.NoError(t, err)
	assert.Equal(t, 32*4, job.EffectiveBatchSize())

	// Default batch size when not set.
	job.Settings = nil
	assert.Equal(t, 32*4, job.EffectiveBatchSize())

	// A malformed batch_size setting falls back to the default.
	job.Settings = map[string]string{"batch_size": "lots"}
	assert.Equal(t, 32*4, job.EffectiveBatchSize())
}

func TestJobEnv(t *testing.T) {
	job, err := LoadJob(writeTestJob(t, testJobYAML))
	require.NoError(t, err)
	env := job.Env()
	for _, key := range []string{"XDG_CACHE_HOME", "GOMLX_CACHE", "TMPDIR", "HF_HOME"} {
		assert.Contains(t, env, key)
		assert.Contains(t, env[key], job.ScratchDir, "cache %s must live under the scratch dir", key)
	}
}

func TestTrainArgs(t *testing.T) {
	job, err := LoadJob(writeTestJob(t, testJobYAML))
	require.NoError(t, err)
	args := job.TrainArgs()
	require.Len(t, args, 3)
	assert.Equal(t, "--embeddings=/data/embeddings.npz", args[0])
	assert.Equal(t, "--checkpoint=/checkpoints/run1", args[1])
	assert.Equal(t, "--set=batch_size=32;learning_rate=1e-4;train_steps=100000", args[2])
}
