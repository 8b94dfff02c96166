package dit

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafeezmhk7/eva-clip-v3/embeddings"
)

func testArtifact(t *testing.T, numSamples int) *embeddings.Artifact {
	t.Helper()
	entries := map[string]*tensors.Tensor{
		embeddings.KeyEVA: tensors.FromFlatDataAndDimensions(
			make([]float32, numSamples*embeddings.NumTokens*embeddings.EVADim),
			numSamples, embeddings.NumTokens, embeddings.EVADim),
		embeddings.KeyCLIP: tensors.FromFlatDataAndDimensions(
			make([]float32, numSamples*embeddings.NumTokens*embeddings.CLIPDim),
			numSamples, embeddings.NumTokens, embeddings.CLIPDim),
	}
	artifact, err := embeddings.FromTensors(entries)
	require.NoError(t, err)
	return artifact
}

func TestNewConfig(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam("dtype", "float16")
	ctx.SetParam("batch_size", 8)

	config := NewConfig(backend, ctx, testArtifact(t, 4), nil)
	assert.Equal(t, dtypes.Float16, config.DType)
	assert.Equal(t, 8, config.BatchSize)
	assert.Nil(t, config.NanLogger)

	// A random experiment run name is assigned when none is set.
	run, found := ctx.GetParam("experiment_run")
	require.True(t, found)
	assert.Len(t, run, 8)
}

func TestGenerateNoise(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	config := NewConfig(backend, ctx, testArtifact(t, 4), nil)

	noise := config.GenerateNoise(3)
	assert.Equal(t, []int{3, embeddings.NumTokens, embeddings.CLIPDim}, noise.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, noise.DType())
}

func TestSampleConditioning(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	config := NewConfig(backend, ctx, testArtifact(t, 4), nil)

	cond, err := config.SampleConditioning(2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, embeddings.NumTokens, embeddings.EVADim}, cond.Shape().Dimensions)

	_, err = config.SampleConditioning(5)
	require.Error(t, err)
}
