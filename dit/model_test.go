package dit

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafeezmhk7/eva-clip-v3/embeddings"
)

// smallModelContext returns a context with a model small enough for tests.
func smallModelContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"dit_embed_dim":   48,
		"dit_num_layers":  2,
		"dit_num_heads":   4,
		"time_embed_size": 16,
	})
	return ctx
}

func TestSinusoidalEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallModelContext()
	g := NewGraph(backend, "sinusoidal")
	times := Zeros(g, shapes.Make(dtypes.Float32, 3, 1, 1))
	embed := SinusoidalEmbedding(ctx, times)
	require.NotNil(t, embed)
	assert.Equal(t, []int{3, 1, 16}, embed.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, embed.DType())
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallModelContext()
	g := NewGraph(backend, "model")
	noisy := Zeros(g, shapes.Make(dtypes.Float32, 2, embeddings.NumTokens, embeddings.CLIPDim))
	times := Zeros(g, shapes.Make(dtypes.Float32, 2, 1, 1))
	conditioning := Zeros(g, shapes.Make(dtypes.Float32, 2, embeddings.NumTokens, embeddings.EVADim))
	velocity := ModelGraph(ctx, nil, noisy, times, conditioning)
	require.NotNil(t, velocity)
	assert.Equal(t, []int{2, embeddings.NumTokens, embeddings.CLIPDim}, velocity.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, velocity.DType())
}

func TestMidPointODEStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallModelContext()
	g := NewGraph(backend, "midpoint")
	noisy := Zeros(g, shapes.Make(dtypes.Float32, 2, embeddings.NumTokens, embeddings.CLIPDim))
	conditioning := Zeros(g, shapes.Make(dtypes.Float32, 2, embeddings.NumTokens, embeddings.EVADim))
	startTime := Scalar(g, dtypes.Float32, 0.0)
	endTime := Scalar(g, dtypes.Float32, 0.5)
	moved := MidPointODEStep(ctx, noisy, conditioning, startTime, endTime)
	require.NotNil(t, moved)
	assert.Equal(t, noisy.Shape().Dimensions, moved.Shape().Dimensions)
}
