package embeddings

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	a, err := FromTensors(testEntries(t, 4))
	require.NoError(t, err)

	trainDS, validationDS, err := a.Datasets(backend, dtypes.Float32, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 3, trainDS.NumExamples())
	require.NotNil(t, validationDS)
	assert.Equal(t, 1, validationDS.NumExamples())

	trainDS.BatchSize(2, true)
	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Empty(t, labels)
	assert.Equal(t, []int{2, NumTokens, EVADim}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, NumTokens, CLIPDim}, inputs[1].Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, inputs[0].DType())

	// No validation split.
	trainDS, validationDS, err = a.Datasets(backend, dtypes.Float32, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, trainDS.NumExamples())
	assert.Nil(t, validationDS)

	// Out-of-range fraction.
	_, _, err = a.Datasets(backend, dtypes.Float32, 1.0)
	require.Error(t, err)
}
