package dit

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingDatasetsEpochs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam("batch_size", 2)
	ctx.SetParam("validation_fraction", 0.0)
	config := NewConfig(backend, ctx, testArtifact(t, 8), nil)

	// Training by epochs: every pass over the data must end with io.EOF,
	// otherwise Loop.RunEpochs never finishes the first epoch.
	trainDS, evalDatasets := trainingDatasets(config, 1)
	require.NotEmpty(t, evalDatasets)
	numBatches := 0
	for {
		_, _, _, err := trainDS.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		numBatches++
		require.Less(t, numBatches, 100, "dataset should have yielded io.EOF after one pass")
	}
	assert.Equal(t, 4, numBatches)
}

func TestTrainingDatasetsSteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam("batch_size", 2)
	ctx.SetParam("validation_fraction", 0.0)
	config := NewConfig(backend, ctx, testArtifact(t, 8), nil)

	// Training by steps: the dataset loops forever, well past one pass.
	trainDS, _ := trainingDatasets(config, 0)
	for range 10 {
		_, _, _, err := trainDS.Yield()
		require.NoError(t, err)
	}
}
