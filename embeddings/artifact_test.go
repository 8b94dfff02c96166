package embeddings

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEntries returns a minimal valid artifact mapping with numSamples examples.
func testEntries(t *testing.T, numSamples int) map[string]*tensors.Tensor {
	t.Helper()
	return map[string]*tensors.Tensor{
		KeyEVA:  zeros(numSamples, NumTokens, EVADim),
		KeyCLIP: zeros(numSamples, NumTokens, CLIPDim),
	}
}

func zeros(dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return tensors.FromFlatDataAndDimensions(make([]float32, size), dims...)
}

func TestValidate(t *testing.T) {
	// Both required keys with the right shapes: accepted, any numSamples.
	require.NoError(t, Validate(testEntries(t, 2)))
	require.NoError(t, Validate(testEntries(t, 1)))

	// Extra unknown keys are ignored.
	entries := testEntries(t, 2)
	entries["extraction_timestamp"] = tensors.FromScalar(int64(1700000000))
	require.NoError(t, Validate(entries))

	// Matching num_samples accepted, mismatching rejected.
	entries = testEntries(t, 3)
	entries[KeyNumSamples] = tensors.FromScalar(int64(3))
	require.NoError(t, Validate(entries))
	entries[KeyNumSamples] = tensors.FromScalar(int64(7))
	require.ErrorContains(t, Validate(entries), KeyNumSamples)

	// Missing either required key is rejected, naming the key.
	entries = testEntries(t, 2)
	delete(entries, KeyEVA)
	require.ErrorContains(t, Validate(entries), KeyEVA)
	entries = testEntries(t, 2)
	delete(entries, KeyCLIP)
	require.ErrorContains(t, Validate(entries), KeyCLIP)
}

func TestValidateShapes(t *testing.T) {
	// Wrong trailing dimensions.
	entries := testEntries(t, 2)
	entries[KeyEVA] = zeros(2, NumTokens, 2048)
	require.Error(t, Validate(entries))

	entries = testEntries(t, 2)
	entries[KeyCLIP] = zeros(2, 32, CLIPDim)
	require.Error(t, Validate(entries))

	// Wrong rank.
	entries = testEntries(t, 2)
	entries[KeyCLIP] = zeros(2, NumTokens*CLIPDim)
	require.Error(t, Validate(entries))

	// Example counts must match between the two tensors.
	entries = testEntries(t, 2)
	entries[KeyCLIP] = zeros(3, NumTokens, CLIPDim)
	require.ErrorContains(t, Validate(entries), "must match")

	// Non-float embeddings are rejected.
	entries = testEntries(t, 1)
	intData := make([]int32, NumTokens*EVADim)
	entries[KeyEVA] = tensors.FromFlatDataAndDimensions(intData, 1, NumTokens, EVADim)
	require.ErrorContains(t, Validate(entries), "float")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embeddings.npz")

	entries := testEntries(t, 2)
	entries[KeyNumSamples] = tensors.FromScalar(int64(2))
	entries[KeyNumGPUs] = tensors.FromScalar(int64(4))
	entries[KeyBatchSize] = tensors.FromScalar(int64(32))
	require.NoError(t, numpy.ToNpzFile(entries, path))

	a, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, a.NumSamples)
	assert.Equal(t, 4, a.NumGPUs)
	assert.Equal(t, 32, a.BatchSize)
	assert.Equal(t, path, a.Path)
	assert.NotEmpty(t, a.Summary())

	// A missing file is an error, not a panic.
	_, err = Load(filepath.Join(dir, "no_such_file.npz"))
	require.Error(t, err)

	// A file missing a required key fails to load.
	badPath := filepath.Join(dir, "bad.npz")
	bad := map[string]*tensors.Tensor{KeyEVA: entries[KeyEVA]}
	require.NoError(t, numpy.ToNpzFile(bad, badPath))
	_, err = Load(badPath)
	require.ErrorContains(t, err, KeyCLIP)
}

func TestFromTensorsMalformedScalars(t *testing.T) {
	// Malformed optional scalars are ignored with a warning, not silently
	// folded into a bogus value.
	entries := testEntries(t, 2)
	entries[KeyNumGPUs] = zeros(2) // not a scalar
	entries[KeyBatchSize] = tensors.FromScalar(int64(32))
	a, err := FromTensors(entries)
	require.NoError(t, err)
	assert.Equal(t, 0, a.NumGPUs)
	assert.Equal(t, 32, a.BatchSize)
}
