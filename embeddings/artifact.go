// Package embeddings defines the on-disk contract for the precomputed
// EVA-CLIP / CLIP embedding pairs consumed by training.
//
// The artifact is a `.npz` file (numpy zipped archive) produced by an external
// extraction run. It holds one EVA-CLIP token tensor, one CLIP token tensor
// and a few optional scalars describing how the extraction was run.
package embeddings

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// KeyEVA is the archive entry with the EVA-CLIP tokens, shaped [N, NumTokens, EVADim].
	KeyEVA = "eva_embeddings"

	// KeyCLIP is the archive entry with the CLIP tokens, shaped [N, NumTokens, CLIPDim].
	KeyCLIP = "clip_embeddings"

	// KeyNumSamples is an optional scalar entry with the number of examples N.
	KeyNumSamples = "num_samples"

	// KeyNumGPUs and KeyBatchSize are optional scalars recording how the
	// extraction run was configured. They are provenance only and not checked
	// against anything.
	KeyNumGPUs   = "num_gpus"
	KeyBatchSize = "batch_size"
)

const (
	// NumTokens is the number of tokens per example, for both embedding spaces.
	NumTokens = 64

	// EVADim is the per-token dimension of the EVA-CLIP embeddings.
	EVADim = 4096

	// CLIPDim is the per-token dimension of the CLIP embeddings.
	CLIPDim = 1024
)

// Artifact is a loaded and validated embeddings file.
type Artifact struct {
	Path string

	// EVA is shaped [NumSamples, NumTokens, EVADim] and CLIP is shaped
	// [NumSamples, NumTokens, CLIPDim]. Dtypes are whatever the extraction
	// saved (float32 usually, float16 for the large runs); conversion to the
	// training dtype happens when building datasets.
	EVA, CLIP *tensors.Tensor

	NumSamples int

	// NumGPUs and BatchSize are 0 when the extraction didn't record them.
	NumGPUs, BatchSize int
}

// Load reads and validates the embeddings artifact at the given path.
func Load(path string) (*Artifact, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "embeddings artifact %q", path)
	}
	entries, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading embeddings artifact %q", path)
	}
	a, err := FromTensors(entries)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid embeddings artifact %q", path)
	}
	a.Path = path
	return a, nil
}

// FromTensors builds an Artifact from the already deserialized mapping.
// It runs the same validation as Load.
func FromTensors(entries map[string]*tensors.Tensor) (*Artifact, error) {
	if err := Validate(entries); err != nil {
		return nil, err
	}
	a := &Artifact{
		EVA:        entries[KeyEVA],
		CLIP:       entries[KeyCLIP],
		NumSamples: entries[KeyEVA].Shape().Dimensions[0],
	}
	var err error
	if t, found := entries[KeyNumGPUs]; found {
		if a.NumGPUs, err = scalarToInt(t); err != nil {
			klog.Warningf("Ignoring malformed %q entry in embeddings artifact: %v", KeyNumGPUs, err)
		}
	}
	if t, found := entries[KeyBatchSize]; found {
		if a.BatchSize, err = scalarToInt(t); err != nil {
			klog.Warningf("Ignoring malformed %q entry in embeddings artifact: %v", KeyBatchSize, err)
		}
	}
	return a, nil
}

// Validate enforces the artifact invariants: both embedding tensors present,
// rank-3 with the fixed token count and per-token dimensions, a matching
// number of examples, float dtypes, and a consistent "num_samples" scalar when
// one is recorded.
func Validate(entries map[string]*tensors.Tensor) error {
	eva, found := entries[KeyEVA]
	if !found {
		return errors.Errorf("missing required key %q", KeyEVA)
	}
	clip, found := entries[KeyCLIP]
	if !found {
		return errors.Errorf("missing required key %q", KeyCLIP)
	}
	if err := checkEmbeddings(KeyEVA, eva, EVADim); err != nil {
		return err
	}
	if err := checkEmbeddings(KeyCLIP, clip, CLIPDim); err != nil {
		return err
	}
	numSamples := eva.Shape().Dimensions[0]
	if clip.Shape().Dimensions[0] != numSamples {
		return errors.Errorf("%q has %d examples but %q has %d, they must match",
			KeyEVA, numSamples, KeyCLIP, clip.Shape().Dimensions[0])
	}
	if t, found := entries[KeyNumSamples]; found {
		recorded, err := scalarToInt(t)
		if err != nil {
			return errors.WithMessagef(err, "key %q", KeyNumSamples)
		}
		if recorded != numSamples {
			return errors.Errorf("%q records %d samples, but embedding tensors have %d",
				KeyNumSamples, recorded, numSamples)
		}
	}
	return nil
}

func checkEmbeddings(key string, t *tensors.Tensor, wantDim int) error {
	shape := t.Shape()
	if shape.Rank() != 3 {
		return errors.Errorf("%q must be rank-3 shaped [numSamples, %d, %d], got %s",
			key, NumTokens, wantDim, shape)
	}
	if shape.Dimensions[1] != NumTokens || shape.Dimensions[2] != wantDim {
		return errors.Errorf("%q must be shaped [numSamples, %d, %d], got %s",
			key, NumTokens, wantDim, shape)
	}
	if shape.Dimensions[0] < 1 {
		return errors.Errorf("%q holds no examples (shape %s)", key, shape)
	}
	if !t.DType().IsFloat() {
		return errors.Errorf("%q must be a float tensor, got dtype %s", key, t.DType())
	}
	return nil
}

// scalarToInt extracts the value of metadata scalars, whatever integer or
// float dtype the extraction happened to save them with.
func scalarToInt(t *tensors.Tensor) (int, error) {
	if !t.Shape().IsScalar() {
		return 0, errors.Errorf("expected a scalar, got shape %s", t.Shape())
	}
	switch t.DType() {
	case dtypes.Int32:
		return int(tensors.ToScalar[int32](t)), nil
	case dtypes.Int64:
		return int(tensors.ToScalar[int64](t)), nil
	case dtypes.Float32:
		return int(tensors.ToScalar[float32](t)), nil
	case dtypes.Float64:
		return int(tensors.ToScalar[float64](t)), nil
	}
	return 0, errors.Errorf("unsupported scalar dtype %s", t.DType())
}

// Memory returns the total bytes held by the two embedding tensors.
func (a *Artifact) Memory() uintptr {
	return a.EVA.Shape().Memory() + a.CLIP.Shape().Memory()
}

// Summary returns rows of (field, value) describing the artifact, ready to be
// fed to a table printer.
func (a *Artifact) Summary() [][2]string {
	rows := [][2]string{
		{"path", a.Path},
		{"# samples", humanize.Comma(int64(a.NumSamples))},
		{KeyEVA, fmt.Sprintf("%s (%s)", a.EVA.Shape(), humanize.Bytes(uint64(a.EVA.Shape().Memory())))},
		{KeyCLIP, fmt.Sprintf("%s (%s)", a.CLIP.Shape(), humanize.Bytes(uint64(a.CLIP.Shape().Memory())))},
	}
	if a.NumGPUs > 0 {
		rows = append(rows, [2]string{"extraction GPUs", humanize.Comma(int64(a.NumGPUs))})
	}
	if a.BatchSize > 0 {
		rows = append(rows, [2]string{"extraction batch size", humanize.Comma(int64(a.BatchSize))})
	}
	return rows
}
