package embeddings

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Datasets splits the artifact into a training and a validation
// InMemoryDataset, converted to the given dtype. The split is deterministic:
// the last `validationFraction` of the examples are held out, matching how the
// extraction orders its inputs. Each dataset yields two input tensors per
// example: (eva, clip).
//
// With validationFraction == 0 the validation dataset is nil.
func (a *Artifact) Datasets(backend backends.Backend, dtype dtypes.DType, validationFraction float64) (
	trainDS, validationDS *datasets.InMemoryDataset, err error) {
	if validationFraction < 0 || validationFraction >= 1 {
		err = errors.Errorf("validationFraction must be in [0, 1), got %g", validationFraction)
		return
	}
	numValidation := int(validationFraction * float64(a.NumSamples))
	numTrain := a.NumSamples - numValidation
	if numTrain < 1 {
		err = errors.Errorf("validationFraction=%g leaves no training examples out of %d",
			validationFraction, a.NumSamples)
		return
	}

	splitExec := MustNewExec(backend, func(eva, clip *Node) []*Node {
		eva = ConvertDType(eva, dtype)
		clip = ConvertDType(clip, dtype)
		parts := []*Node{
			Slice(eva, AxisRange(0, numTrain)),
			Slice(clip, AxisRange(0, numTrain)),
		}
		if numValidation > 0 {
			parts = append(parts,
				Slice(eva, AxisRangeToEnd(numTrain)),
				Slice(clip, AxisRangeToEnd(numTrain)))
		}
		return parts
	})
	parts := splitExec.MustExec(a.EVA, a.CLIP)

	trainDS, err = datasets.InMemoryFromData(backend, "train",
		[]any{parts[0], parts[1]}, nil)
	if err != nil {
		err = errors.WithMessage(err, "building training dataset")
		return
	}
	if numValidation > 0 {
		validationDS, err = datasets.InMemoryFromData(backend, "validation",
			[]any{parts[2], parts[3]}, nil)
		if err != nil {
			err = errors.WithMessage(err, "building validation dataset")
			return
		}
	}
	return
}
