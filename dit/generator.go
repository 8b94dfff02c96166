package dit

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
)

// MidPointODEStep using the "Midpoint Method" (https://en.wikipedia.org/wiki/Midpoint_method)
//
// Parameters:
//   - noisy: the X_t being integrated from t=0 to t=1. Shaped [n, NumTokens, CLIPDim].
//   - conditioning: the EVA embeddings, shaped [n, NumTokens, EVADim].
//   - startTime and endTime can either be scalars or shaped [n, 1]. They must be constrained to
//     0 <= startTime < 1 and startTime < endTime <= 1.
//
// Returns the noisy embeddings moved ΔT (ΔT=endTime-startTime) towards the CLIP distribution.
func MidPointODEStep(ctx *context.Context, noisy, conditioning, startTime, endTime *Node) *Node {
	numSamples := noisy.Shape().Dimensions[0]
	normalizeTimeFn := func(x *Node) *Node {
		x = ConvertDType(x, noisy.DType())
		if !x.IsScalar() {
			x = Reshape(x, numSamples, 1, 1)
		} else {
			x = BroadcastToDims(x, numSamples, 1, 1)
		}
		return x
	}
	startTime = normalizeTimeFn(startTime)
	endTime = normalizeTimeFn(endTime)

	velocity0 := ModelGraph(ctx, nil, noisy, startTime, conditioning)
	ΔT := Sub(endTime, startTime)
	halfΔT := DivScalar(ΔT, 2)
	midPoint := Add(noisy, Mul(velocity0, halfΔT))
	velocity1 := ModelGraph(ctx, nil, midPoint, Add(startTime, halfΔT), conditioning)
	return Add(noisy, Mul(velocity1, ΔT))
}

// Generator transports gaussian noise to CLIP embeddings, conditioned on the
// corresponding EVA embeddings. Use it with NewGenerator.
type Generator struct {
	config              *Config
	ctx                 *context.Context
	noise, conditioning *tensors.Tensor
	numSamples          int
	numSteps            int
	stepExec            *context.Exec
}

// NewGenerator generates CLIP embeddings given initial `noise` and the EVA `conditioning`, in `numSteps`.
func NewGenerator(cfg *Config, noise, conditioning *tensors.Tensor, numSteps int) *Generator {
	ctx := cfg.Context.Reuse()
	if numSteps <= 0 {
		exceptions.Panicf("Expected numSteps > 0, got %d", numSteps)
	}
	numSamples := noise.Shape().Dimensions[0]
	if conditioning.Shape().Dimensions[0] != numSamples || noise.Rank() != 3 || conditioning.Rank() != 3 {
		exceptions.Panicf("Shapes of noise (%s) and conditioning (%s) are incompatible: "+
			"they must have the same number of samples and both must be rank 3",
			noise.Shape(), conditioning.Shape())
	}
	return &Generator{
		config:       cfg,
		ctx:          ctx,
		noise:        noise,
		conditioning: conditioning,
		numSamples:   numSamples,
		numSteps:     numSteps,
		stepExec:     context.MustNewExec(cfg.Backend, ctx, MidPointODEStep),
	}
}

// GenerateEveryN embeddings from the original noise.
// They are generated by transporting the random noise to the distribution of the
// CLIP embeddings in numSteps steps.
// It always returns the last generated batch, plus every n intermediary batch.
//
// It can be called more than once if the context changed, if the model was further trained.
// Otherwise, it will always return the same embeddings.
//
// It returns a slice of batches of embeddings, one batch per intermediary integration step
// and another slice with the "time" of each step, 0 <= time <= 1, time = 1 being the last.
func (g *Generator) GenerateEveryN(n int) (predicted []*tensors.Tensor, times []float64) {
	// Copy tensor: this tensor is overwritten at each iteration, and we want
	// to preserve the original g.noise.
	batch := must.M1(g.noise.LocalClone())

	backend := g.config.Backend
	stepSize := 1.0 / float64(g.numSteps-1)
	for step := 0; step < g.numSteps; step++ {
		var startTime, endTime float64
		// We skip step 0.
		if step > 0 {
			startTime = float64(step-1) * stepSize
			endTime = float64(step) * stepSize
			if step == g.numSteps-1 {
				endTime = 1.0 // Avoiding numeric issues.
			}
			buf := must.M1(DonateTensorBuffer(batch, backend, 0))
			batch = must.M1(g.stepExec.Exec1(buf, g.conditioning, startTime, endTime))
		}
		if (n > 0 && step%n == 0) || step == g.numSteps-1 {
			times = append(times, endTime)
			predicted = append(predicted, must.M1(batch.LocalClone()))
		}
	}
	return
}

// Generate CLIP embeddings from the original noise.
//
// It can be called multiple times if the context changed, if the model was further trained.
// Otherwise, it will always return the same embeddings.
func (g *Generator) Generate() (batch *tensors.Tensor) {
	predicted, _ := g.GenerateEveryN(0)
	return predicted[0]
}
