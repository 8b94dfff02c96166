// Package dit trains a diffusion transformer that maps EVA-CLIP embeddings to
// CLIP embeddings with a flow-matching objective: the model regresses the
// velocity field u(X,t) that transports gaussian noise (t=0) to CLIP token
// embeddings (t=1), conditioned on the EVA-CLIP tokens of the same example.
package dit

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
)

// CreateDefaultContext sets the context with default hyperparameters to use
// with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Training length: if train_epochs > 0 it takes precedence over train_steps.
		"train_steps":  100_000,
		"train_epochs": 0,

		"num_checkpoints":      5,
		"checkpoint_frequency": "3m", // Fall-back time-based saving; see also save_every_n_steps.

		// Intervals, in global steps. 0 disables the corresponding callback.
		"save_every_n_steps": 1000,
		"eval_every_n_steps": 500,
		"log_every_n_steps":  100,

		"batch_size":      32,
		"eval_batch_size": 128,

		// Fraction of the artifact examples held out for validation.
		"validation_fraction": 0.1,

		// dtype of the model: float32, float16 or bfloat16.
		"dtype": "float32",

		// grad_accumulation_steps > 1 accumulates gradients over that many
		// batches before applying them, trading steps/s for memory.
		"grad_accumulation_steps": 1,

		// samples_during_training is the number of examples whose generated CLIP
		// embeddings are periodically dumped to the checkpoint directory, always
		// from the same noise, to observe the evolution of the model.
		"samples_during_training": 16,

		// rng_reset resets the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		// Debugging: add a NanLogger to help find where NaNs appear in the model.
		"nan_logger": false,

		// Flow matching loss: "mse", "mae" or "huber".
		losses.ParamLoss:           "mse",
		losses.ParamHuberLossDelta: 0.2,

		// Number of midpoint ODE steps used when generating samples.
		"generation_steps": 20,

		// DiT model:
		"dit_embed_dim":  768,
		"dit_num_layers": 8,
		"dit_num_heads":  12,

		// Sinusoidal embedding of the flow time t.
		"time_embed_size":     128,
		"sinusoidal_max_freq": 1000.0,
		"sinusoidal_min_freq": 1.0,

		layers.ParamNormalization:   "layer",
		layers.ParamDropoutRate:     0.1,
		activations.ParamActivation: "swish",
		regularizers.ParamL2:        0.0,
		regularizers.ParamL1:        0.0,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "float32",
		optimizers.ParamAdamWeightDecay: 1e-4,
		optimizers.ParamClipStepByValue: 0.0,
		optimizers.ParamClipNaN:         false,

		optimizers.ParamLearningRate:        1e-4,
		cosineschedule.ParamPeriodSteps:     0, // If > 0, period of the cosine schedule; typically same as train_steps.
		cosineschedule.ParamWarmUpSteps:     1000,
		cosineschedule.ParamMinLearningRate: 1e-6,

		// Experiment tracking names, recorded with the checkpoint and in the
		// plot points. The run name defaults to a fresh id, see NewConfig.
		"experiment_project": "eva-clip-v3",
		"experiment_run":     "",

		// "plots" saves intermediary eval data for plotting along the checkpoint.
		plotly.ParamPlots: true,
	})
	return ctx
}
