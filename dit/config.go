package dit

import (
	"os"
	"path"

	"github.com/Hafeezmhk7/eva-clip-v3/embeddings"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Names of the files saved along the checkpoint: the fixed noise and EVA
// conditioning used to monitor the model evolving, and the prefix of the
// periodically generated CLIP embedding dumps.
const (
	NoiseSamplesFile      = "noise_samples.tensor"
	CondSamplesFile       = "eva_cond_samples.tensor"
	GeneratedClipPrefix   = "generated_clip_"
	GeneratedClipFileName = GeneratedClipPrefix + "%07d.tensor"
)

// Config bundles the backend, context (hyperparameters + variables) and the
// embeddings artifact for all training and generation operations.
// See NewConfig.
type Config struct {
	Backend  backends.Backend
	Context  *context.Context // Usually, at the root scope.
	Artifact *embeddings.Artifact

	// ParamsSet are hyperparameters overridden on the command line, that should
	// not be reloaded from the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                    dtypes.DType
	BatchSize, EvalBatchSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a configuration from the context hyperparameters and a
// loaded embeddings artifact.
//
// paramsSet are hyperparameters overridden on the command line, that should not
// be reloaded from the checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, artifact *embeddings.Artifact, paramsSet []string) *Config {
	dtype := must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))
	if context.GetParamOr(ctx, "experiment_run", "") == "" {
		ctx.SetParam("experiment_run", uuid.NewString()[:8])
	}
	cfg := &Config{
		Backend:       backend,
		Context:       ctx,
		Artifact:      artifact,
		ParamsSet:     paramsSet,
		DType:         dtype,
		BatchSize:     context.GetParamOr(ctx, "batch_size", 32),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 128),
	}
	if context.GetParamOr(ctx, "nan_logger", false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg
}

// CreateInMemoryDatasets returns the train and validation InMemoryDatasets
// built from the embeddings artifact, in the model dtype.
func (c *Config) CreateInMemoryDatasets() (trainDS, validationDS *datasets.InMemoryDataset) {
	validationFraction := context.GetParamOr(c.Context, "validation_fraction", 0.1)
	trainDS, validationDS = must.M2(c.Artifact.Datasets(c.Backend, c.DType, validationFraction))
	return
}

// GenerateNoise returns gaussian noise shaped like a batch of CLIP token
// embeddings, the source distribution of the flow.
func (c *Config) GenerateNoise(numSamples int) *tensors.Tensor {
	return MustExecOnce(c.Backend, func(g *Graph) *Node {
		state := RNGStateForGraph(g)
		_, noise := RandomNormal(state, shapes.Make(c.DType, numSamples, embeddings.NumTokens, embeddings.CLIPDim))
		return noise
	})
}

// SampleConditioning returns the EVA tokens of the first numSamples artifact
// examples, converted to the model dtype. These are the fixed conditions used
// to monitor generation quality during training.
func (c *Config) SampleConditioning(numSamples int) (*tensors.Tensor, error) {
	if numSamples > c.Artifact.NumSamples {
		return nil, errors.Errorf("requested %d conditioning samples, artifact only has %d",
			numSamples, c.Artifact.NumSamples)
	}
	exec := MustNewExec(c.Backend, func(eva *Node) *Node {
		return ConvertDType(Slice(eva, AxisRange(0, numSamples)), c.DType)
	})
	return exec.MustExec(c.Artifact.EVA)[0], nil
}

// AttachCheckpoint loads (or initializes) the checkpoint at checkpointPath and
// attaches it to the Config's context, so that it gets saved during training.
//
// It also loads -- or creates and saves, for new models -- the fixed noise and
// EVA conditioning samples used to watch the model evolving: at monitoring
// steps the generated CLIP embeddings for these fixed inputs are dumped next
// to the checkpoint.
func (c *Config) AttachCheckpoint(checkpointPath string) (checkpoint *checkpoints.Handler, noise, cond *tensors.Tensor, err error) {
	if checkpointPath == "" {
		return
	}
	checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
	numCheckpoints := context.GetParamOr(c.Context, "num_checkpoints", 5)
	checkpoint, err = checkpoints.Build(c.Context).
		Dir(checkpointPath).Keep(numCheckpoints).
		ExcludeParams(append([]string{"train_steps", "train_epochs", "rng_reset"}, c.ParamsSet...)...).
		Done()
	if err != nil {
		err = errors.WithMessagef(err, "attaching checkpoint at %q", checkpointPath)
		return
	}
	c.Checkpoint = checkpoint

	// Load previously saved samples, if any.
	noisePath := path.Join(checkpoint.Dir(), NoiseSamplesFile)
	condPath := path.Join(checkpoint.Dir(), CondSamplesFile)
	noise, err = tensors.Load(noisePath)
	if err == nil {
		cond, err = tensors.Load(condPath)
		if err == nil {
			return
		}
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return
	}

	// New model: create the monitoring samples and save them for future runs.
	err = nil
	numSamples := context.GetParamOr(c.Context, "samples_during_training", 16)
	numSamples = min(numSamples, c.Artifact.NumSamples)
	noise = c.GenerateNoise(numSamples)
	cond, err = c.SampleConditioning(numSamples)
	if err != nil {
		return
	}
	if err = noise.Save(noisePath); err != nil {
		return
	}
	err = cond.Save(condPath)
	return
}
