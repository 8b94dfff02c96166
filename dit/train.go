package dit

import (
	"fmt"
	"path"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// trainingDatasets builds the batched training and evaluation datasets.
// Training is shuffled, eval sets run once through. When training by steps
// (numEpochs <= 0) the training dataset loops forever; when training by
// epochs it must yield EOF at the end of each pass, so it stays finite.
func trainingDatasets(config *Config, numEpochs int) (trainDS *datasets.InMemoryDataset, evalDatasets []train.Dataset) {
	trainDS, validationDS := config.CreateInMemoryDatasets()
	trainEvalDS := trainDS.Copy()
	trainDS.Shuffle().Infinite(numEpochs <= 0).BatchSize(config.BatchSize, true)
	trainEvalDS.BatchSize(config.EvalBatchSize, false)
	evalDatasets = []train.Dataset{trainEvalDS}
	if validationDS != nil {
		validationDS.BatchSize(config.EvalBatchSize, false)
		evalDatasets = append(evalDatasets, validationDS)
	}
	return
}

// TrainModel with the given config -- it includes the context with
// hyperparameters and the embeddings artifact.
func TrainModel(config *Config, checkpointPath string, evaluateOnEnd bool, verbosity int) {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		fmt.Printf("Embeddings:\t%s (%d samples)\n", config.Artifact.Path, config.Artifact.NumSamples)
	}

	// Checkpoints saving, and fixed samples to monitor generation quality.
	checkpoint, samplesNoise, samplesCond := must.M3(config.AttachCheckpoint(checkpointPath))
	if samplesNoise == nil {
		klog.Exitf("A checkpoint directory with --checkpoint is required for storing the evolution of some samples, none given")
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		ctx.ResetRNGState()
	}
	if verbosity >= 1 {
		for _, paramsPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	numEpochs := context.GetParamOr(ctx, "train_epochs", 0)
	trainDS, evalDatasets := trainingDatasets(config, numEpochs)

	// The model returns the scalar loss as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	velocityMAEFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[2]
	}
	pprintLossFn := func(t *tensors.Tensor) string {
		return fmt.Sprintf("%.4f", t.Value())
	}
	movingVelocityMAE := metrics.NewExponentialMovingAverageMetric(
		"Moving Velocity MAE", "~vel_mae", "vel_mae", velocityMAEFn, pprintLossFn, 0.01)
	meanVelocityMAE := metrics.NewMeanMetric(
		"Velocity MAE", "vel_mae", "vel_mae", velocityMAEFn, pprintLossFn)

	trainer := train.NewTrainer(
		backend, ctx, BuildTrainComputation(config), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingVelocityMAE}, // trainMetrics
		[]metrics.Interface{meanVelocityMAE})   // evalMetrics
	if accumulation := context.GetParamOr(ctx, "grad_accumulation_steps", 1); accumulation > 1 {
		must.M(trainer.AccumulateGradients(accumulation))
	}
	if config.NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			config.NanLogger.AttachToExec(exec)
		})
	}

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every save_every_n_steps, plus a time-based fallback.
	if checkpoint != nil {
		if saveSteps := context.GetParamOr(ctx, "save_every_n_steps", 0); saveSteps > 0 {
			train.EveryNSteps(loop, saveSteps, "saving checkpoint", 100,
				func(loop *train.Loop, metrics []*tensors.Tensor) error {
					return checkpoint.Save()
				})
		}
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint (periodic)", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Plotly plots: metric points are saved along the checkpoint directory.
	var plotter *plotly.PlotConfig
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		plotter = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(evalDatasets...)
	}

	// Generate CLIP embeddings from the fixed noise and conditioning to
	// monitor the training.
	generationSteps := context.GetParamOr(ctx, "generation_steps", 20)
	generator := NewGenerator(config, samplesNoise, samplesCond, generationSteps)
	if evalSteps := context.GetParamOr(ctx, "eval_every_n_steps", 0); evalSteps > 0 && plotter != nil {
		train.EveryNSteps(loop, evalSteps, "monitor", 0,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return TrainingMonitor(checkpoint, loop, metrics, plotter, evalDatasets, generator)
			})
	}
	if logSteps := context.GetParamOr(ctx, "log_every_n_steps", 0); logSteps > 0 {
		train.EveryNSteps(loop, logSteps, "logging", 20,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				klog.V(1).Infof("step=%d loss=%s median_step=%s",
					loop.LoopStep, metrics[0].GoStr(), loop.MedianTrainStepDuration())
				return nil
			})
	}

	// Run: by epochs when train_epochs is set, by global steps otherwise.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		fmt.Printf("\t - restarting training from global_step=%d\n", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	var err error
	if numEpochs > 0 {
		fmt.Println("Starting training stage:")
		_, err = loop.RunEpochs(trainDS, numEpochs)
	} else {
		numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
		if globalStep >= numTrainSteps {
			fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
				"to current global step.\n", numTrainSteps)
			return
		}
		fmt.Println("Starting training stage:")
		_, err = loop.RunSteps(trainDS, numTrainSteps-globalStep)
	}
	if err != nil {
		if checkpoint != nil && loop.LoopStep > loop.StartStep {
			klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
			if errSave := checkpoint.Save(); errSave != nil {
				klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
			}
		}
		klog.Fatalf("Error during training: %+v", err)
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}

	// Finally, print an evaluation on the train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, evalDatasets...))
	}
}

// BuildTrainComputation builds the ModelFn for training and evaluation.
//
// For each batch it samples random flow times t -> [0,1) and gaussian noise as
// the source distribution, linearly interpolates the noisy CLIP tokens
// X_t = t*X_1 + (1-t)*X_0, and regresses the constant velocity X_1 - X_0.
func BuildTrainComputation(config *Config) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		eva, clip := inputs[0], inputs[1]
		batchSize := clip.Shape().Dimensions[0]
		dtype := config.DType

		config.NanLogger.TraceFirstNaN(eva, "eva")
		config.NanLogger.TraceFirstNaN(clip, "clip")

		// Gaussian noise to be transported to the CLIP embeddings.
		noise := ctx.RandomNormal(g, clip.Shape())

		// Cosine schedule (and learning-rate warmup), if enabled.
		cosineschedule.New(ctx, g, dtype).FromContext().Done()

		// Sample flow times at different schedules.
		t := ctx.RandomUniform(g, shapes.Make(dtype, batchSize, 1, 1))
		if ctx.IsTraining(g) {
			// During training, bias towards the end (larger times t), since
			// it's where the more detailed shifts happen.
			t = Sqrt(t)
		} else {
			// During evaluation only look at t >= 0.5: for smaller values the
			// prediction is mostly random and the loss gets washed away.
			t = DivScalar(OnePlus(t), 2)
		}
		noisy := Add(
			Mul(clip, t),
			Mul(noise, OneMinus(t)))
		config.NanLogger.TraceFirstNaN(noisy, "noisy")
		noisy = StopGradient(noisy)

		// Target and predicted velocity u(X,t).
		targetVelocity := Sub(clip, noise)
		predictedVelocity := ModelGraph(ctx, config.NanLogger, noisy, t, eva)
		config.NanLogger.TraceFirstNaN(predictedVelocity, "predictedVelocity")

		lossFn := must.M1(losses.LossFromContext(ctx))

		// Large reduce operations overflow for low-precision dtypes: up-convert
		// before calculating the losses.
		if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
			targetVelocity = ConvertDType(targetVelocity, dtypes.Float32)
			predictedVelocity = ConvertDType(predictedVelocity, dtypes.Float32)
		}

		loss := lossFn([]*Node{targetVelocity}, []*Node{predictedVelocity})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}
		velocityMAE := losses.MeanAbsoluteError([]*Node{targetVelocity}, []*Node{predictedVelocity})
		if !velocityMAE.IsScalar() {
			velocityMAE = ReduceAllMean(velocityMAE)
		}
		return []*Node{predictedVelocity, loss, velocityMAE}
	}
}

// TrainingMonitor is periodically called during training to report metrics and
// dump the CLIP embeddings generated for the fixed monitoring samples.
func TrainingMonitor(checkpoint *checkpoints.Handler, loop *train.Loop, metrics []*tensors.Tensor,
	plotter stdplots.Plotter, evalDatasets []train.Dataset, generator *Generator) error {
	if checkpoint == nil {
		// Only works if there is a model directory.
		return nil
	}
	must.M(checkpoint.Save())
	must.M(checkpoint.Backup()) // Keep this one from being garbage collected.

	must.M(stdplots.AddTrainAndEvalMetrics(plotter, loop, metrics, evalDatasets, evalDatasets[0]))

	generated := generator.Generate()
	generatedPath := path.Join(checkpoint.Dir(), fmt.Sprintf(GeneratedClipFileName, loop.LoopStep))
	must.M(generated.Save(generatedPath))
	return nil
}
