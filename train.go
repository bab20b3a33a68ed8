// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet3d

import (
	"fmt"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/janpfeifer/must"
)

// ParamLoss selects the loss: "bce" (default) trains the logits against
// binary masks with binary cross-entropy, the usual choice for a single
// segmentation channel. "categorical" uses sparse categorical cross-entropy,
// for integer class-id masks with ParamOutputChannels classes. The same loss
// is used for training and evaluation.
const ParamLoss = "loss"

// ParamsExcludedFromSaving is the list of parameters (see
// CreateDefaultContext) that shouldn't be saved along the model checkpoints,
// and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{
	"data_dir", "train_steps", "num_checkpoints", "plots",
}

// CreateDefaultContext creates a context with the default hyperparameters to
// use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":     1000,
		"num_checkpoints": 3,

		// batch_size for training.
		"batch_size": 2,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 4,

		// "plots" trigger generating intermediary eval data for plotting, and
		// if running in GoNB, to actually draw the plot with Plotly.
		plotly.ParamPlots: false,

		// Model.
		ParamChannels:       defaultChannels(),
		ParamOutputChannels: 1,
		ParamNormalization:  "batch",
		ParamLoss:           "bce",

		// Optimizer: SGD with momentum.
		optimizers.ParamOptimizer:    "momentum_sgd",
		optimizers.ParamLearningRate: MomentumSGDDefaultLearningRate,
		ParamMomentum:                MomentumSGDDefaultMomentum,

		// Synthetic data.
		ParamVolumeSize:    92,
		ParamTrainExamples: 16,
		ParamEvalExamples:  8,
		ParamDataSeed:      42,
	})
	return ctx
}

// optimizerFromContext returns the optimizer selected by the "optimizer"
// hyperparameter: "momentum_sgd" (the default) or any of the GoMLX built-in
// optimizers ("sgd", "adam", "adamw", "adamax", "rmsprop").
func optimizerFromContext(ctx *context.Context) optimizers.Interface {
	optName := context.GetParamOr(ctx, optimizers.ParamOptimizer, "momentum_sgd")
	if optName == "momentum_sgd" {
		return MomentumSGD().Done()
	}
	return optimizers.ByName(ctx, optName)
}

// numClassesFromContext returns the number of mask classes implied by the
// ParamLoss selection: 1 for "bce" (binary masks) or ParamOutputChannels for
// "categorical". It panics if "categorical" is selected with fewer than 2
// output channels, since sparse categorical cross-entropy needs one logit
// per class.
func numClassesFromContext(ctx *context.Context) int {
	if context.GetParamOr(ctx, ParamLoss, "bce") != "categorical" {
		return 1
	}
	outputChannels := context.GetParamOr(ctx, ParamOutputChannels, 1)
	if outputChannels < 2 {
		exceptions.Panicf("%q=%q requires %q >= 2, one logit per class, got %d",
			ParamLoss, "categorical", ParamOutputChannels, outputChannels)
	}
	return outputChannels
}

// lossAndMetricsFromContext returns the loss selected by ParamLoss, along
// with matching train and eval accuracy metrics.
func lossAndMetricsFromContext(ctx *context.Context) (
	lossFn func(labels, predictions []*Node) *Node, trainMetrics, evalMetrics []metrics.Interface) {
	lossName := context.GetParamOr(ctx, ParamLoss, "bce")
	switch lossName {
	case "bce":
		lossFn = losses.BinaryCrossentropyLogits
		trainMetrics = []metrics.Interface{
			metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)}
		evalMetrics = []metrics.Interface{
			metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")}
	case "categorical":
		numClassesFromContext(ctx) // Panics unless ParamOutputChannels provides one logit per class.
		lossFn = losses.SparseCategoricalCrossEntropyLogits
		trainMetrics = []metrics.Interface{
			metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)}
		evalMetrics = []metrics.Interface{
			metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")}
	default:
		exceptions.Panicf("invalid %q setting %q: valid values are bce or categorical", ParamLoss, lossName)
	}
	return
}

// TrainModel trains the 3D U-Net with the hyperparameters given in ctx.
//
// dataDir is the base directory for checkpoints; checkpointPath, if not
// empty, is the checkpoint directory (created under dataDir if relative),
// loaded if it already exists and saved as training progresses. paramsSet
// lists hyperparameters set on the command line, which shouldn't be
// overwritten by a loaded checkpoint.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Backend handles creation of ML computation graphs, accelerator
	// resources, etc.
	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Create datasets used for training and evaluation.
	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, validationEvalDS := must.M3(CreateDatasets(backend, ctx, batchSize, evalBatchSize))

	// Create a train.Trainer: this object will orchestrate running the
	// model, feeding results to the optimizer, evaluating the metrics, etc.
	// (all happens in trainer.TrainStep).
	lossFn, trainMetrics, evalMetrics := lossAndMetricsFromContext(ctx)
	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(backend, ctx, ModelGraph,
		lossFn,
		optimizerFromContext(ctx),
		trainMetrics,
		evalMetrics)

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	// The points generated are saved along the checkpoint directory (if one
	// is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationEvalDS).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages, if they are used.
		if must.M1(batchnorm.UpdateAverages(trainer, trainEvalDS)) {
			if verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}

	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, validationEvalDS, trainEvalDS))
	}
}
