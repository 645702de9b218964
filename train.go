// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pyramidnet/datasets/cifar"
	"github.com/gomlx/pyramidnet/datasets/imagefolder"
	"github.com/janpfeifer/must"
	"golang.org/x/exp/maps"
)

var (
	// DType used for the images and the model parameters.
	DType = dtypes.Float32

	// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
	// along on the models checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		"data_dir", "train_steps", "num_checkpoints", "plots", "imagenet_dir",
	}
)

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"num_checkpoints": 3,
		"train_steps":     3000,

		// batch_size for training.
		"batch_size": 128,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 200,

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly.
		plotly.ParamPlots: true,

		// Model topology and regularization, see the Param* constants.
		ParamDataset:       "cifar10",
		ParamDepth:         16,
		ParamWidenFactor:   1,
		ParamDropout:       0.0,
		ParamPyramidScales: 4,
		ParamShortcut:      "project",
		ParamNumClasses:    0,
		ParamSeed:          int64(-1),

		// The "imagenet" topology trains from an image folder tree, see datasets/imagefolder.
		"imagenet_dir":              "",
		"image_size":                0,
		"imagenet_folds":            10,
		"imagenet_validation_folds": 1,

		// Image augmentation parameters, for the image folder datasets.
		"augmentation_angle_stddev": 0.0,
		"augmentation_random_flips": false,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-3,
		cosineschedule.ParamPeriodSteps: 0,
	})
	return ctx
}

// TrainModel with hyperparameters given in ctx.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	// Data directory: datasets and top-level directory holding checkpoints for different models.
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Checkpoints: if a checkpoint directory exists, this loads the latest one, hyperparameters included.
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

	// Deterministic runs: reseed the random state after a potential checkpoint load.
	if seed := context.GetParamOr(ctx, ParamSeed, int64(-1)); seed >= 0 {
		ctx.RngStateFromSeed(seed)
	}

	// Create datasets used for training and evaluation.
	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, validationEvalDS, numClasses := CreateDatasets(ctx, Backend, dataDir, batchSize, evalBatchSize)

	// The classification head sizes to the classes actually present in the data,
	// unless explicitly overridden with ParamNumClasses.
	if context.GetParamOr(ctx, ParamNumClasses, 0) == 0 && numClasses > 0 {
		ctx.SetParam(ParamNumClasses, numClasses)
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Report the model topology and its static parameter and FLOPs counts.
	model := NewFromContext(ctx)
	imageSize := trainImageSize(ctx, model.Dataset)
	fmt.Printf("Model: %s, depth=%d, widen=%d\n", model.Dataset, model.Depth, model.WidenFactor)
	fmt.Printf("\t%s\n", model.Cost(imageSize, imageSize, imageChannels(model.Dataset)))

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(Backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

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
	// The points generated are saved along the checkpoint directory (if one is given).
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

	// Finally, print an evaluation on train and test datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, validationEvalDS, trainEvalDS))
	}
}

// trainImageSize is the spatial size of the training images: the topology
// default, overridable for image folder trees with "image_size".
func trainImageSize(ctx *context.Context, dataset Dataset) int {
	if dataset == ImageNet {
		if size := context.GetParamOr(ctx, "image_size", 0); size > 0 {
			return size
		}
	}
	return dataset.InputSize()
}

// imageChannels of the training images: CIFAR tensors are RGB, the image
// folder datasets yield RGBA.
func imageChannels(dataset Dataset) int {
	if dataset == ImageNet {
		return 4
	}
	return 3
}

// CreateDatasets used for training and evaluation, for the dataset selected with ParamDataset.
// It also returns the number of classes seen in the data.
//
// The CIFAR datasets are downloaded (on first use) under dataDir and served from memory. The
// "imagenet" topology instead reads the image folder tree rooted at the "imagenet_dir"
// hyperparameter, holding out the last "imagenet_validation_folds" of "imagenet_folds" folds
// for validation.
func CreateDatasets(ctx *context.Context, backend backends.Backend, dataDir string, batchSize, evalBatchSize int) (trainDS, trainEvalDS, validationEvalDS train.Dataset, numClasses int) {
	dataset := mustParseDataset(context.GetParamOr(ctx, ParamDataset, "cifar10"))
	seed := context.GetParamOr(ctx, ParamSeed, int64(-1))
	switch dataset {
	case CIFAR10, CIFAR100:
		source := cifar.C10
		if dataset == CIFAR100 {
			source = cifar.C100
		}
		must.M(cifar.Download(dataDir, source))
		baseTrain := cifar.NewDataset(backend, "Training", dataDir, source, DType, cifar.Train)
		baseTest := cifar.NewDataset(backend, "Validation", dataDir, source, DType, cifar.Test)
		trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
		trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
		validationEvalDS = baseTest.BatchSize(evalBatchSize, false)
		numClasses = source.NumClasses()

	case ImageNet:
		imagesDir := context.GetParamOr(ctx, "imagenet_dir", "")
		if imagesDir == "" {
			exceptions.Panicf("training the %q topology requires the hyperparameter \"imagenet_dir\" to point "+
				"to a directory tree with one sub-directory of images per class", dataset)
		}
		imagesDir = fsutil.MustReplaceTildeInDir(imagesDir)
		imageSize := trainImageSize(ctx, dataset)
		numFolds := context.GetParamOr(ctx, "imagenet_folds", 10)
		numValidationFolds := context.GetParamOr(ctx, "imagenet_validation_folds", 1)
		if numFolds < 2 || numValidationFolds <= 0 || numValidationFolds >= numFolds {
			exceptions.Panicf("cannot hold out %d of %d folds for validation (set \"imagenet_folds\" and "+
				"\"imagenet_validation_folds\")", numValidationFolds, numFolds)
		}
		// The folds split must be stable across restarts, it only keys on the seed when one is given.
		foldsSeed := int32(0)
		shuffleRng := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
		if seed >= 0 {
			foldsSeed = int32(seed)
			shuffleRng = rand.New(rand.NewSource(seed))
		}
		trainFolds := make([]int, 0, numFolds-numValidationFolds)
		validationFolds := make([]int, 0, numValidationFolds)
		for fold := range numFolds {
			if fold < numFolds-numValidationFolds {
				trainFolds = append(trainFolds, fold)
			} else {
				validationFolds = append(validationFolds, fold)
			}
		}
		angleStdDev := context.GetParamOr(ctx, "augmentation_angle_stddev", 0.0)
		randomFlips := context.GetParamOr(ctx, "augmentation_random_flips", false)

		base := func(name string, batchSize int, folds []int) *imagefolder.DatasetBuilder {
			return imagefolder.Build(name, imagesDir, batchSize).
				WithImageSize(imageSize, imageSize).
				WithDType(DType).
				WithFolds(numFolds, folds, foldsSeed)
		}
		training := must.M1(base("Training", batchSize, trainFolds).
			WithAugmentation(angleStdDev, randomFlips).
			WithShuffle(shuffleRng).
			Infinite(true).
			Done())
		// Image folder yields decode files from disk, parallelize them.
		trainDS = datasets.Parallel(training)
		trainEvalDS = datasets.Parallel(must.M1(base("Training", evalBatchSize, trainFolds).Done()))
		validationEvalDS = datasets.Parallel(must.M1(base("Validation", evalBatchSize, validationFolds).Done()))
		numClasses = training.NumClasses()

	default:
		exceptions.Panicf("no datasets for %q, valid values for %q are %q", dataset, ParamDataset, maps.Values(datasetNames))
	}
	return
}
