// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pyramidnet builds pyramidal residual networks: wide pre-activation
// residual networks ([1], [2]) whose blocks carry a parallel multi-scale
// branch. The branch splits the block's intermediate activation into channel
// groups, pools each group at its own fractional scale ([3]), convolves it
// back to the full block width and sums the rescaled groups into the
// residual output.
//
// The same builder covers the CIFAR topology (3 stages over 32x32 inputs)
// and the ImageNet topology (4 stages, 7x7 strided stem with max pooling).
//
// Models are configured programmatically (see New) or from context
// hyperparameters (see NewFromContext), and the package provides a
// train.ModelFn (see ModelGraph) ready to plug into a train.Trainer.
//
// [1] "Identity Mappings in Deep Residual Networks", https://arxiv.org/abs/1603.05027
// [2] "Wide Residual Networks", https://arxiv.org/abs/1605.07146
// [3] "Fractional Max-Pooling", https://arxiv.org/abs/1412.6071
package pyramidnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/random"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Hyperparameters read by NewFromContext, with their defaults.
const (
	// ParamDataset selects the topology family and default class count:
	// "cifar10", "cifar100" or "imagenet". Defaults to "cifar10".
	ParamDataset = "pyramidnet_dataset"

	// ParamDepth is the total convolution depth of the network. For CIFAR it
	// must be of the form 6n+4, for ImageNet one of 18 or 34. Defaults to 16.
	ParamDepth = "pyramidnet_depth"

	// ParamWidenFactor multiplies the width (number of channels) of every
	// stage. Defaults to 1.
	ParamWidenFactor = "pyramidnet_widen_factor"

	// ParamDropout is the dropout rate applied between the two convolutions
	// of each block. 0 disables it. Defaults to 0.
	ParamDropout = "pyramidnet_dropout"

	// ParamPyramidScales is the number of channel groups (each with its own
	// pooling scale) in the pyramid branch. 0 disables the branch.
	// Defaults to 4.
	ParamPyramidScales = "pyramidnet_scales"

	// ParamShortcut selects how shortcuts bridge shape changes, "project"
	// or "pad". Defaults to "project".
	ParamShortcut = "pyramidnet_shortcut"

	// ParamNumClasses overrides the dataset's class count, e.g. when
	// training on a custom image folder. 0 keeps the dataset default.
	ParamNumClasses = "pyramidnet_num_classes"

	// ParamSeed seeds the variable initializers. Values < 0 initialize
	// from a random seed. Defaults to -1.
	ParamSeed = "seed"
)

// Model configures a pyramidal residual network. Fields can be set directly
// or through the With* methods. Create it with New or NewFromContext, then
// call BuildGraph to add the network to a computation graph.
type Model struct {
	Dataset       Dataset  // Topology family and default class count
	Depth         int      // Total convolution depth
	WidenFactor   int      // Width multiplier for every stage
	DropoutRate   float64  // Dropout between the block convolutions (0 = none)
	PyramidScales int      // Channel groups in the pyramid branch (0 disables it)
	Shortcut      Shortcut // Bridging policy for shape-changing shortcuts
	NumClasses    int      // Output classes
	Seed          int64    // Initialization seed, < 0 means random
}

// New creates a pyramidal residual network configuration with the default
// hyperparameters: no widening, no dropout, 4 pyramid scales and projection
// shortcuts.
//
// An invalid (dataset, depth) combination is only reported when the graph is
// built.
func New(dataset Dataset, depth int) *Model {
	return &Model{
		Dataset:       dataset,
		Depth:         depth,
		WidenFactor:   1,
		DropoutRate:   0,
		PyramidScales: 4,
		Shortcut:      ShortcutProject,
		NumClasses:    dataset.NumClasses(),
		Seed:          -1,
	}
}

// NewFromContext creates a model configured from context hyperparameters,
// see the Param* constants for the keys and defaults.
//
// Example:
//
//	ctx.SetParams(map[string]any{
//	    pyramidnet.ParamDataset: "cifar10",
//	    pyramidnet.ParamDepth:   28,
//	    pyramidnet.ParamWidenFactor: 10,
//	})
//	model := pyramidnet.NewFromContext(ctx)
func NewFromContext(ctx *context.Context) *Model {
	datasetName := context.GetParamOr(ctx, ParamDataset, "cifar10")
	dataset, err := ParseDataset(datasetName)
	if err != nil {
		exceptions.Panicf("invalid hyperparameter %q: %+v", ParamDataset, err)
	}
	depth := context.GetParamOr(ctx, ParamDepth, 16)
	return New(dataset, depth).FromContext(ctx)
}

// FromContext overrides the optional configuration with hyperparameters set
// in the context. It returns the updated model, for chaining.
func (m *Model) FromContext(ctx *context.Context) *Model {
	m.WidenFactor = context.GetParamOr(ctx, ParamWidenFactor, m.WidenFactor)
	m.DropoutRate = context.GetParamOr(ctx, ParamDropout, m.DropoutRate)
	m.PyramidScales = context.GetParamOr(ctx, ParamPyramidScales, m.PyramidScales)
	m.Seed = context.GetParamOr(ctx, ParamSeed, m.Seed)
	if numClasses := context.GetParamOr(ctx, ParamNumClasses, 0); numClasses > 0 {
		m.NumClasses = numClasses
	}
	if shortcutName := context.GetParamOr(ctx, ParamShortcut, ""); shortcutName != "" {
		shortcut, err := ParseShortcut(shortcutName)
		if err != nil {
			exceptions.Panicf("invalid hyperparameter %q: %+v", ParamShortcut, err)
		}
		m.Shortcut = shortcut
	}
	return m
}

// WithWidenFactor sets the width multiplier applied to every stage.
func (m *Model) WithWidenFactor(factor int) *Model {
	m.WidenFactor = factor
	return m
}

// WithDropout sets the dropout rate applied between the two convolutions of
// each block. 0 disables it.
func (m *Model) WithDropout(rate float64) *Model {
	m.DropoutRate = rate
	return m
}

// WithPyramidScales sets the number of channel groups of the pyramid branch.
// 0 disables the branch. The block widths must be divisible by it.
func (m *Model) WithPyramidScales(numScales int) *Model {
	m.PyramidScales = numScales
	return m
}

// WithShortcut sets the bridging policy for shape-changing shortcuts.
func (m *Model) WithShortcut(shortcut Shortcut) *Model {
	m.Shortcut = shortcut
	return m
}

// WithNumClasses overrides the dataset's class count.
func (m *Model) WithNumClasses(numClasses int) *Model {
	m.NumClasses = numClasses
	return m
}

// WithSeed makes variable initialization deterministic. Values < 0 restore
// the default of a randomly drawn seed.
func (m *Model) WithSeed(seed int64) *Model {
	m.Seed = seed
	return m
}

// BuildGraph adds the network to the graph of images and returns the logits,
// shaped [batchSize, NumClasses]. The images must be shaped
// [batchSize, height, width, channels].
//
// Variables are created (or reused) in the given scope, with convolution and
// dense weights initialized by HeNormalFanOut and all biases to zero.
//
// It panics if the (dataset, depth) combination is not supported, or if the
// stage widths are not divisible by PyramidScales.
func (m *Model) BuildGraph(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	batchSize := images.Shape().Dimensions[0]

	blocks := blocksPerStage(m.Dataset, m.Depth)
	widths := stageWidths(m.Dataset, m.WidenFactor)
	strides := stageStrides(m.Dataset)

	rng := random.New()
	if m.Seed >= 0 {
		rng = random.NewWithSeed(m.Seed)
	}
	ctx = ctx.WithInitializer(HeNormalFanOut(rng))

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x := images
	if m.Dataset == ImageNet {
		x = layers.Convolution(nextCtx("conv"), x).
			Channels(imageNetStemChannels).KernelSize(7).Strides(2).PadSame().UseBias(false).Done()
		x = MaxPool(x).Window(3).Strides(2).PadSame().Done()
	} else {
		x = layers.Convolution(nextCtx("conv"), x).
			Channels(cifarStemChannels).KernelSize(3).PadSame().UseBias(false).Done()
	}

	for stage, numBlocks := range blocks {
		for block := 0; block < numBlocks; block++ {
			stride := 1
			if block == 0 {
				stride = strides[stage]
			}
			x = m.residualBlock(nextCtx("block"), x, widths[stage], stride)
		}
	}

	x = activations.Relu(batchnorm.New(nextCtx("norm"), x, -1).Done())
	x = ReduceMean(x, 1, 2)
	logits := layers.Dense(nextCtx("dense"), x, true, m.NumClasses)
	logits.AssertDims(batchSize, m.NumClasses)
	return logits
}

// ModelGraph implements train.ModelFn: it configures a model from the
// context hyperparameters and returns the logits for the batched images in
// inputs[0].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]

	// Cosine schedule of the learning rate, if enabled.
	cosineschedule.New(ctx, images.Graph(), images.DType()).FromContext().Done()

	logits := NewFromContext(ctx).BuildGraph(ctx, images)
	return []*Node{logits}
}

var _ train.ModelFn = ModelGraph
