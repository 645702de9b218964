// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// Cost summarizes the static cost of a model configuration, without building
// any graph.
type Cost struct {
	// FLOPs of the forward pass for a single example, counting a
	// multiply-accumulate as 2 and interpolations by their arithmetic.
	FLOPs int64

	// Params is the number of trainable parameters: convolution kernels,
	// normalization scales and offsets, and the head weights and biases.
	Params int64

	// State is the number of non-trainable elements, the moving statistics
	// kept by the normalization layers.
	State int64
}

// String implements fmt.Stringer.
func (c Cost) String() string {
	return fmt.Sprintf("%s parameters (+%s normalization statistics), %s FLOPs per example",
		humanize.Comma(c.Params), humanize.Comma(c.State), humanize.Comma(c.FLOPs))
}

// Cost estimates the forward FLOPs per example and counts the variable
// elements of the model for inputs shaped [height, width, channels].
//
// The walk visits the same layers BuildGraph creates, so Params+State equals
// context.Context.NumParameters after the graph is built. Use
// Dataset.InputSize for the conventional input resolution.
//
// Like BuildGraph, it panics on an unsupported (dataset, depth) combination
// or a block width not divisible by PyramidScales.
func (m *Model) Cost(height, width, channels int) Cost {
	blocks := blocksPerStage(m.Dataset, m.Depth)
	widths := stageWidths(m.Dataset, m.WidenFactor)
	strides := stageStrides(m.Dataset)

	var cc costCounter
	h, w := height, width
	inChannels := channels
	if m.Dataset == ImageNet {
		h, w = cc.conv(h, w, 7, 2, inChannels, imageNetStemChannels)
		cc.FLOPs += int64(divCeil(h, 2)) * int64(divCeil(w, 2)) * int64(imageNetStemChannels) * 9
		h, w = divCeil(h, 2), divCeil(w, 2)
		inChannels = imageNetStemChannels
	} else {
		h, w = cc.conv(h, w, 3, 1, inChannels, cifarStemChannels)
		inChannels = cifarStemChannels
	}

	for stage, numBlocks := range blocks {
		for block := 0; block < numBlocks; block++ {
			stride := 1
			if block == 0 {
				stride = strides[stage]
			}
			h, w = cc.block(m, h, w, inChannels, widths[stage], stride)
			inChannels = widths[stage]
		}
	}

	cc.batchNorm(h, w, inChannels)
	cc.relu(h, w, inChannels)
	cc.FLOPs += int64(h)*int64(w)*int64(inChannels) + int64(inChannels) // Global mean pooling.
	cc.dense(inChannels, m.NumClasses)
	return cc.Cost
}

// costCounter accumulates the cost of the layers of one forward pass, in the
// order BuildGraph creates them.
type costCounter struct {
	Cost
}

// divCeil is the output side of a stride under same-padding.
func divCeil(size, stride int) int {
	return (size + stride - 1) / stride
}

// conv accounts for an unbiased kernel x kernel convolution under
// same-padding, returning the output resolution.
func (cc *costCounter) conv(h, w, kernel, stride, inChannels, outChannels int) (outH, outW int) {
	outH, outW = divCeil(h, stride), divCeil(w, stride)
	cc.Params += int64(kernel) * int64(kernel) * int64(inChannels) * int64(outChannels)
	cc.FLOPs += 2 * int64(outH) * int64(outW) * int64(kernel) * int64(kernel) * int64(inChannels) * int64(outChannels)
	return
}

// batchNorm accounts for a batch normalization over the channels axis: scale
// and offset are trainable, the moving mean, variance and their weight are
// state.
func (cc *costCounter) batchNorm(h, w, channels int) {
	cc.Params += 2 * int64(channels)
	cc.State += 3 * int64(channels)
	cc.FLOPs += 2 * int64(h) * int64(w) * int64(channels)
}

func (cc *costCounter) relu(h, w, channels int) {
	cc.FLOPs += int64(h) * int64(w) * int64(channels)
}

func (cc *costCounter) add(h, w, channels int) {
	cc.FLOPs += int64(h) * int64(w) * int64(channels)
}

// dense accounts for a biased linear layer.
func (cc *costCounter) dense(in, out int) {
	cc.Params += int64(in)*int64(out) + int64(out)
	cc.FLOPs += 2*int64(in)*int64(out) + int64(out)
}

// block mirrors Model.residualBlock, returning the output resolution.
func (cc *costCounter) block(m *Model, h, w, inChannels, outChannels, stride int) (outH, outW int) {
	shapeChange := stride != 1 || inChannels != outChannels

	cc.batchNorm(h, w, inChannels)
	cc.relu(h, w, inChannels)
	outH, outW = cc.conv(h, w, 3, stride, inChannels, outChannels)

	withPyramid := m.PyramidScales > 0
	if withPyramid {
		cc.pyramid(m, outH, outW, outChannels)
	}

	cc.batchNorm(outH, outW, outChannels)
	cc.relu(outH, outW, outChannels)
	cc.conv(outH, outW, 3, 1, outChannels, outChannels)
	if withPyramid {
		cc.add(outH, outW, outChannels)
	}

	if shapeChange {
		if m.Shortcut == ShortcutProject {
			cc.conv(h, w, 1, stride, inChannels, outChannels)
		} else if stride > 1 {
			// Mean pooling of the pad shortcut. Zero padding costs nothing.
			cc.FLOPs += int64(outH) * int64(outW) * int64(inChannels) * int64(stride) * int64(stride)
		}
	}
	cc.add(outH, outW, outChannels)
	return
}

// pyramid mirrors Model.pyramidBranch at a block's output resolution.
func (cc *costCounter) pyramid(m *Model, h, w, outChannels int) {
	numScales := m.PyramidScales
	groupChannels := outChannels / numScales
	for scale := 0; scale < numScales; scale++ {
		poolH, poolW := h, w
		if scale > 0 {
			factor := math.Pow(2, -float64(scale)/2)
			poolH = max(1, int(math.Round(float64(h)*factor)))
			poolW = max(1, int(math.Round(float64(w)*factor)))
			// 2x2 max filter at the native resolution, nearest resampling is free.
			cc.FLOPs += int64(h) * int64(w) * int64(groupChannels) * 4
		}
		cc.conv(poolH, poolW, 3, 1, groupChannels, outChannels)
		if scale > 0 {
			// Bilinear resize back, 8 operations per output element.
			cc.FLOPs += 8 * int64(h) * int64(w) * int64(outChannels)
			cc.add(h, w, outChannels)
		}
	}
}
