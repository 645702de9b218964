// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/initializer"
	"github.com/gomlx/gomlx/pkg/ml/random"
)

// HeNormalFanOut returns an initializer that draws from a normal distribution
// with mean 0 and stddev sqrt(2 / fanOut), where fanOut is the number of
// output units scaled by the receptive field size. For a convolution kernel
// of shape [k..., inputChannels, outputChannels] that gives a variance of
// 2 / (kernelArea * outputChannels).
//
// It is the fan-out counterpart of He initialization ([1]), which preserves
// the variance of the gradients instead of the activations through ReLU
// layers.
//
// It initializes biases (anything with rank <= 1) to zeros. Non-float
// variables are initialized with zero instead.
//
// [1] https://arxiv.org/pdf/1502.01852
func HeNormalFanOut(rng *random.Random) initializer.Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			return Zeros(g, shape)
		}
		if shape.Rank() <= 1 {
			// Zero-bias.
			return Zeros(g, shape)
		}
		fanOut := fanOutForShape(shape)
		stddev := math.Sqrt(2.0 / max(1.0, float64(fanOut)))
		values := rng.Normal(g, shape)
		return MulScalar(values, stddev)
	}
}

// fanOutForShape computes the fan-out of a variable expected to be the
// parameters of either layers.Dense or layers.Convolution.
func fanOutForShape(shape shapes.Shape) int {
	rank := shape.Rank()
	switch rank {
	case 0:
		return 1
	case 1:
		return 0
	case 2: // Weights of a dense layer.
		return shape.Dimensions[1]
	default: // Convolution kernels (2D, 3D, or more):
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		return shape.Dimensions[rank-1] * receptiveFieldSize
	}
}
