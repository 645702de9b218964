// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Shortcut selects how the residual shortcut bridges a change of shape, when
// the block strides or widens. With an unchanged shape the shortcut is always
// the identity, whatever the setting.
type Shortcut int

const (
	// ShortcutProject uses a 1x1 convolution, strided if needed, reading from
	// the same pre-activation as the residual convolutions.
	ShortcutProject Shortcut = iota

	// ShortcutPad is parameter-free: it mean-pools to stride down and
	// zero-pads the new channels.
	ShortcutPad
)

// String implements fmt.Stringer.
func (s Shortcut) String() string {
	if s == ShortcutPad {
		return "pad"
	}
	return "project"
}

// ParseShortcut converts a shortcut name ("project", "pad") to its enum value.
func ParseShortcut(name string) (Shortcut, error) {
	switch name {
	case "project":
		return ShortcutProject, nil
	case "pad":
		return ShortcutPad, nil
	}
	return 0, errors.Errorf("unknown shortcut type %q, valid values are \"project\" and \"pad\"", name)
}

// residualBlock builds one pre-activation residual block: two
// normalize-activate-convolve stages, a multi-scale pyramid branch reading
// from the intermediate activation, and a shortcut, all summed into the
// output.
//
// The first normalize-activate pair is computed once and shared: the first
// convolution and a projection shortcut both read from it, instead of each
// normalizing the input again.
//
// The scope ctx must be unique per block. The returned node has shape
// [batch, ceil(h/stride), ceil(w/stride), outChannels].
func (m *Model) residualBlock(ctx *context.Context, x *Node, outChannels, stride int) *Node {
	inChannels := x.Shape().Dim(-1)
	shapeChange := stride != 1 || inChannels != outChannels

	preact := activations.Relu(batchnorm.New(ctx.In("norm0"), x, -1).Done())

	h := layers.Convolution(ctx.In("conv0"), preact).
		Channels(outChannels).KernelSize(3).Strides(stride).PadSame().UseBias(false).Done()

	var pyramid *Node
	if m.PyramidScales > 0 {
		pyramid = m.pyramidBranch(ctx.In("pyramid"), h, outChannels)
	}

	h = layers.DropoutStatic(ctx.In("dropout"), h, m.DropoutRate)
	h = activations.Relu(batchnorm.New(ctx.In("norm1"), h, -1).Done())
	h = layers.Convolution(ctx.In("conv1"), h).
		Channels(outChannels).KernelSize(3).PadSame().UseBias(false).Done()

	if pyramid != nil {
		h = Add(h, pyramid)
	}

	var shortcut *Node
	switch {
	case !shapeChange:
		shortcut = x
	case m.Shortcut == ShortcutProject:
		shortcut = layers.Convolution(ctx.In("project"), preact).
			Channels(outChannels).KernelSize(1).Strides(stride).PadSame().UseBias(false).Done()
	default:
		if outChannels < inChannels {
			exceptions.Panicf("shortcut type %q cannot bridge from %d to fewer (%d) channels, use %q instead",
				ShortcutPad, inChannels, outChannels, ShortcutProject)
		}
		shortcut = x
		if stride > 1 {
			shortcut = MeanPool(shortcut).Window(stride).Strides(stride).PadSame().Done()
		}
		if pad := outChannels - inChannels; pad > 0 {
			zerosShape := shortcut.Shape().Clone()
			zerosShape.Dimensions[zerosShape.Rank()-1] = pad
			shortcut = Concatenate([]*Node{shortcut, Zeros(shortcut.Graph(), zerosShape)}, -1)
		}
	}
	return Add(h, shortcut)
}

// pyramidBranch splits h into pyramidScales channel groups and processes each
// at its own spatial resolution: group s is max-filtered and resized by
// 2^(-s/2), convolved from its slice of channels back to the full block
// width, and bilinearly resized back to h's resolution. The branch output is
// the sum of the groups.
//
// Group 0 keeps the native resolution, so a single-scale branch degenerates
// to one full-width convolution of the first channel group.
func (m *Model) pyramidBranch(ctx *context.Context, h *Node, outChannels int) *Node {
	numScales := m.PyramidScales
	if outChannels%numScales != 0 {
		exceptions.Panicf("pyramid branch requires the block width (%d) to be divisible by the number of scales (%d)",
			outChannels, numScales)
	}
	groupChannels := outChannels / numScales
	height := h.Shape().Dim(1)
	width := h.Shape().Dim(2)

	var sum *Node
	for scale := 0; scale < numScales; scale++ {
		group := Slice(h, AxisRange().Spacer(), AxisRange(scale*groupChannels, (scale+1)*groupChannels))
		if scale > 0 {
			// Overlapping max filter followed by a fractional resize. The area
			// halves every two scales.
			factor := math.Pow(2, -float64(scale)/2)
			poolHeight := max(1, int(math.Round(float64(height)*factor)))
			poolWidth := max(1, int(math.Round(float64(width)*factor)))
			group = MaxPool(group).Window(2).Strides(1).PadSame().Done()
			group = Interpolate(group, NoInterpolation, poolHeight, poolWidth, NoInterpolation).
				Nearest().Done()
		}
		group = layers.Convolution(ctx.Inf("scale_%d", scale), group).
			Channels(outChannels).KernelSize(3).PadSame().UseBias(false).Done()
		if scale > 0 {
			group = Interpolate(group, NoInterpolation, height, width, NoInterpolation).
				Bilinear().Done()
		}
		if sum == nil {
			sum = group
		} else {
			sum = Add(sum, group)
		}
	}
	return sum
}
