// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDivCeil(t *testing.T) {
	assert.Equal(t, 32, divCeil(32, 1))
	assert.Equal(t, 16, divCeil(32, 2))
	assert.Equal(t, 4, divCeil(7, 2))
	assert.Equal(t, 2, divCeil(5, 4))
	assert.Equal(t, 1, divCeil(1, 2))
}

func TestCostCounterUnits(t *testing.T) {
	t.Run("Conv", func(t *testing.T) {
		var cc costCounter
		h, w := cc.conv(32, 32, 3, 1, 16, 32)
		assert.Equal(t, 32, h)
		assert.Equal(t, 32, w)
		assert.Equal(t, int64(3*3*16*32), cc.Params)
		assert.Equal(t, int64(2*32*32*3*3*16*32), cc.FLOPs)
		assert.Equal(t, int64(0), cc.State)
	})

	t.Run("ConvStrided", func(t *testing.T) {
		var cc costCounter
		h, w := cc.conv(32, 32, 3, 2, 16, 32)
		assert.Equal(t, 16, h)
		assert.Equal(t, 16, w)
		assert.Equal(t, int64(2*16*16*3*3*16*32), cc.FLOPs)
	})

	t.Run("BatchNorm", func(t *testing.T) {
		var cc costCounter
		cc.batchNorm(8, 8, 64)
		assert.Equal(t, int64(2*64), cc.Params)
		assert.Equal(t, int64(3*64), cc.State)
		assert.Equal(t, int64(2*8*8*64), cc.FLOPs)
	})

	t.Run("Dense", func(t *testing.T) {
		var cc costCounter
		cc.dense(64, 10)
		assert.Equal(t, int64(64*10+10), cc.Params)
		assert.Equal(t, int64(2*64*10+10), cc.FLOPs)
	})
}

// TestCostClosedForm pins the counts of a depth 10 CIFAR-10 model, small
// enough to verify by hand. Per layer:
//
//	stem conv 3x3x3x16                              432
//	block 1: norms 2x32, convs 2x 3x3x16x16       4,672
//	block 2: norms 32+64, convs 4,608+9,216,
//	         projection 1x1x16x32                14,432
//	block 3: norms 64+128, convs 18,432+36,864,
//	         projection 1x1x32x64                57,536
//	final norm 128, head 64x10+10                   778
//
// Each norm layer also keeps 3 state elements per channel.
func TestCostClosedForm(t *testing.T) {
	t.Run("ProjectNoPyramid", func(t *testing.T) {
		cost := New(CIFAR10, 10).WithPyramidScales(0).Cost(32, 32, 3)
		assert.Equal(t, int64(77850), cost.Params)
		assert.Equal(t, int64(720), cost.State)
		assert.Equal(t, int64(25257290), cost.FLOPs)
	})

	t.Run("PadNoPyramid", func(t *testing.T) {
		// The pad shortcut drops the two projections (512 and 2,048 weights).
		cost := New(CIFAR10, 10).WithPyramidScales(0).WithShortcut(ShortcutPad).Cost(32, 32, 3)
		assert.Equal(t, int64(75290), cost.Params)
		assert.Equal(t, int64(720), cost.State)
	})

	t.Run("WithPyramid", func(t *testing.T) {
		// Four scale convolutions per block, 3x3x(width/4)xwidth each, add
		// 9xwidth^2 weights per block: 2,304 + 9,216 + 36,864.
		cost := New(CIFAR10, 10).Cost(32, 32, 3)
		assert.Equal(t, int64(77850+48384), cost.Params)
		assert.Equal(t, int64(720), cost.State)
	})

	t.Run("InputSizeScalesFLOPsOnly", func(t *testing.T) {
		small := New(CIFAR10, 10).Cost(32, 32, 3)
		large := New(CIFAR10, 10).Cost(64, 64, 3)
		assert.Equal(t, small.Params, large.Params)
		assert.Equal(t, small.State, large.State)
		assert.Greater(t, large.FLOPs, 3*small.FLOPs)
	})
}
