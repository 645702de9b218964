// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/random"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
)

func TestFanOutForShape(t *testing.T) {
	tests := []struct {
		shape shapes.Shape
		want  int
	}{
		{shapes.Make(dtypes.Float32), 1},
		{shapes.Make(dtypes.Float32, 5), 0},
		{shapes.Make(dtypes.Float32, 128, 10), 10},
		{shapes.Make(dtypes.Float32, 3, 3, 16, 32), 9 * 32},
		{shapes.Make(dtypes.Float32, 3, 3, 3, 4, 8), 27 * 8},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, fanOutForShape(test.shape), "fanOutForShape(%s)", test.shape)
	}
}

func TestHeNormalFanOut(t *testing.T) {
	// A 3x3x16x64 kernel has fan-out 9*64, so the draws should have mean 0
	// and stddev sqrt(2/576) ~= 0.0589. With 9,216 samples the estimates are
	// accurate well within the test delta.
	kernelShape := shapes.Make(dtypes.Float32, 3, 3, 16, 64)
	wantStddev := math.Sqrt(2.0 / 576.0)
	graphtest.RunTestGraphFn(t, "kernel statistics",
		func(g *Graph) (inputs, outputs []*Node) {
			init := HeNormalFanOut(random.NewWithSeed(42))
			values := init(g, kernelShape)
			mean := ReduceAllMean(values)
			variance := ReduceAllMean(Square(Sub(values, mean)))
			outputs = []*Node{mean, Sqrt(variance)}
			return
		}, []any{
			float32(0),
			float32(wantStddev),
		}, 0.005)

	graphtest.RunTestGraphFn(t, "zeros for biases and non-floats",
		func(g *Graph) (inputs, outputs []*Node) {
			init := HeNormalFanOut(random.New())
			bias := init(g, shapes.Make(dtypes.Float32, 10))
			ints := init(g, shapes.Make(dtypes.Int32, 3, 3, 4, 8))
			outputs = []*Node{ReduceAllMax(Abs(bias)), ReduceAllMax(Abs(ints))}
			return
		}, []any{
			float32(0),
			int32(0),
		}, 0)

	graphtest.RunTestGraphFn(t, "same seed, same kernel",
		func(g *Graph) (inputs, outputs []*Node) {
			a := HeNormalFanOut(random.NewWithSeed(7))(g, kernelShape)
			b := HeNormalFanOut(random.NewWithSeed(7))(g, kernelShape)
			outputs = []*Node{ReduceAllMax(Abs(Sub(a, b)))}
			return
		}, []any{
			float32(0),
		}, 0)
}
