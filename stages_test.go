// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataset(t *testing.T) {
	for name, want := range map[string]Dataset{
		"cifar10":  CIFAR10,
		"cifar100": CIFAR100,
		"imagenet": ImageNet,
	} {
		got, err := ParseDataset(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}

	_, err := ParseDataset("mnist")
	require.ErrorContains(t, err, "unknown dataset")
	assert.Equal(t, "invalid", Dataset(99).String())
}

func TestDatasetProperties(t *testing.T) {
	assert.Equal(t, 10, CIFAR10.NumClasses())
	assert.Equal(t, 100, CIFAR100.NumClasses())
	assert.Equal(t, 1000, ImageNet.NumClasses())

	assert.Equal(t, 32, CIFAR10.InputSize())
	assert.Equal(t, 32, CIFAR100.InputSize())
	assert.Equal(t, 224, ImageNet.InputSize())
}

func TestBlocksPerStage(t *testing.T) {
	tests := []struct {
		dataset Dataset
		depth   int
		want    []int
	}{
		{CIFAR10, 10, []int{1, 1, 1}},
		{CIFAR10, 16, []int{2, 2, 2}},
		{CIFAR100, 28, []int{4, 4, 4}},
		{CIFAR10, 110, []int{17, 17, 17}},
		{ImageNet, 18, []int{2, 2, 2, 2}},
		{ImageNet, 34, []int{3, 4, 6, 3}},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, blocksPerStage(test.dataset, test.depth),
			"blocksPerStage(%s, %d)", test.dataset, test.depth)
	}

	// CIFAR depths must be of the form 6n+4.
	require.Panics(t, func() { blocksPerStage(CIFAR10, 12) })
	require.Panics(t, func() { blocksPerStage(CIFAR100, 15) })
	// Only the tabled ImageNet depths are supported.
	require.Panics(t, func() { blocksPerStage(ImageNet, 20) })
	require.Panics(t, func() { blocksPerStage(ImageNet, 50) })
	require.Panics(t, func() { blocksPerStage(Dataset(99), 16) })
}

func TestStageWidths(t *testing.T) {
	assert.Equal(t, []int{16, 32, 64}, stageWidths(CIFAR10, 1))
	assert.Equal(t, []int{160, 320, 640}, stageWidths(CIFAR100, 10))
	assert.Equal(t, []int{64, 128, 256, 512}, stageWidths(ImageNet, 1))
	assert.Equal(t, []int{128, 256, 512, 1024}, stageWidths(ImageNet, 2))
}

func TestStageStrides(t *testing.T) {
	assert.Equal(t, []int{1, 2, 2}, stageStrides(CIFAR10))
	assert.Equal(t, []int{1, 2, 2}, stageStrides(CIFAR100))
	assert.Equal(t, []int{1, 2, 2, 2}, stageStrides(ImageNet))
}
