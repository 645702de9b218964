// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pyramidnet

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Dataset selects the network topology: small-image datasets (CIFAR) get a
// 3-stage network with a light stem, ImageNet gets a 4-stage network with a
// 7x7 strided stem and max pooling.
type Dataset int

const (
	CIFAR10 Dataset = iota
	CIFAR100
	ImageNet
)

var datasetNames = map[Dataset]string{
	CIFAR10:  "cifar10",
	CIFAR100: "cifar100",
	ImageNet: "imagenet",
}

// String implements fmt.Stringer.
func (d Dataset) String() string {
	if name, found := datasetNames[d]; found {
		return name
	}
	return "invalid"
}

// NumClasses is the number of classes of the dataset's standard labeling.
func (d Dataset) NumClasses() int {
	switch d {
	case CIFAR10:
		return 10
	case CIFAR100:
		return 100
	default:
		return 1000
	}
}

// InputSize is the side (in pixels) of the square images the dataset's
// models are usually trained with.
func (d Dataset) InputSize() int {
	if d == ImageNet {
		return 224
	}
	return 32
}

// ParseDataset converts a dataset name ("cifar10", "cifar100", "imagenet")
// to its enum value.
func ParseDataset(name string) (Dataset, error) {
	for d, n := range datasetNames {
		if n == name {
			return d, nil
		}
	}
	valid := maps.Values(datasetNames)
	slices.Sort(valid)
	return 0, errors.Errorf("unknown dataset %q, valid values are %q", name, valid)
}

// mustParseDataset is ParseDataset for graph-building code, where an unknown
// dataset is fatal.
func mustParseDataset(name string) Dataset {
	d, err := ParseDataset(name)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return d
}

// imageNetBlocks maps supported ImageNet depths to the number of residual
// blocks per stage.
var imageNetBlocks = map[int][]int{
	18: {2, 2, 2, 2},
	34: {3, 4, 6, 3},
}

const (
	imageNetStemChannels = 64
	cifarStemChannels    = 16
)

var (
	imageNetStageWidths = []int{64, 128, 256, 512}
	cifarStageWidths    = []int{16, 32, 64}
)

// blocksPerStage returns how many residual blocks each stage repeats for the
// given dataset family and depth.
//
// ImageNet depths come from a fixed table (18 and 34). For CIFAR the count
// is derived as (depth-4)/6, so the depth must be of the form 6n+4 (10, 16,
// 22, 28, ...). Anything else is fatal.
func blocksPerStage(dataset Dataset, depth int) []int {
	switch dataset {
	case ImageNet:
		blocks, found := imageNetBlocks[depth]
		if !found {
			valid := maps.Keys(imageNetBlocks)
			slices.Sort(valid)
			exceptions.Panicf("depth %d is not supported for ImageNet models, valid depths are %v", depth, valid)
		}
		return blocks
	case CIFAR10, CIFAR100:
		if depth%6 != 4 {
			exceptions.Panicf("depth %d is not supported for CIFAR models: the depth must be of the form 6n+4 (10, 16, 22, 28, ...)", depth)
		}
		numBlocks := (depth - 4) / 6
		return []int{numBlocks, numBlocks, numBlocks}
	default:
		exceptions.Panicf("unknown dataset %d, valid values are %q", dataset, maps.Values(datasetNames))
	}
	return nil
}

// stageWidths returns the output channels of each stage, already scaled by
// the widen factor. The stem width is not scaled.
func stageWidths(dataset Dataset, widenFactor int) []int {
	base := cifarStageWidths
	if dataset == ImageNet {
		base = imageNetStageWidths
	}
	widths := make([]int, len(base))
	for i, w := range base {
		widths[i] = w * widenFactor
	}
	return widths
}

// stageStrides returns the stride applied by the first block of each stage.
func stageStrides(dataset Dataset) []int {
	if dataset == ImageNet {
		return []int{1, 2, 2, 2}
	}
	return []int{1, 2, 2}
}
