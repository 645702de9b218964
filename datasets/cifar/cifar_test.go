// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSource(t *testing.T) {
	assert.Equal(t, "cifar10", C10.String())
	assert.Equal(t, "cifar100", C100.String())
	assert.Equal(t, 10, C10.NumClasses())
	assert.Equal(t, 100, C100.NumClasses())
}

func TestLabelName(t *testing.T) {
	assert.Len(t, C10Labels, 10)
	assert.Len(t, C100Labels, 100)

	assert.Equal(t, "airplane", LabelName(C10, 0))
	assert.Equal(t, "truck", LabelName(C10, 9))
	assert.Equal(t, "apple", LabelName(C100, 0))
	assert.Equal(t, "worm", LabelName(C100, 99))

	assert.Equal(t, "invalid_class_-1", LabelName(C10, -1))
	assert.Equal(t, "invalid_class_10", LabelName(C10, 10))
	assert.Equal(t, "invalid_class_100", LabelName(C100, 100))
}

func TestLayouts(t *testing.T) {
	assert.Len(t, layouts[C10].files, 6)
	assert.Equal(t, 1, layouts[C10].labelBytes)
	assert.Equal(t, 0, layouts[C10].labelIndex)

	// CIFAR-100 records carry coarse and fine labels, the fine one counts.
	assert.Len(t, layouts[C100].files, 2)
	assert.Equal(t, 2, layouts[C100].labelBytes)
	assert.Equal(t, 1, layouts[C100].labelIndex)
}

// TestCopyImageToTensor checks the planar (channel, row, column) record bytes
// land interleaved channels-last, scaled to [0, 1).
func TestCopyImageToTensor(t *testing.T) {
	record := make([]byte, imageSizeBytes)
	value := func(d, h, w int) byte {
		return byte((d*7 + h*3 + w) % 251)
	}
	for d := 0; d < Depth; d++ {
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				record[d*Height*Width+h*Width+w] = value(d, h, w)
			}
		}
	}

	const numExamples = 2
	imagesData := make([]float32, numExamples*imageSizeBytes)
	copyImageToTensor(record, imagesData, 1)

	for _, pos := range []struct{ h, w, d int }{
		{0, 0, 0}, {0, 0, 2}, {0, 31, 1}, {31, 0, 2}, {17, 23, 0}, {31, 31, 2},
	} {
		got := imagesData[imageSizeBytes+(pos.h*Width+pos.w)*Depth+pos.d]
		want := float32(value(pos.d, pos.h, pos.w)) / 255
		assert.Equal(t, want, got, "pixel (h=%d, w=%d, d=%d)", pos.h, pos.w, pos.d)
	}

	// Example 0 was not touched.
	for i := 0; i < imageSizeBytes; i++ {
		if imagesData[i] != 0 {
			t.Fatalf("example 0 modified at flat index %d", i)
		}
	}
}
