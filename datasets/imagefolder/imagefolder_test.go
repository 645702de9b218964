// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, filePath string, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// fiveFlowers creates a tree with 2 daisies, 2 roses and 1 tulip, plus
// entries the scan must skip.
func fiveFlowers(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for class, count := range map[string]int{"daisy": 2, "rose": 2, "tulip": 1} {
		classDir := path.Join(root, class)
		require.NoError(t, os.Mkdir(classDir, 0755))
		for i := 0; i < count; i++ {
			writePNG(t, path.Join(classDir, class+string(rune('a'+i))+".png"), 8, 8)
		}
	}

	// None of these may become classes or examples.
	require.NoError(t, os.WriteFile(path.Join(root, "README.txt"), []byte("flowers"), 0644))
	require.NoError(t, os.Mkdir(path.Join(root, ".cache"), 0755))
	writePNG(t, path.Join(root, ".cache", "cached.png"), 8, 8)
	require.NoError(t, os.WriteFile(path.Join(root, "daisy", "notes.txt"), []byte("n"), 0644))
	require.NoError(t, os.Mkdir(path.Join(root, "daisy", "raw"), 0755))
	return root
}

func yieldLabels(t *testing.T, ds *Dataset) []int64 {
	t.Helper()
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	var values []int64
	tensors.MustConstFlatData(labels[0], func(flat []int64) {
		values = slices.Clone(flat)
	})
	return values
}

func TestScan(t *testing.T) {
	root := fiveFlowers(t)
	ds, err := Build("flowers", root, 2).Done()
	require.NoError(t, err)

	assert.Equal(t, "flowers", ds.Name())
	assert.Equal(t, 3, ds.NumClasses())
	assert.Equal(t, []string{"daisy", "rose", "tulip"}, ds.Classes())
	assert.Equal(t, 5, ds.NumExamples())
}

func TestScanErrors(t *testing.T) {
	_, err := Build("empty", t.TempDir(), 2).Done()
	require.ErrorContains(t, err, "no class subdirectories")

	_, err = Build("missing", path.Join(t.TempDir(), "nowhere"), 2).Done()
	require.Error(t, err)
}

func TestYield(t *testing.T) {
	root := fiveFlowers(t)
	ds, err := Build("flowers", root, 2).WithImageSize(16, 16).Done()
	require.NoError(t, err)

	// Unshuffled finite epochs run through the classes in order, two full
	// batches, and drop the incomplete last batch.
	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Same(t, ds, spec)
	assert.Equal(t, []int{2, 16, 16, 4}, inputs[0].Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, inputs[0].Shape().DType)
	assert.Equal(t, []int{2, 1}, labels[0].Shape().Dimensions)
	tensors.MustConstFlatData(labels[0], func(flat []int64) {
		assert.Equal(t, []int64{0, 0}, flat)
	})

	assert.Equal(t, []int64{1, 1}, yieldLabels(t, ds))
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	assert.Equal(t, []int64{0, 0}, yieldLabels(t, ds))
}

func TestYieldBatchLargerThanEpoch(t *testing.T) {
	root := fiveFlowers(t)
	ds, err := Build("flowers", root, 10).Done()
	require.NoError(t, err)
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
}

func TestInfinite(t *testing.T) {
	root := fiveFlowers(t)
	ds, err := Build("flowers", root, 2).WithImageSize(16, 16).Infinite(true).Done()
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 0}, yieldLabels(t, ds))
	assert.Equal(t, []int64{1, 1}, yieldLabels(t, ds))
	// The epoch wraps around instead of ending.
	assert.Equal(t, []int64{2, 0}, yieldLabels(t, ds))
	assert.Equal(t, []int64{0, 1}, yieldLabels(t, ds))
}

func TestShuffledEpoch(t *testing.T) {
	root := fiveFlowers(t)
	ds, err := Build("flowers", root, 1).
		WithImageSize(16, 16).
		WithShuffle(rand.New(rand.NewSource(42))).
		Done()
	require.NoError(t, err)

	var epoch []int64
	for i := 0; i < 5; i++ {
		epoch = append(epoch, yieldLabels(t, ds)...)
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Every example exactly once per epoch, in some order.
	slices.Sort(epoch)
	assert.Equal(t, []int64{0, 0, 1, 1, 2}, epoch)
}

func TestWithDType(t *testing.T) {
	root := fiveFlowers(t)
	ds, err := Build("flowers", root, 2).WithImageSize(16, 16).WithDType(dtypes.Float64).Done()
	require.NoError(t, err)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float64, inputs[0].Shape().DType)
}

func TestAugmentation(t *testing.T) {
	root := fiveFlowers(t)
	ds, err := Build("flowers", root, 2).
		WithImageSize(16, 16).
		WithAugmentation(15, true).
		Done()
	require.NoError(t, err)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 16, 4}, inputs[0].Shape().Dimensions)
}

func TestFolds(t *testing.T) {
	root := t.TempDir()
	var names []string
	for _, class := range []string{"ants", "bees"} {
		require.NoError(t, os.Mkdir(path.Join(root, class), 0755))
		for i := 0; i < 6; i++ {
			name := class + string(rune('0'+i)) + ".png"
			writePNG(t, path.Join(root, class, name), 8, 8)
			names = append(names, name)
		}
	}

	const seed = int32(3)
	probe := func(fold int) *Dataset {
		return &Dataset{numFolds: 2, folds: []int{fold}, foldsSeed: seed}
	}
	var counts [2]int
	for _, name := range names {
		in0, in1 := probe(0).inFold(name), probe(1).inFold(name)
		require.NotEqual(t, in0, in1, "file %q must fall in exactly one fold", name)
		if in0 {
			counts[0]++
		} else {
			counts[1]++
		}
	}
	assert.Equal(t, len(names), counts[0]+counts[1])

	for fold, count := range counts {
		ds, err := Build("folds", root, 1).WithFolds(2, []int{fold}, seed).Done()
		if count == 0 {
			require.ErrorContains(t, err, "no images found")
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, count, ds.NumExamples(), "fold %d", fold)
	}

	both, err := Build("folds", root, 1).WithFolds(2, []int{0, 1}, seed).Done()
	require.NoError(t, err)
	assert.Equal(t, len(names), both.NumExamples())
}

func TestFoldsValidation(t *testing.T) {
	root := fiveFlowers(t)
	_, err := Build("folds", root, 1).WithFolds(3, nil, 0).Done()
	require.ErrorContains(t, err, "none selected")

	_, err = Build("folds", root, 1).WithFolds(3, []int{5}, 0).Done()
	require.ErrorContains(t, err, "invalid")
}

func TestResizeWithPadding(t *testing.T) {
	sizeOf := func(w, h int) image.Point {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		return ResizeWithPadding(img, 16, 16).Bounds().Size()
	}
	assert.Equal(t, image.Point{X: 16, Y: 16}, sizeOf(20, 10))
	assert.Equal(t, image.Point{X: 16, Y: 16}, sizeOf(10, 20))
	assert.Equal(t, image.Point{X: 16, Y: 16}, sizeOf(16, 16))
	assert.Equal(t, image.Point{X: 16, Y: 16}, sizeOf(3, 5))
}

func TestLoadImage(t *testing.T) {
	root := t.TempDir()
	imgPath := path.Join(root, "img.png")
	writePNG(t, imgPath, 12, 7)

	img, err := LoadImage(imgPath)
	require.NoError(t, err)
	assert.Equal(t, image.Point{X: 12, Y: 7}, img.Bounds().Size())

	_, err = LoadImage(path.Join(root, "missing.png"))
	require.Error(t, err)
}
