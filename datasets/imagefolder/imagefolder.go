// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder yields training batches from a directory tree of
// images, where each immediate subdirectory of the root names a class:
//
//	root/
//	  daisy/134.jpg
//	  rose/075.jpg
//	  ...
//
// Classes are assigned ids in alphabetical order. Examples can be split
// deterministically into folds (hashed from their file names), so train and
// validation datasets over the same root never overlap.
package imagefolder

import (
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// example points into Dataset.files.
type example struct {
	class, file int
}

// Dataset yields batches of images from a class-per-subdirectory tree. It
// implements train.Dataset. Configure it with Build.
type Dataset struct {
	name    string
	baseDir string

	classes []string
	files   [][]string // File names per class, relative to the class directory.

	// Image transformation.
	width, height int
	angleStdDev   float64
	flipRandomly  bool
	rng           *rand.Rand
	dtype         dtypes.DType
	toTensor      *timage.ToTensorConfig

	// Sampling strategy.
	batchSize int
	infinite  bool
	shuffle   *rand.Rand

	// Folds.
	numFolds  int
	folds     []int
	foldsSeed int32

	// mu protects counter and selection.
	mu        sync.Mutex
	counter   int
	selection []example
}

var _ train.Dataset = &Dataset{}

// DatasetBuilder configures a Dataset before it scans the directory tree.
// Create it with Build, finish it with Done.
type DatasetBuilder struct {
	ds *Dataset
}

// Build a Dataset with the given name that yields batchSize examples per
// Yield from the class subdirectories of baseDir.
//
// By default it yields Float32 images at their original size, un-augmented,
// in a fixed order and for one epoch. Configure with the With* methods and
// finish with Done, which scans the directory tree.
func Build(name, baseDir string, batchSize int) *DatasetBuilder {
	return &DatasetBuilder{ds: &Dataset{
		name:      name,
		baseDir:   baseDir,
		batchSize: batchSize,
		dtype:     dtypes.Float32,
		rng:       rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
	}}
}

// WithImageSize resizes every image, preserving the aspect ratio and zero
// padding the rest.
func (b *DatasetBuilder) WithImageSize(width, height int) *DatasetBuilder {
	b.ds.width, b.ds.height = width, height
	return b
}

// WithDType sets the dtype of the yielded image tensors. Defaults to
// Float32.
func (b *DatasetBuilder) WithDType(dtype dtypes.DType) *DatasetBuilder {
	b.ds.dtype = dtype
	return b
}

// WithAugmentation randomly rotates each image by a normally distributed
// angle (in degrees) and, if flipRandomly is set, flips it horizontally half
// of the time.
func (b *DatasetBuilder) WithAugmentation(angleStdDev float64, flipRandomly bool) *DatasetBuilder {
	b.ds.angleStdDev = angleStdDev
	b.ds.flipRandomly = flipRandomly
	return b
}

// Infinite makes the dataset loop forever, for training with
// train.Loop.RunSteps. Finite datasets end their epoch with io.EOF.
func (b *DatasetBuilder) Infinite(infinite bool) *DatasetBuilder {
	b.ds.infinite = infinite
	return b
}

// WithShuffle samples examples with the given rng: with replacement if the
// dataset is infinite, as a per-epoch shuffle otherwise.
func (b *DatasetBuilder) WithShuffle(shuffle *rand.Rand) *DatasetBuilder {
	b.ds.shuffle = shuffle
	return b
}

// WithFolds deterministically splits the examples into numFolds folds and
// keeps only the given ones. The fold of an example is hashed from its file
// name and seed, so different Datasets over the same root select consistent,
// disjoint subsets.
func (b *DatasetBuilder) WithFolds(numFolds int, folds []int, seed int32) *DatasetBuilder {
	b.ds.numFolds = numFolds
	b.ds.folds = folds
	b.ds.foldsSeed = seed
	return b
}

// Done scans the directory tree and returns the Dataset.
func (b *DatasetBuilder) Done() (*Dataset, error) {
	ds := b.ds
	if ds.numFolds > 0 && len(ds.folds) == 0 {
		return nil, errors.Errorf("dataset with %d folds, but none selected for this dataset", ds.numFolds)
	}
	for _, fold := range ds.folds {
		if fold < 0 || fold >= ds.numFolds {
			return nil, errors.Errorf("fold %d invalid for dataset with %d folds (folds selection is %v)",
				fold, ds.numFolds, ds.folds)
		}
	}
	ds.toTensor = timage.ToTensor(ds.dtype).WithAlpha()
	if err := ds.scan(); err != nil {
		return nil, err
	}
	ds.Reset()
	return ds, nil
}

// imageExtensions accepted when scanning, lower-case.
var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// scan finds the classes and their image files under baseDir, and builds the
// selection of examples in this dataset's folds.
func (ds *Dataset) scan() error {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		return errors.Wrapf(err, "failed to scan dataset directory %q", ds.baseDir)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ds.classes = append(ds.classes, entry.Name())
	}
	sort.Strings(ds.classes)
	if len(ds.classes) == 0 {
		return errors.Errorf("no class subdirectories found under %q", ds.baseDir)
	}

	ds.files = make([][]string, len(ds.classes))
	for classIdx, class := range ds.classes {
		classDir := path.Join(ds.baseDir, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return errors.Wrapf(err, "failed to scan class directory %q", classDir)
		}
		for _, file := range files {
			if file.IsDir() || !imageExtensions[strings.ToLower(path.Ext(file.Name()))] {
				continue
			}
			if !ds.inFold(file.Name()) {
				continue
			}
			ds.files[classIdx] = append(ds.files[classIdx], file.Name())
		}
		sort.Strings(ds.files[classIdx])
		for fileIdx := range ds.files[classIdx] {
			ds.selection = append(ds.selection, example{class: classIdx, file: fileIdx})
		}
	}
	if len(ds.selection) == 0 {
		return errors.Errorf("no images found under %q for folds %v", ds.baseDir, ds.folds)
	}
	return nil
}

// inFold hashes the file name with the folds seed and checks whether it
// falls in one of the dataset's folds.
func (ds *Dataset) inFold(fileName string) bool {
	if ds.numFolds == 0 {
		return true
	}
	var seedBytes [4]byte
	binary.LittleEndian.PutUint32(seedBytes[:], uint32(ds.foldsSeed))
	hash := crc32.ChecksumIEEE(append(seedBytes[:], fileName...))
	fold := int(hash % uint32(ds.numFolds))
	for _, included := range ds.folds {
		if fold == included {
			return true
		}
	}
	return false
}

// NumClasses found under the dataset root.
func (ds *Dataset) NumClasses() int { return len(ds.classes) }

// Classes returns the class names, in id order.
func (ds *Dataset) Classes() []string { return ds.classes }

// NumExamples selected into this dataset, across all classes.
func (ds *Dataset) NumExamples() int { return len(ds.selection) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// yieldExamples picks the next batchSize examples, or returns io.EOF if a
// finite dataset exhausted its epoch.
func (ds *Dataset) yieldExamples() ([]example, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	batch := make([]example, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		if ds.infinite {
			if ds.shuffle != nil {
				// Sample randomly with replacement.
				batch = append(batch, ds.selection[ds.shuffle.Intn(len(ds.selection))])
				continue
			}
			batch = append(batch, ds.selection[ds.counter])
			ds.counter = (ds.counter + 1) % len(ds.selection)
			continue
		}
		if ds.counter >= len(ds.selection) {
			return batch, io.EOF
		}
		batch = append(batch, ds.selection[ds.counter])
		ds.counter++
	}
	return batch, nil
}

// YieldImages yields a batch of decoded images and their class ids. These
// are the raw images that can be displayed. See Yield for tensors that can
// be used for training.
func (ds *Dataset) YieldImages() (images []image.Image, classes []int, err error) {
	batch, err := ds.yieldExamples()
	if err != nil {
		return
	}
	images = make([]image.Image, 0, len(batch))
	classes = make([]int, 0, len(batch))
	for _, ex := range batch {
		imgPath := path.Join(ds.baseDir, ds.classes[ex.class], ds.files[ex.class][ex.file])
		img, err := LoadImage(imgPath)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while reading %q image %q", ds.classes[ex.class], imgPath)
		}
		img = ds.augment(img)
		if ds.width > 0 && ds.height > 0 {
			img = ResizeWithPadding(img, ds.width, ds.height)
		}
		images = append(images, img)
		classes = append(classes, ex.class)
	}
	return
}

// augment the image according to the dataset configuration.
func (ds *Dataset) augment(img image.Image) image.Image {
	if ds.angleStdDev > 0 {
		img = imaging.Rotate(img, ds.rng.NormFloat64()*ds.angleStdDev, color.RGBA{R: 0, G: 0, B: 0, A: 255})
	}
	if ds.flipRandomly && ds.rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	return img
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the *Dataset itself.
//   - inputs: one tensor, the images batch shaped
//     [batchSize, height, width, depth=4].
//   - labels: one Int64 tensor with the class ids, shaped [batchSize, 1].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images, classes, err := ds.YieldImages()
	if err != nil {
		return
	}
	spec = ds
	labelsData := make([]int64, len(classes))
	for i, class := range classes {
		labelsData[i] = int64(class)
	}
	labelsT := tensors.FromFlatDataAndDimensions(labelsData, len(labelsData), 1)
	return spec, []*tensors.Tensor{ds.toTensor.Batch(images)}, []*tensors.Tensor{labelsT}, nil
}

// Reset implements train.Dataset, restarting the epoch. For finite shuffled
// datasets it also re-shuffles the selection.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.counter = 0
	if ds.infinite || ds.shuffle == nil {
		return
	}
	ds.shuffle.Shuffle(len(ds.selection), func(i, j int) {
		ds.selection[i], ds.selection[j] = ds.selection[j], ds.selection[i]
	})
}

// LoadImage opens and decodes one image file.
func LoadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	return img, err
}

// ResizeWithPadding resizes the image to width x height without distorting
// its scale: the image is fit inside the target rectangle and the remainder
// is zero-padded, including on the alpha channel.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	imgSize := img.Bounds().Size()
	wRatio := float64(width) / float64(imgSize.X)
	hRatio := float64(height) / float64(imgSize.Y)

	adjustedWidth, adjustedHeight := width, height
	if wRatio < hRatio {
		adjustedHeight = int(wRatio * float64(imgSize.Y))
	} else if hRatio < wRatio {
		adjustedWidth = int(hRatio * float64(imgSize.X))
	}
	img = imaging.Resize(img, adjustedWidth, adjustedHeight, imaging.Lanczos)
	if adjustedWidth != width || adjustedHeight != height {
		background := image.NewRGBA(image.Rect(0, 0, width, height))
		img = imaging.PasteCenter(background, img)
	}
	return img
}
