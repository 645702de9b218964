// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the CIFAR-10 and CIFAR-100 datasets as
// tensors, and wraps them into in-memory datasets for training.
//
// Details about the datasets in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pyramidnet/datasets/downloader"
	"github.com/pkg/errors"
)

// Source selects CIFAR-10 or CIFAR-100.
type Source int

const (
	C10 Source = iota
	C100
)

// String implements fmt.Stringer.
func (s Source) String() string {
	if s == C100 {
		return "cifar100"
	}
	return "cifar10"
}

// NumClasses of the source: 10, or 100 fine labels.
func (s Source) NumClasses() int {
	if s == C100 {
		return 100
	}
	return 10
}

// Partition refers to the train or test examples of a source.
type Partition int

const (
	Train Partition = iota
	Test
)

const (
	// NumExamples is the total number of examples, training plus test. The
	// value is the same for both sources.
	NumExamples = 60000

	// NumTrainExamples is the number of examples reserved for training, the
	// starting ones. The value is the same for both sources.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples reserved for testing, the
	// last ones. The value is the same for both sources.
	NumTestExamples = 10000
)

// Width, Height and Depth are the dimensions of the images, the same for
// both sources.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

// layout describes where a source's binary files live and how each record is
// framed: labelBytes label bytes followed by a Depth x Height x Width image.
type layout struct {
	url, tarName, subDir, checksum string

	files      []string
	labelBytes int // Label bytes preceding each image.
	labelIndex int // Which of them is the class label.
}

var layouts = [2]layout{
	C10: {
		url:      "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz",
		tarName:  "cifar-10-binary.tar.gz",
		subDir:   "cifar-10-batches-bin",
		checksum: "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd",
		files: []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin",
			"data_batch_4.bin", "data_batch_5.bin", "test_batch.bin"},
		labelBytes: 1,
		labelIndex: 0,
	},
	C100: {
		url:      "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz",
		tarName:  "cifar-100-binary.tar.gz",
		subDir:   "cifar-100-binary",
		checksum: "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec",
		files:    []string{"train.bin", "test.bin"},
		// Records carry the coarse label first, the fine label is the class.
		labelBytes: 2,
		labelIndex: 1,
	},
}

// Labels of CIFAR-10 and the fine labels of CIFAR-100, indexed by class.
var (
	C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

	C100Labels = []string{"apple", "aquarium_fish", "baby", "bear", "beaver", "bed", "bee", "beetle", "bicycle",
		"bottle", "bowl", "boy", "bridge", "bus", "butterfly", "camel", "can", "castle", "caterpillar", "cattle",
		"chair", "chimpanzee", "clock", "cloud", "cockroach", "couch", "crab", "crocodile", "cup", "dinosaur",
		"dolphin", "elephant", "flatfish", "forest", "fox", "girl", "hamster", "house", "kangaroo", "keyboard", "lamp",
		"lawn_mower", "leopard", "lion", "lizard", "lobster", "man", "maple_tree", "motorcycle", "mountain", "mouse",
		"mushroom", "oak_tree", "orange", "orchid", "otter", "palm_tree", "pear", "pickup_truck", "pine_tree", "plain",
		"plate", "poppy", "porcupine", "possum", "rabbit", "raccoon", "ray", "road", "rocket", "rose", "sea", "seal",
		"shark", "shrew", "skunk", "skyscraper", "snail", "snake", "spider", "squirrel", "streetcar", "sunflower",
		"sweet_pepper", "table", "tank", "telephone", "television", "tiger", "tractor", "train", "trout", "tulip",
		"turtle", "wardrobe", "whale", "willow_tree", "wolf", "woman", "worm"}
)

// LabelName of the given class for the source, e.g. LabelName(C10, 0) is
// "airplane".
func LabelName(source Source, class int) string {
	labels := C10Labels
	if source == C100 {
		labels = C100Labels
	}
	if class < 0 || class >= len(labels) {
		return fmt.Sprintf("invalid_class_%d", class)
	}
	return labels[class]
}

// Download the source's archive under baseDir and extract it, skipping
// whatever is already there.
func Download(baseDir string, source Source) error {
	l := layouts[source]
	return downloader.DownloadAndUntarIfMissing(l.url, baseDir, l.tarName, l.subDir, l.checksum)
}

// copyImageToTensor scales the Depth x Height x Width record bytes to [0, 1)
// and writes them channels-last at example exampleIdx.
func copyImageToTensor[T dtypes.GoFloat](record []byte, imagesData []T, exampleIdx int) {
	pos := exampleIdx * imageSizeBytes
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				imagesData[pos] = T(record[d*(Height*Width)+h*Width+w]) / T(255)
				pos++
			}
		}
	}
}

// readExamples reads all the source's files into the images and labels
// tensors. The images tensor must be float and shaped
// [NumExamples, Height, Width, Depth], the labels [NumExamples, 1] of Int64.
func readExamples[T dtypes.GoFloat](baseDir string, source Source, images, labels *tensors.Tensor) {
	l := layouts[source]
	record := make([]byte, l.labelBytes+imageSizeBytes)
	tensors.MustMutableFlatData[T](images, func(imagesData []T) {
		tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
			exampleIdx := 0
			for _, fileName := range l.files {
				dataFile := path.Join(baseDir, l.subDir, fileName)
				f, err := os.Open(dataFile)
				if err != nil {
					panic(errors.Wrapf(err, "opening data file %q", dataFile))
				}
				for {
					_, err := io.ReadFull(f, record)
					if err == io.EOF {
						break
					}
					if err != nil {
						panic(errors.Wrapf(err, "reading example %d from %q", exampleIdx, dataFile))
					}
					if exampleIdx >= NumExamples {
						exceptions.Panicf("%q holds more than the %d expected examples", dataFile, NumExamples)
					}
					copyImageToTensor(record[l.labelBytes:], imagesData, exampleIdx)
					labelsData[exampleIdx] = int64(record[l.labelIndex])
					exampleIdx++
				}
				_ = f.Close()
			}
			if exampleIdx != NumExamples {
				exceptions.Panicf("read %d examples for %s, wanted %d", exampleIdx, source, NumExamples)
			}
		})
	})
}

// imagesAndLabels of one partition, on device.
type imagesAndLabels struct {
	images, labels *tensors.Tensor
}

// Partitioned holds the images and labels of each partition (Train, Test).
type Partitioned [2]imagesAndLabels

// Load the source's examples into images of the given dtype shaped
// [*, Height=32, Width=32, Depth=3] and Int64 labels shaped [*, 1],
// partitioned into the first NumTrainExamples for training and the last
// NumTestExamples for testing.
//
// Only float dtypes are supported.
func Load(backend backends.Backend, baseDir string, source Source, dtype dtypes.DType) Partitioned {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	images := tensors.FromShape(shapes.Make(dtype, NumExamples, Height, Width, Depth))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, NumExamples, 1))
	defer func() {
		// Free the unpartitioned tensors immediately (don't wait for GC).
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
	}()
	switch dtype {
	case dtypes.Float64:
		readExamples[float64](baseDir, source, images, labels)
	case dtypes.Float32:
		readExamples[float32](baseDir, source, images, labels)
	default:
		exceptions.Panicf("cifar.Load: dtype %s not supported", dtype)
	}
	return partition(backend, images, labels)
}

// partition splits the loaded tensors into the train and test partitions.
func partition(backend backends.Backend, images, labels *tensors.Tensor) (partitioned Partitioned) {
	parts := MustExecOnceN(backend, func(images, labels *Node) []*Node {
		return []*Node{
			Slice(images, AxisRange(0, NumTrainExamples)),
			Slice(labels, AxisRange(0, NumTrainExamples)),
			Slice(images, AxisRange(NumTrainExamples)),
			Slice(labels, AxisRange(NumTrainExamples)),
		}
	}, images, labels)
	partitioned[Train] = imagesAndLabels{images: parts[0], labels: parts[1]}
	partitioned[Test] = imagesAndLabels{images: parts[2], labels: parts[3]}
	return
}

// Cache of loaded data: one per Source, per DType.
var loadedCache [2]map[dtypes.DType]Partitioned

// ResetCache drops the cached tensors, forcing the next NewDataset to reload
// from disk.
func ResetCache() {
	loadedCache = [2]map[dtypes.DType]Partitioned{
		make(map[dtypes.DType]Partitioned),
		make(map[dtypes.DType]Partitioned),
	}
}

func init() {
	ResetCache()
}

// NewDataset returns an in-memory dataset with the partition's examples,
// which implements train.Dataset and hence can be used by train.Trainer.
//
// It downloads the source to baseDir on first use and caches the loaded
// tensors, so multiple datasets share the same load.
func NewDataset(
	backend backends.Backend,
	name, baseDir string,
	source Source,
	dtype dtypes.DType,
	partition Partition,
) *datasets.InMemoryDataset {
	if source != C10 && source != C100 {
		exceptions.Panicf("invalid source value %d, only C10 or C100 accepted", source)
	}
	partitioned, found := loadedCache[source][dtype]
	if !found {
		if err := Download(baseDir, source); err != nil {
			panic(errors.WithMessagef(err, "downloading %s", source))
		}
		partitioned = Load(backend, baseDir, source, dtype)
		loadedCache[source][dtype] = partitioned
	}
	data := partitioned[partition]
	ds, err := datasets.InMemoryFromData(backend, name, []any{data.images}, []any{data.labels})
	if err != nil {
		panic(err)
	}
	return ds
}
