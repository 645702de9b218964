// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pyramidnet_classify classifies image files with a model trained by
// pyramidnet_train:
//
//	pyramidnet_classify --checkpoint=~/work/pyramidnet/base_c10 dog.png ship.jpg
//
// Images are resized to the model's input size before classification. For the
// CIFAR models the class names are printed along the class ids.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/pyramidnet"
	"github.com/gomlx/pyramidnet/classifier"
	"github.com/gomlx/pyramidnet/datasets/cifar"
	"github.com/gomlx/pyramidnet/datasets/imagefolder"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var flagCheckpoint = flag.String("checkpoint", "", "Directory with the trained model checkpoint.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" {
		klog.Exit("Set --checkpoint to the directory holding the trained model.")
	}
	if flag.NArg() == 0 {
		klog.Exit("Give one or more image files to classify.")
	}

	c := check1(classifier.New(fsutil.MustReplaceTildeInDir(*flagCheckpoint)))
	for _, imagePath := range flag.Args() {
		img := check1(imagefolder.LoadImage(imagePath))
		class := check1(c.Classify(img))
		fmt.Printf("%s: %s\n", imagePath, className(c.Model().Dataset, class))
	}
}

// className prints the class id, with its name for the datasets that have them.
func className(dataset pyramidnet.Dataset, class int32) string {
	switch dataset {
	case pyramidnet.CIFAR10:
		return fmt.Sprintf("%d (%s)", class, cifar.LabelName(cifar.C10, int(class)))
	case pyramidnet.CIFAR100:
		return fmt.Sprintf("%d (%s)", class, cifar.LabelName(cifar.C100, int(class)))
	}
	return fmt.Sprintf("%d", class)
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
