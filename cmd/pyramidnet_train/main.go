// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pyramidnet_train trains a pyramidal residual network image classifier on
// CIFAR-10, CIFAR-100 or an image folder tree ("imagenet" topology), from the
// command line.
//
// The common model options have their own flags:
//
//	pyramidnet_train --dataset=cifar10 --depth=28 --widen=4 --checkpoint=base_c10
//
// Any other hyperparameter is set with --set (see pyramidnet.CreateDefaultContext
// for the defaults):
//
//	pyramidnet_train --depth=28 --set="train_steps=20000;learning_rate=0.001"
//
// Training can be interrupted at any time: with --checkpoint it resumes from
// the last save.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/pyramidnet"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/pyramidnet", "Directory to cache downloaded and generated dataset files.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")

	// Convenience flags for the usual model options, equivalent to setting the
	// corresponding hyperparameter with --set.
	flagDataset = flag.String("dataset", "cifar10", "Dataset to train on: cifar10, cifar100 or imagenet.")
	flagDepth   = flag.Int("depth", 16, "Depth of the network, counted in convolution layers.")
	flagWiden   = flag.Int("widen", 1, "Widen factor, multiplies the channels of every stage.")
	flagDropout = flag.Float64("dropout", 0.0, "Dropout rate between the two block convolutions, 0 disables it.")
	flagSeed    = flag.Int64("seed", -1, "Seed for deterministic training. The default -1 draws a random seed.")
)

func main() {
	ctx := pyramidnet.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	paramsSet = append(paramsSet, applyModelFlags(ctx)...)
	err := exceptions.TryCatch[error](func() {
		pyramidnet.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// applyModelFlags copies the convenience model flags into their context
// hyperparameters. Only flags given in the command line are applied, so they
// override "--set". It returns the names of the parameters it sets.
func applyModelFlags(ctx *context.Context) (paramsSet []string) {
	flag.Visit(func(f *flag.Flag) {
		var param string
		var value any
		switch f.Name {
		case "dataset":
			param, value = pyramidnet.ParamDataset, *flagDataset
		case "depth":
			param, value = pyramidnet.ParamDepth, *flagDepth
		case "widen":
			param, value = pyramidnet.ParamWidenFactor, *flagWiden
		case "dropout":
			param, value = pyramidnet.ParamDropout, *flagDropout
		case "seed":
			param, value = pyramidnet.ParamSeed, *flagSeed
		default:
			return
		}
		ctx.SetParam(param, value)
		paramsSet = append(paramsSet, param)
	})
	return
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
