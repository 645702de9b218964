// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/pyramidnet"
	"k8s.io/klog/v2"
)

var (
	flagSettings *string
	muTrain      sync.Mutex
)

func init() {
	klog.InitFlags(nil)
	ctx := pyramidnet.CreateDefaultContext()
	flagSettings = commandline.CreateContextSettingsFlag(ctx, "")
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		check(os.Setenv(backends.ConfigEnvVar, "xla:cpu"))
	}
}

// TestTrain runs 10 training steps of the default CIFAR-10 model, without
// checkpoints.
//
// It has to download the training data, and it will use the flag
// *flagDataDir (--data) as the location to store it.
//
// It is disabled for short tests.
func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
		return
	}

	// Run at most one training at a time:
	muTrain.Lock()
	defer muTrain.Unlock()

	ctx := pyramidnet.CreateDefaultContext()
	ctx.SetParam("train_steps", 10) // Only 10 steps.
	paramsSet := check1(commandline.ParseContextSettings(ctx, *flagSettings))
	pyramidnet.TrainModel(ctx, *flagDataDir, "", true, 1, paramsSet)
}
