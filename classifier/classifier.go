// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained pyramidnet checkpoint for inference.
// It rebuilds the model from the hyperparameters stored in the checkpoint and
// offers a Classify method that classifies any image, by first resizing it to
// the model's input size.
//
// To use it, create a Classifier with New, and then simply call its Classify
// method.
//
// This is an example of how to serve a model for inference.
package classifier

import (
	"image"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pyramidnet"
	"github.com/gomlx/pyramidnet/datasets/imagefolder"
	"github.com/pkg/errors"
)

// Classifier holds the model compiled.
// It will use XLA with GPU if available or CPU by default. But the backend can be configured with GOMLX_BACKEND.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// model topology, rebuilt from the checkpoint hyperparameters.
	model *pyramidnet.Model

	// exec is used to execute the model with a context.
	exec *context.Exec

	toTensor  *images.ToTensorConfig
	inputSize int
}

// New creates a Classifier that classifies images with the model saved in checkpointDir.
func New(checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backends.MustNew(),
		ctx:     context.New(),
	}

	// Notice all hyperparameters are read from the checkpoint as well, so it will build the
	// same model.
	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	_, err := checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable -- for extra sanity checking.

	c.model = pyramidnet.NewFromContext(c.ctx)
	c.inputSize = c.model.Dataset.InputSize()
	c.toTensor = images.ToTensor(pyramidnet.DType)
	if c.model.Dataset == pyramidnet.ImageNet {
		// Models trained from an image folder tree take RGBA inputs, at a possibly overridden size.
		c.toTensor = c.toTensor.WithAlpha()
		if size := context.GetParamOr(c.ctx, "image_size", 0); size > 0 {
			c.inputSize = size
		}
	}

	// Create model executor.
	c.exec, err = context.NewExec(c.backend, c.ctx.In("model"), func(ctx *context.Context, image *graph.Node) (choice *graph.Node) {
		image = graph.ExpandAxes(image, 0) // Create a batch dimension of size 1.
		logits := c.model.BuildGraph(ctx, image)
		// Take the class with highest logit value.
		choice = graph.ArgMax(logits, -1, dtypes.Int32)
		// Remove batch dimension.
		choice = graph.Reshape(choice) // No dimensions given, means a scalar.
		return
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot compile the model loaded from %q", checkpointDir)
	}
	return c, nil
}

// InputSize of the model, in pixels: images are resized to InputSize x InputSize before classification.
func (c *Classifier) InputSize() int { return c.inputSize }

// Model topology loaded from the checkpoint.
func (c *Classifier) Model() *pyramidnet.Model { return c.model }

// Classify an image and return the class with the highest logit.
//
// The image is resized to the model's input size first, preserving its aspect
// ratio and zero-padding the rest. For the CIFAR models, convert the returned
// class to a name with datasets/cifar.LabelName.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	bounds := img.Bounds()
	if bounds.Dx() != c.inputSize || bounds.Dy() != c.inputSize {
		img = imagefolder.ResizeWithPadding(img, c.inputSize, c.inputSize)
	}
	input := c.toTensor.Single(img)
	output, err := c.exec.Exec1(input)
	if err != nil {
		return 0, err
	}
	return tensors.ToScalar[int32](output), nil
}
