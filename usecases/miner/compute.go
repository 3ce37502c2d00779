//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package miner

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/weaviate/pipeminer/entities/tensor"
)

// Compute is the opaque model backend. The node treats forward, backward and
// loss as pure functions; all device and framework concerns live behind this
// interface.
type Compute interface {
	// Forward runs one layer's forward pass and returns the output
	// activations plus opaque per-pass state needed for the backward pass.
	Forward(ctx context.Context, layer int, input *tensor.Tensor) (*tensor.Tensor, map[string]interface{}, error)

	// Backward runs the backward pass for a cached forward result and
	// returns the gradients with respect to the input activations.
	Backward(ctx context.Context, layer int, output, grad *tensor.Tensor,
		state map[string]interface{}) (*tensor.Tensor, error)

	// ComputeLoss compares terminal-layer logits against the target sample.
	ComputeLoss(ctx context.Context, logits, targets *tensor.Tensor) (*tensor.Tensor, error)

	// Tokenize turns a raw layer-0 sample into an input tensor.
	Tokenize(data []byte) (*tensor.Tensor, error)

	// LocalAllReduce applies accumulated gradients with the given learning
	// rate, completing one optimizer step.
	LocalAllReduce(ctx context.Context, learningRate float64) error

	// Weights returns the flattened model weights and optimizer state.
	Weights(ctx context.Context) (weights, optimizerState *tensor.Tensor, err error)

	// LoadWeights replaces the model weights and optimizer state.
	LoadWeights(ctx context.Context, weights, optimizerState *tensor.Tensor) error

	// Reset clears all model state for a fresh epoch.
	Reset()
}

// MockCompute is a deterministic stand-in used by tests and --mock-compute
// runs. Forward doubles the input, backward halves the gradient, and the
// weight vector starts at a fixed size of ones.
type MockCompute struct {
	mu             sync.Mutex
	weights        *tensor.Tensor
	optimizerState *tensor.Tensor
	backwards      int
}

func NewMockCompute(size int) *MockCompute {
	return &MockCompute{
		weights:        ones(size),
		optimizerState: ones(size),
	}
}

func ones(size int) *tensor.Tensor {
	data := make([]float32, size)
	for i := range data {
		data[i] = 1
	}
	return tensor.New(data, size)
}

func (m *MockCompute) Forward(ctx context.Context, layer int,
	input *tensor.Tensor,
) (*tensor.Tensor, map[string]interface{}, error) {
	out := input.Clone()
	for i := range out.Data {
		out.Data[i] *= 2
	}
	return out, map[string]interface{}{"layer": layer}, nil
}

func (m *MockCompute) Backward(ctx context.Context, layer int,
	output, grad *tensor.Tensor, state map[string]interface{},
) (*tensor.Tensor, error) {
	m.mu.Lock()
	m.backwards++
	m.mu.Unlock()

	src := grad
	if src == nil {
		src = output
	}
	in := src.Clone()
	for i := range in.Data {
		in.Data[i] /= 2
	}
	return in, nil
}

func (m *MockCompute) ComputeLoss(ctx context.Context,
	logits, targets *tensor.Tensor,
) (*tensor.Tensor, error) {
	var sum float32
	for i, v := range logits.Data {
		var target float32
		if targets != nil && i < len(targets.Data) {
			target = targets.Data[i]
		}
		diff := v - target
		sum += diff * diff
	}
	if len(logits.Data) > 0 {
		sum /= float32(len(logits.Data))
	}
	return tensor.Scalar(sum), nil
}

func (m *MockCompute) Tokenize(data []byte) (*tensor.Tensor, error) {
	if len(data) == 0 {
		return nil, errors.New("empty sample")
	}
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(b)
	}
	return tensor.New(out, len(out)), nil
}

func (m *MockCompute) LocalAllReduce(ctx context.Context, learningRate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.weights.Data {
		m.weights.Data[i] -= float32(learningRate)
	}
	return nil
}

func (m *MockCompute) Weights(ctx context.Context) (*tensor.Tensor, *tensor.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights.Clone(), m.optimizerState.Clone(), nil
}

func (m *MockCompute) LoadWeights(ctx context.Context,
	weights, optimizerState *tensor.Tensor,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if weights != nil {
		m.weights = weights.Clone()
	}
	if optimizerState != nil {
		m.optimizerState = optimizerState.Clone()
	}
	return nil
}

func (m *MockCompute) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backwards = 0
}
