// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"encoding/gob"
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
)

// Model implements the RWKV-v6 stack of layers.
type Model struct {
	nn.Module
	Layers []*Layer
	Config Config
}

// Config is the configuration of the RWKV model.
type Config struct {
	// HiddenSize is the size of the activation vector flowing through the layers.
	HiddenSize int
	// HeadSize is the size of each attention head. HiddenSize must be a multiple of it.
	HeadSize int
	// IntermediateSize is the inner dimension of the channel-mix feed-forward block.
	IntermediateSize int
	// NumLayers is the number of stacked layers.
	NumLayers int
	// RescaleLayer halves the activation every RescaleLayer layers, and divides
	// the output and value weights accordingly. Zero disables it.
	RescaleLayer int
}

// largeHiddenSize is the only hidden size using the wider low-rank projections.
const largeHiddenSize = 4096

// NumHeads returns the number of attention heads.
func (c Config) NumHeads() int {
	return c.HiddenSize / c.HeadSize
}

// MixRank returns the inner dimension of the token-shift low-rank projections.
func (c Config) MixRank() int {
	if c.HiddenSize == largeHiddenSize {
		return 64
	}
	return 32
}

// DecayRank returns the inner dimension of the decay low-rank projections.
func (c Config) DecayRank() int {
	if c.HiddenSize == largeHiddenSize {
		return 128
	}
	return 64
}

// DefaultIntermediateSize returns the channel-mix inner size used by the
// reference checkpoints for the given hidden size.
func DefaultIntermediateSize(hiddenSize int) int {
	return hiddenSize * 7 / 2 / 32 * 32
}

// Validate reports whether the configuration describes a buildable model.
func (c Config) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden size must be positive, actual %d", ErrInvalidConfiguration, c.HiddenSize)
	case c.HeadSize <= 0:
		return fmt.Errorf("%w: head size must be positive, actual %d", ErrInvalidConfiguration, c.HeadSize)
	case c.HiddenSize%c.HeadSize != 0:
		return fmt.Errorf("%w: hidden size %d is not a multiple of head size %d", ErrInvalidConfiguration, c.HiddenSize, c.HeadSize)
	case c.IntermediateSize < 0:
		return fmt.Errorf("%w: negative intermediate size %d", ErrInvalidConfiguration, c.IntermediateSize)
	case c.NumLayers < 0:
		return fmt.Errorf("%w: negative number of layers %d", ErrInvalidConfiguration, c.NumLayers)
	case c.RescaleLayer < 0:
		return fmt.Errorf("%w: negative rescale layer %d", ErrInvalidConfiguration, c.RescaleLayer)
	}
	return nil
}

func (c Config) intermediateSize() int {
	if c.IntermediateSize == 0 {
		return DefaultIntermediateSize(c.HiddenSize)
	}
	return c.IntermediateSize
}

func init() {
	gob.Register(&Model{})
}

// New returns a new RWKV model with zeroed parameters.
func New(c Config) *Model {
	m := &Model{Config: c}
	for i := 0; i < c.NumLayers; i++ {
		m.Layers = append(m.Layers, NewLayer(c, i))
	}
	return m
}

// ForwardSingle performs the forward step for a single element of the sequence.
// A nil or empty state is treated as the zero state. The given state is
// never modified; the state after this step is returned instead.
// It panics if a non-empty state does not have one entry per layer.
func (m *Model) ForwardSingle(x mat.Tensor, state State) (mat.Tensor, State) {
	if len(state) == 0 {
		state = NewState(m.Config)
	}
	if len(state) != len(m.Layers) {
		panic(fmt.Sprintf("rwkv: state has %d layers, model has %d", len(state), len(m.Layers)))
	}
	next := make(State, len(m.Layers))
	for i, layer := range m.Layers {
		x, next[i] = layer.ForwardSingle(x, state[i])

		if rl := m.Config.RescaleLayer; rl > 0 && (i+1)%rl == 0 {
			x = ag.ProdScalar(x, mat.Scalar[float32](0.5))
		}
	}
	return x.Value(), next
}

// ForwardSequence performs the forward step for the entire sequence.
// It is equivalent to calling ForwardSingle for each element of the sequence,
// threading the state from one step to the next, for example:
//
//	var x mat.Tensor
//	for _, e := range encoded {
//		x, s = m.ForwardSingle(e, s)
//	}
//	return x, s
//
// It returns all the outputs and the last computed state.
func (m *Model) ForwardSequence(xs []mat.Tensor, state State) ([]mat.Tensor, State) {
	out := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		out[i], state = m.ForwardSingle(x, state)
	}
	return out, state
}
