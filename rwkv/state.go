// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/spago/mat"
)

// TimeMixState is the recurrent state of a TimeMix block.
type TimeMixState struct {
	// Shift is the normalized input of the previous token (state1).
	Shift mat.Tensor
	// WKV is the linear-attention memory (state2): one [head_size, head_size]
	// matrix per head, indexed by key channel then value channel.
	WKV []mat.Tensor
}

// ChannelMixState is the recurrent state of a ChannelMix block.
type ChannelMixState struct {
	// Shift is the normalized input of the previous token.
	Shift mat.Tensor
}

// LayerState is the recurrent state of a single layer.
type LayerState struct {
	TimeMix    TimeMixState
	ChannelMix ChannelMixState
}

// State is the recurrent state of a whole stack, one entry per layer.
type State []LayerState

// NewTimeMixState returns the zero state of a TimeMix block.
func NewTimeMixState(c Config) TimeMixState {
	s := TimeMixState{
		Shift: zeros(c.HiddenSize),
		WKV:   make([]mat.Tensor, c.NumHeads()),
	}
	for h := range s.WKV {
		s.WKV[h] = zeros(c.HeadSize, c.HeadSize)
	}
	return s
}

// NewChannelMixState returns the zero state of a ChannelMix block.
func NewChannelMixState(c Config) ChannelMixState {
	return ChannelMixState{Shift: zeros(c.HiddenSize)}
}

// NewLayerState returns the zero state of a single layer.
func NewLayerState(c Config) LayerState {
	return LayerState{
		TimeMix:    NewTimeMixState(c),
		ChannelMix: NewChannelMixState(c),
	}
}

// NewState returns the zero state of a stack of c.NumLayers layers.
func NewState(c Config) State {
	state := make(State, c.NumLayers)
	for i := range state {
		state[i] = NewLayerState(c)
	}
	return state
}

// LayerStateData is a plain copy of a LayerState.
type LayerStateData struct {
	TimeMixShift    []float32 `json:"time_mix_shift"`
	WKV             []float32 `json:"wkv"`
	ChannelMixShift []float32 `json:"channel_mix_shift"`
}

// StateData is a plain copy of a State, suitable for serialization.
type StateData []LayerStateData

// Export copies the state into plain slices. The WKV matrices of all heads
// are concatenated in head order, each one row-major.
func (s State) Export() StateData {
	data := make(StateData, len(s))
	for i, ls := range s {
		d := LayerStateData{
			TimeMixShift:    floats(ls.TimeMix.Shift),
			ChannelMixShift: floats(ls.ChannelMix.Shift),
		}
		for _, wkv := range ls.TimeMix.WKV {
			d.WKV = append(d.WKV, floats(wkv)...)
		}
		data[i] = d
	}
	return data
}

// ImportState rebuilds a State from data previously returned by Export.
func ImportState(c Config, data StateData) (State, error) {
	if len(data) != c.NumLayers {
		return nil, fmt.Errorf("%w: expected state for %d layers, actual %d", ErrShapeMismatch, c.NumLayers, len(data))
	}
	hs := c.HeadSize
	state := make(State, len(data))
	for i, d := range data {
		if err := checkLen("time-mix shift", d.TimeMixShift, c.HiddenSize); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := checkLen("channel-mix shift", d.ChannelMixShift, c.HiddenSize); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := checkLen("wkv", d.WKV, c.NumHeads()*hs*hs); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		ls := LayerState{
			TimeMix: TimeMixState{
				Shift: vector(slices.Clone(d.TimeMixShift)),
				WKV:   make([]mat.Tensor, c.NumHeads()),
			},
			ChannelMix: ChannelMixState{
				Shift: vector(slices.Clone(d.ChannelMixShift)),
			},
		}
		for h := range ls.TimeMix.WKV {
			ls.TimeMix.WKV[h] = matrix(hs, hs, slices.Clone(d.WKV[h*hs*hs:(h+1)*hs*hs]))
		}
		state[i] = ls
	}
	return state, nil
}

func checkLen(name string, data []float32, expected int) error {
	if len(data) != expected {
		return fmt.Errorf("%w: expected %s size %d, actual %d", ErrShapeMismatch, name, expected, len(data))
	}
	return nil
}

func floats(t mat.Tensor) []float32 {
	return slices.Clone(t.Value().Data().F32())
}

func vector(data []float32) mat.Tensor {
	return mat.NewDense[float32](mat.WithShape(len(data)), mat.WithBacking(data))
}

func matrix(rows, cols int, data []float32) mat.Tensor {
	return mat.NewDense[float32](mat.WithShape(rows, cols), mat.WithBacking(data))
}
