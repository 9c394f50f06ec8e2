// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
)

// Layer is a single RWKV-v6 block: a TimeMix followed by a ChannelMix,
// each carrying its own pre-normalization and residual connection.
type Layer struct {
	nn.Module
	ID      int
	TimeMix *TimeMix
	ChanMix *ChannelMix
}

func init() {
	gob.Register(&Layer{})
}

// NewLayer returns a new Layer with zeroed parameters.
func NewLayer(c Config, id int) *Layer {
	return &Layer{
		ID:      id,
		TimeMix: NewTimeMix(c),
		ChanMix: NewChannelMix(c),
	}
}

func (m *Layer) ForwardSingle(x mat.Tensor, state LayerState) (mat.Tensor, LayerState) {
	var next LayerState
	x, next.TimeMix = m.TimeMix.ForwardSingle(x, state.TimeMix)
	x, next.ChannelMix = m.ChanMix.ForwardSingle(x, state.ChannelMix)
	return x, next
}
