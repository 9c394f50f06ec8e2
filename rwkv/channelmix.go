// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

var _ nn.Model = &ChannelMix{}

// ChannelMix implements the channel mix module: a token-shifted,
// receptance-gated feed-forward block with a squared-ReLU activation.
type ChannelMix struct {
	nn.Module
	LN         *layernorm.Model
	Key        *nn.Param
	Value      *nn.Param
	Receptance *nn.Param
	TimeMaaK   *nn.Param
	TimeMaaR   *nn.Param
}

func init() {
	gob.Register(&ChannelMix{})
}

// NewChannelMix returns a new ChannelMix with zeroed parameters.
func NewChannelMix(c Config) *ChannelMix {
	hidden, inner := c.HiddenSize, c.intermediateSize()
	return &ChannelMix{
		LN:         layernorm.New[float32](hidden, LayerNormEps),
		Key:        nn.NewParam(mat.NewEmptyDense[float32](inner, hidden)),
		Value:      nn.NewParam(mat.NewEmptyDense[float32](hidden, inner)),
		Receptance: nn.NewParam(mat.NewEmptyDense[float32](hidden, hidden)),
		TimeMaaK:   nn.NewParam(mat.NewEmptyVecDense[float32](hidden)),
		TimeMaaR:   nn.NewParam(mat.NewEmptyVecDense[float32](hidden)),
	}
}

// ForwardSingle performs the forward step for a single token.
// It returns the output, residual included, and the next state.
func (m *ChannelMix) ForwardSingle(x mat.Tensor, state ChannelMixState) (mat.Tensor, ChannelMixState) {
	xn := m.LN.Forward(x)[0]
	sx := ag.Sub(state.Shift, xn)

	xk := ag.Add(xn, ag.Prod(sx, m.TimeMaaK))
	xr := ag.Add(xn, ag.Prod(sx, m.TimeMaaR))

	k := ag.Mul(m.Key, xk)
	k = ag.Square(ag.ReLU(k))
	kv := ag.Mul(m.Value, k)
	r := ag.Sigmoid(ag.Mul(m.Receptance, xr))

	out := ag.Add(ag.Prod(r, kv), x)
	return out.Value(), ChannelMixState{Shift: xn.Value()}
}
