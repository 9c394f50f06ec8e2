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

var _ nn.Model = &TimeMix{}

// Token-shift lanes, in checkpoint order.
const (
	laneW = iota
	laneK
	laneV
	laneR
	laneG
	numLanes
)

var laneNames = [numLanes]string{"w", "k", "v", "r", "g"}

// TimeMix is a model that implements the RWKV-v6 TimeMix component:
// data-dependent token shift, multi-head linear attention with a learned
// per-channel decay, and a gated output.
//
// The attention projections are stored split by head, so that each head
// is computed on its own [head_size, hidden] slice of the full matrix.
type TimeMix struct {
	nn.Module
	LN *layernorm.Model

	// MaaX blends the token shift into the input of the low-rank lanes.
	MaaX *nn.Param
	// Maa holds the static blend of each lane (w, k, v, r, g).
	Maa []*nn.Param
	// MaaW1 is the first low-rank projection of all the lanes at once,
	// [5*mix_rank, hidden], lane i owning rows [i*mix_rank, (i+1)*mix_rank).
	// MaaW2 holds the second projection of each lane, [hidden, mix_rank].
	MaaW1 *nn.Param
	MaaW2 []*nn.Param

	// DecayW1 is [decay_rank, hidden]; DecayW2 holds one [head_size, decay_rank] slice per head.
	DecayW1   *nn.Param
	DecayW2   []*nn.Param
	TimeDecay []*nn.Param
	TimeFirst []*nn.Param

	Receptance []*nn.Param
	Key        []*nn.Param
	Value      []*nn.Param
	Gate       *nn.Param
	Output     *nn.Param

	// GroupNorm normalizes the attention output of each head.
	GroupNorm []*layernorm.Model

	Config Config
}

func init() {
	gob.Register(&TimeMix{})
}

// NewTimeMix returns a new TimeMix with zeroed parameters.
func NewTimeMix(c Config) *TimeMix {
	hidden, hs, heads := c.HiddenSize, c.HeadSize, c.NumHeads()
	m := &TimeMix{
		Config:  c,
		LN:      layernorm.New[float32](hidden, LayerNormEps),
		MaaX:    nn.NewParam(mat.NewEmptyVecDense[float32](hidden)),
		MaaW1:   nn.NewParam(mat.NewEmptyDense[float32](numLanes*c.MixRank(), hidden)),
		DecayW1: nn.NewParam(mat.NewEmptyDense[float32](c.DecayRank(), hidden)),
		Gate:    nn.NewParam(mat.NewEmptyDense[float32](hidden, hidden)),
		Output:  nn.NewParam(mat.NewEmptyDense[float32](hidden, hidden)),
	}
	for i := 0; i < numLanes; i++ {
		m.Maa = append(m.Maa, nn.NewParam(mat.NewEmptyVecDense[float32](hidden)))
		m.MaaW2 = append(m.MaaW2, nn.NewParam(mat.NewEmptyDense[float32](hidden, c.MixRank())))
	}
	for h := 0; h < heads; h++ {
		m.DecayW2 = append(m.DecayW2, nn.NewParam(mat.NewEmptyDense[float32](hs, c.DecayRank())))
		m.TimeDecay = append(m.TimeDecay, nn.NewParam(mat.NewEmptyVecDense[float32](hs)))
		m.TimeFirst = append(m.TimeFirst, nn.NewParam(mat.NewEmptyVecDense[float32](hs)))
		m.Receptance = append(m.Receptance, nn.NewParam(mat.NewEmptyDense[float32](hs, hidden)))
		m.Key = append(m.Key, nn.NewParam(mat.NewEmptyDense[float32](hs, hidden)))
		m.Value = append(m.Value, nn.NewParam(mat.NewEmptyDense[float32](hs, hidden)))
		m.GroupNorm = append(m.GroupNorm, layernorm.New[float32](hs, GroupNormEps))
	}
	return m
}

// ForwardSingle performs the forward step for a single token.
// It returns the output, residual included, and the next state.
// The given state is left untouched.
func (m *TimeMix) ForwardSingle(x mat.Tensor, state TimeMixState) (mat.Tensor, TimeMixState) {
	out, shift, kv, decay := m.forward(x, state)
	next := TimeMixState{
		Shift: shift.Value(),
		WKV:   make([]mat.Tensor, len(kv)),
	}
	for h := range kv {
		next.WKV[h] = UpdateWKV(state.WKV[h], kv[h], decay[h]).Value()
	}
	return out.Value(), next
}

// ForwardSplit is like ForwardSingle, but leaves the attention memory
// update to the caller. Next to the output and the next token-shift state,
// it returns, one per head, the key-value outer product of this token and
// the decay factors, to be combined with UpdateWKV.
func (m *TimeMix) ForwardSplit(x mat.Tensor, state TimeMixState) (out, shift mat.Tensor, kv, decay []mat.Tensor) {
	out, shift, kv, decay = m.forward(x, state)
	return out.Value(), shift.Value(), values(kv), values(decay)
}

// UpdateWKV returns the next attention memory of a head, kv + state * decay,
// where the decay factor of each key channel scales the corresponding row.
func UpdateWKV(state, kv, decay mat.Tensor) mat.Tensor {
	return ag.Add(kv, ag.Prod(state, broadcastRows(decay, decay.Size())))
}

func (m *TimeMix) forward(x mat.Tensor, state TimeMixState) (out, shift mat.Tensor, kv, decay []mat.Tensor) {
	hs := m.Config.HeadSize

	// Step 1: data-dependent token shift.
	xn := m.LN.Forward(x)[0]
	sx := ag.Sub(state.Shift, xn)
	xxx := ag.Add(xn, ag.Prod(sx, m.MaaX))

	lanes := ag.SplitVec(ag.Tanh(ag.Mul(m.MaaW1, xxx)), numLanes)
	var mix [numLanes]mat.Tensor
	for i := range mix {
		delta := ag.Mul(m.MaaW2[i], lanes[i])
		mix[i] = ag.Add(xn, ag.Prod(sx, ag.Add(delta, m.Maa[i])))
	}

	g := ag.Mul(m.Gate, mix[laneG])
	g = ag.Prod(g, ag.Sigmoid(g)) // SiLU
	mw := ag.Tanh(ag.Mul(m.DecayW1, mix[laneW]))

	// Step 2: linear attention, one head at a time.
	heads := len(m.Key)
	kv = make([]mat.Tensor, heads)
	decay = make([]mat.Tensor, heads)
	attn := make([]mat.Tensor, heads)
	for h := 0; h < heads; h++ {
		r := ag.Mul(m.Receptance[h], mix[laneR])
		k := ag.Mul(m.Key[h], mix[laneK])
		v := ag.Mul(m.Value[h], mix[laneV])
		decay[h] = Decay(ag.Add(m.TimeDecay[h], ag.Mul(m.DecayW2[h], mw)))

		kv[h] = outer(k, v)
		wkv := ag.Add(ag.Prod(kv[h], broadcastRows(m.TimeFirst[h], hs)), state.WKV[h])
		attn[h] = m.GroupNorm[h].Forward(ag.Mul(ag.T(wkv), r))[0]
	}

	// Step 3: gated output projection.
	y := ag.Prod(ag.Concat(attn...), g)
	out = ag.Add(x, ag.Mul(m.Output, y))
	return out, xn, kv, decay
}
