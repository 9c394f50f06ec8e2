// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// WeightTensor is a named checkpoint tensor: its shape and its row-major data.
type WeightTensor struct {
	Shape []int
	Data  []float32
}

// Size returns the number of elements described by the shape.
func (t WeightTensor) Size() int {
	size := 1
	for _, d := range t.Shape {
		size *= d
	}
	return size
}

// Weights maps checkpoint names, such as "blocks.0.att.key.weight", to tensors.
//
// The loaders in this package only read from it: every tensor is copied
// before being reshaped or rescaled, so the same Weights can be loaded
// any number of times.
type Weights map[string]WeightTensor

// LoadModel builds a Model from the weights.
//
// NumLayers and IntermediateSize may be left zero, in which case they are
// deduced from the weights.
func LoadModel(c Config, w Weights) (*Model, error) {
	c, err := deduceConfig(c, w)
	if err != nil {
		return nil, err
	}
	m := &Model{Config: c, Layers: make([]*Layer, c.NumLayers)}
	for i := range m.Layers {
		m.Layers[i], err = LoadLayer(c, i, w)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LoadLayer builds the layer with the given index from the weights.
func LoadLayer(c Config, id int, w Weights) (*Layer, error) {
	tm, err := LoadTimeMix(c, id, w)
	if err != nil {
		return nil, err
	}
	cm, err := LoadChannelMix(c, id, w)
	if err != nil {
		return nil, err
	}
	return &Layer{ID: id, TimeMix: tm, ChanMix: cm}, nil
}

// LoadTimeMix builds the TimeMix of the given layer from the weights
// "blocks.{id}.ln1.*" and "blocks.{id}.att.*".
func LoadTimeMix(c Config, id int, w Weights) (*TimeMix, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m, err := loadTimeMix(c, id, newLoader(w, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load att/time-mix of layer %d: %w", id, err)
	}
	return m, nil
}

// LoadChannelMix builds the ChannelMix of the given layer from the weights
// "blocks.{id}.ln2.*" and "blocks.{id}.ffn.*".
func LoadChannelMix(c Config, id int, w Weights) (*ChannelMix, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m, err := loadChannelMix(c, id, newLoader(w, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load ffn/channel-mix of layer %d: %w", id, err)
	}
	return m, nil
}

func loadTimeMix(c Config, id int, l loader) (_ *TimeMix, err error) {
	hidden, hs, heads := c.HiddenSize, c.HeadSize, c.NumHeads()
	m1, m2 := c.MixRank(), c.DecayRank()

	m := &TimeMix{Config: c}
	if m.LN, err = l.norm("ln1", hidden, LayerNormEps); err != nil {
		return nil, err
	}

	att := l.sub("att.")

	maaX, err := att.squeezedVector("time_maa_x", hidden)
	if err != nil {
		return nil, err
	}
	m.MaaX = newVector(maaX)

	for _, lane := range laneNames {
		v, err := att.squeezedVector("time_maa_"+lane, hidden)
		if err != nil {
			return nil, err
		}
		m.Maa = append(m.Maa, newVector(v))
	}

	w1, err := att.tensor("time_maa_w1", hidden, numLanes*m1)
	if err != nil {
		return nil, err
	}
	if w1, err = transpose(w1, []int{hidden, numLanes * m1}, 1, 0); err != nil {
		return nil, fmt.Errorf("failed to transpose time_maa_w1: %w", err)
	}
	w2, err := att.tensor("time_maa_w2", numLanes, m1, hidden)
	if err != nil {
		return nil, err
	}
	if w2, err = transpose(w2, []int{numLanes, m1, hidden}, 0, 2, 1); err != nil {
		return nil, fmt.Errorf("failed to transpose time_maa_w2: %w", err)
	}
	m.MaaW1 = newMatrix(numLanes*m1, hidden, w1)
	for i := 0; i < numLanes; i++ {
		m.MaaW2 = append(m.MaaW2, newMatrix(hidden, m1, block(w2, i, hidden*m1)))
	}

	dw1, err := att.tensor("time_decay_w1", hidden, m2)
	if err != nil {
		return nil, err
	}
	if dw1, err = transpose(dw1, []int{hidden, m2}, 1, 0); err != nil {
		return nil, fmt.Errorf("failed to transpose time_decay_w1: %w", err)
	}
	m.DecayW1 = newMatrix(m2, hidden, dw1)

	dw2, err := att.tensor("time_decay_w2", m2, hidden)
	if err != nil {
		return nil, err
	}
	if dw2, err = transpose(dw2, []int{m2, hidden}, 1, 0); err != nil {
		return nil, fmt.Errorf("failed to transpose time_decay_w2: %w", err)
	}

	timeDecay, err := att.squeezedVector("time_decay", hidden)
	if err != nil {
		return nil, err
	}
	timeFirst, err := att.squeezedVector("time_faaaa", hidden)
	if err != nil {
		return nil, err
	}

	receptance, err := att.tensor("receptance.weight", hidden, hidden)
	if err != nil {
		return nil, err
	}
	key, err := att.tensor("key.weight", hidden, hidden)
	if err != nil {
		return nil, err
	}
	scale(key, KeyScale)
	value, err := att.tensor("value.weight", hidden, hidden)
	if err != nil {
		return nil, err
	}
	scale(value, ValueScale)

	gate, err := att.tensor("gate.weight", hidden, hidden)
	if err != nil {
		return nil, err
	}
	m.Gate = newMatrix(hidden, hidden, gate)

	output, err := att.tensor("output.weight", hidden, hidden)
	if err != nil {
		return nil, err
	}
	scale(output, RescaleFactor(id, c.RescaleLayer))
	m.Output = newMatrix(hidden, hidden, output)

	lnxW, err := att.vector("ln_x.weight", hidden)
	if err != nil {
		return nil, err
	}
	lnxB, err := att.vector("ln_x.bias", hidden)
	if err != nil {
		return nil, err
	}

	for h := 0; h < heads; h++ {
		m.DecayW2 = append(m.DecayW2, newMatrix(hs, m2, block(dw2, h, hs*m2)))
		m.TimeDecay = append(m.TimeDecay, newVector(block(timeDecay, h, hs)))
		m.TimeFirst = append(m.TimeFirst, newVector(block(timeFirst, h, hs)))
		m.Receptance = append(m.Receptance, newMatrix(hs, hidden, block(receptance, h, hs*hidden)))
		m.Key = append(m.Key, newMatrix(hs, hidden, block(key, h, hs*hidden)))
		m.Value = append(m.Value, newMatrix(hs, hidden, block(value, h, hs*hidden)))
		m.GroupNorm = append(m.GroupNorm, newNorm(block(lnxW, h, hs), block(lnxB, h, hs), GroupNormEps))
	}
	return m, nil
}

func loadChannelMix(c Config, id int, l loader) (_ *ChannelMix, err error) {
	hidden, inner := c.HiddenSize, c.intermediateSize()

	m := &ChannelMix{}
	if m.LN, err = l.norm("ln2", hidden, LayerNormEps); err != nil {
		return nil, err
	}

	ffn := l.sub("ffn.")

	tmk, err := ffn.squeezedVector("time_maa_k", hidden)
	if err != nil {
		return nil, err
	}
	tmr, err := ffn.squeezedVector("time_maa_r", hidden)
	if err != nil {
		return nil, err
	}
	key, err := ffn.tensor("key.weight", inner, hidden)
	if err != nil {
		return nil, err
	}
	value, err := ffn.tensor("value.weight", hidden, inner)
	if err != nil {
		return nil, err
	}
	scale(value, RescaleFactor(id, c.RescaleLayer))
	receptance, err := ffn.tensor("receptance.weight", hidden, hidden)
	if err != nil {
		return nil, err
	}

	m.TimeMaaK = newVector(tmk)
	m.TimeMaaR = newVector(tmr)
	m.Key = newMatrix(inner, hidden, key)
	m.Value = newMatrix(hidden, inner, value)
	m.Receptance = newMatrix(hidden, hidden, receptance)
	return m, nil
}

// deduceConfig fills in NumLayers and IntermediateSize from the weights
// when they are zero, and checks them otherwise.
func deduceConfig(c Config, w Weights) (Config, error) {
	if err := c.Validate(); err != nil {
		return c, err
	}
	numBlocks, err := countBlocks(w)
	if err != nil {
		return c, err
	}
	if c.NumLayers == 0 {
		c.NumLayers = numBlocks
	}
	if c.NumLayers == 0 {
		return c, fmt.Errorf("%w: no blocks/layers found in weights", ErrMissingWeight)
	}
	if c.IntermediateSize == 0 {
		if key, ok := w["blocks.0.ffn.key.weight"]; ok && len(key.Shape) == 2 {
			c.IntermediateSize = key.Shape[0]
		} else {
			c.IntermediateSize = DefaultIntermediateSize(c.HiddenSize)
		}
	}
	return c, nil
}

// countBlocks returns the number of layers found in the weights,
// that is the highest "blocks.{i}." index plus one.
func countBlocks(w Weights) (int, error) {
	n := 0
	for k := range w {
		rest, ok := strings.CutPrefix(k, "blocks.")
		if !ok {
			continue
		}
		before, _, ok := strings.Cut(rest, ".")
		if !ok {
			return 0, fmt.Errorf("block/layer parameter names expected to start with number, actual name %q", k)
		}
		num, err := strconv.Atoi(before)
		if err != nil {
			return 0, fmt.Errorf("block/layer parameter names expected to start with number, actual name %q: %w", k, err)
		}
		n = max(n, num+1)
	}
	return n, nil
}

type loader struct {
	weights Weights
	prefix  string
}

func newLoader(w Weights, id int) loader {
	return loader{weights: w, prefix: fmt.Sprintf("blocks.%d.", id)}
}

func (l loader) sub(prefix string) loader {
	return loader{weights: l.weights, prefix: l.prefix + prefix}
}

// fetch returns a copy of the named tensor.
func (l loader) fetch(name string) (WeightTensor, error) {
	key := l.prefix + name
	t, ok := l.weights[key]
	if !ok {
		return WeightTensor{}, fmt.Errorf("%w: %q", ErrMissingWeight, key)
	}
	if t.Size() != len(t.Data) {
		return WeightTensor{}, fmt.Errorf("%w: %q has shape %v but %d values", ErrShapeMismatch, key, t.Shape, len(t.Data))
	}
	return WeightTensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}, nil
}

// tensor returns the data of the named tensor, which must have exactly the given shape.
func (l loader) tensor(name string, shape ...int) ([]float32, error) {
	t, err := l.fetch(name)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(t.Shape, shape) {
		return nil, fmt.Errorf("%w: %q expected shape %v, actual %v", ErrShapeMismatch, l.prefix+name, shape, t.Shape)
	}
	return t.Data, nil
}

// vector returns the data of the named 1-dimensional tensor.
func (l loader) vector(name string, size int) ([]float32, error) {
	return l.tensor(name, size)
}

// squeezedVector returns the data of the named tensor, whatever its shape,
// as long as it holds exactly size values.
func (l loader) squeezedVector(name string, size int) ([]float32, error) {
	t, err := l.fetch(name)
	if err != nil {
		return nil, err
	}
	if len(t.Data) != size {
		return nil, fmt.Errorf("%w: %q expected squeezed vector size %d, actual shape %v", ErrShapeMismatch, l.prefix+name, size, t.Shape)
	}
	return t.Data, nil
}

func (l loader) norm(name string, size int, eps float64) (*layernorm.Model, error) {
	w, err := l.vector(name+".weight", size)
	if err != nil {
		return nil, err
	}
	b, err := l.vector(name+".bias", size)
	if err != nil {
		return nil, err
	}
	return newNorm(w, b, eps), nil
}

// transpose permutes the axes of row-major data of the given shape,
// returning the permuted data, again row-major.
func transpose(data []float32, shape []int, axes ...int) ([]float32, error) {
	var t tensor.Tensor = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	t, err := tensor.Transpose(t, axes...)
	if err != nil {
		return nil, err
	}
	t = tensor.Materialize(t)
	if err := t.Reshape(t.Shape().TotalSize()); err != nil {
		return nil, err
	}
	return native.VectorF32(t.(*tensor.Dense))
}

// block returns the i-th contiguous chunk of the given size.
func block(data []float32, i, size int) []float32 {
	return data[i*size : (i+1)*size : (i+1)*size]
}

func scale(data []float32, divisor float32) {
	if divisor == 1 {
		return
	}
	for i := range data {
		data[i] /= divisor
	}
}

func newVector(data []float32) *nn.Param {
	return nn.NewParam(mat.NewDense[float32](mat.WithShape(len(data)), mat.WithBacking(data)))
}

func newMatrix(rows, cols int, data []float32) *nn.Param {
	return nn.NewParam(mat.NewDense[float32](mat.WithShape(rows, cols), mat.WithBacking(data)))
}

func newNorm(w, b []float32, eps float64) *layernorm.Model {
	return &layernorm.Model{
		W:   newVector(w),
		B:   newVector(b),
		Eps: nn.Buf(mat.Scalar[float32](float32(eps))),
	}
}
