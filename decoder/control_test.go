// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"math"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var negInf = math.Inf(-1)

func vec(xs ...float64) mat.Matrix {
	return mat.NewDense[float64](mat.WithShape(len(xs)), mat.WithBacking(xs))
}

func logs(xs ...float64) mat.Matrix {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Log(x)
	}
	return vec(out...)
}

func TestOutputDiversityControl_Validation(t *testing.T) {
	_, err := OutputDiversityControl(-0.1, 0, 1)
	assert.Error(t, err)
	_, err = OutputDiversityControl(1.1, 0, 1)
	assert.Error(t, err)
	_, err = OutputDiversityControl(1, -1, 1)
	assert.Error(t, err)
	_, err = OutputDiversityControl(1, 0, 1.5)
	assert.Error(t, err)

	fn, err := OutputDiversityControl(1, 0, 1)
	require.NoError(t, err)
	out, err := fn(vec(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, out.Data().F64())
}

func TestOutputDiversityControl_Chain(t *testing.T) {
	fn, err := OutputDiversityControl(0.5, 2, 1)
	require.NoError(t, err)

	in := vec(1, 3, 2, 0)
	out, err := fn(in)
	require.NoError(t, err)
	assert.Equal(t, []float64{negInf, 6, 4, negInf}, out.Data().F64())
	assert.Equal(t, []float64{1, 3, 2, 0}, in.Data().F64())
}

func TestTemperatureFunc(t *testing.T) {
	out, err := TemperatureFunc(0.5)(vec(1, -2))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, -4}, out.Data().F64())

	out, err = TemperatureFunc(0)(vec(1))
	require.NoError(t, err)
	assert.InDelta(t, 100, out.Data().F64()[0], 1e-9)
}

func TestTopKFunc(t *testing.T) {
	in := vec(1, 3, 2, 0)
	out, err := TopKFunc(2, negInf)(in)
	require.NoError(t, err)
	assert.Equal(t, []float64{negInf, 3, 2, negInf}, out.Data().F64())
	assert.Equal(t, []float64{1, 3, 2, 0}, in.Data().F64())

	out, err = TopKFunc(10, negInf)(vec(1, 3))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3}, out.Data().F64())

	// Ties with the k-th score are kept.
	out, err = TopKFunc(1, -100)(vec(2, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, -100, 2}, out.Data().F64())

	_, err = TopKFunc(1, negInf)(mat.NewDense[float64](mat.WithShape(0)))
	assert.Error(t, err)
}

func TestTopPFunc(t *testing.T) {
	scores := logs(0.1, 0.6, 0.3)
	s := append([]float64(nil), scores.Data().F64()...)

	out, err := TopPFunc(0.5, negInf, 1)(scores)
	require.NoError(t, err)
	assert.Equal(t, []float64{negInf, s[1], negInf}, out.Data().F64())
	assert.Equal(t, s, scores.Data().F64())

	out, err = TopPFunc(0.7, negInf, 1)(scores)
	require.NoError(t, err)
	assert.Equal(t, []float64{negInf, s[1], s[2]}, out.Data().F64())

	out, err = TopPFunc(0.5, negInf, 2)(scores)
	require.NoError(t, err)
	assert.Equal(t, []float64{negInf, s[1], s[2]}, out.Data().F64())

	out, err = TopPFunc(1, negInf, 1)(scores)
	require.NoError(t, err)
	assert.False(t, math.IsInf(out.Data().F64()[1], -1))
	assert.False(t, math.IsInf(out.Data().F64()[2], -1))

	_, err = TopPFunc(0.5, negInf, 1)(vec(negInf, negInf))
	assert.Error(t, err)
}

func TestGreedyDecoding(t *testing.T) {
	index, prob, err := GreedyDecoding()(vec(1, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	e := math.E
	assert.InDelta(t, e*e*e/(e+e*e+e*e*e), prob, 1e-12)

	// Filtered scores get a zero probability.
	index, prob, err = GreedyDecoding()(vec(0, negInf, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.InDelta(t, 0.5, prob, 1e-12)

	_, _, err = GreedyDecoding()(vec(negInf, negInf))
	assert.Error(t, err)
}

func TestMultinomialSampling(t *testing.T) {
	scores := logs(0.2, 0.5, 0.3)
	for _, tc := range []struct {
		random   float64
		expected int
	}{
		{0.1, 0},
		{0.65, 1},
		{0.95, 2},
	} {
		random := tc.random
		index, prob, err := MultinomialSampling(func() float64 { return random })(scores)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, index)
		assert.InDelta(t, []float64{0.2, 0.5, 0.3}[tc.expected], prob, 1e-12)
	}

	// The zero-probability token is never drawn.
	index, _, err := MultinomialSampling(func() float64 { return 0 })(vec(negInf, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	_, err = multinomial([]float64{1}, 2, func() float64 { return 0 })
	assert.Error(t, err)
}
