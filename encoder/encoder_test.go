// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package encoder

import (
	"context"
	"testing"

	"github.com/nlpodyssey/rwkv6/rwkvlm"
	"github.com/nlpodyssey/rwkv6/rwkvlm/rwkvlmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()
	m, err := rwkvlm.FromWeights(rwkvlm.Config{}, rwkvlmtest.Weights())
	require.NoError(t, err)
	return New(m)
}

func data(r Result) []float32 {
	return append([]float32(nil), r.HiddenRepresentation.Value().Data().F32()...)
}

func TestEncoder_Encode(t *testing.T) {
	e := newTestEncoder(t)
	ctx := context.Background()

	full, err := e.Encode(ctx, []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, full.State, rwkvlmtest.NumLayers)

	prefix, err := e.Encode(ctx, []int{1, 2})
	require.NoError(t, err)
	resumed, err := e.EncodeFrom(ctx, prefix.State, []int{3, 4})
	require.NoError(t, err)

	assert.Equal(t, data(full), data(resumed))
	assert.Equal(t, full.State.Export(), resumed.State.Export())

	_, err = e.Encode(ctx, nil)
	assert.ErrorIs(t, err, rwkvlm.ErrNoTokens)
}

func TestEncoder_EncodeBatch(t *testing.T) {
	e := newTestEncoder(t)
	e.MaxConcurrency = 2
	ctx := context.Background()

	sequences := [][]int{{1, 2, 3}, {4}, {5, 6}, {7, 8, 9, 10}, {11}}
	results, err := e.EncodeBatch(ctx, sequences)
	require.NoError(t, err)
	require.Len(t, results, len(sequences))

	for i, seq := range sequences {
		expected, err := e.Encode(ctx, seq)
		require.NoError(t, err)
		assert.Equal(t, data(expected), data(results[i]), "sequence %d", i)
	}

	_, err = e.EncodeBatch(ctx, [][]int{{1}, {rwkvlmtest.VocabSize}})
	assert.ErrorContains(t, err, "sequence 1")
}
