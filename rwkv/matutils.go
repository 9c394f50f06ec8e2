// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

// This file contains operations on matrices that would be a single
// broadcasting expression with tensors. Matrices do not broadcast, so the
// per-head products are spelled out here.

// broadcastRows returns the [n, cols] matrix whose i-th row is filled with v[i].
// It is the outer product of v with a row of ones, so no rounding occurs.
func broadcastRows(v mat.Tensor, cols int) mat.Tensor {
	return ag.Mul(v, filledRow(cols, 1))
}

// outer returns the outer product a ⊗ b.
func outer(a, b mat.Tensor) mat.Tensor {
	return ag.Mul(a, ag.T(b))
}

func filled(n int, v float32) mat.Tensor {
	return mat.NewDense[float32](mat.WithShape(n), mat.WithBacking(mat.CreateInitializedSlice[float32](n, v)))
}

func filledRow(n int, v float32) mat.Tensor {
	return mat.NewDense[float32](mat.WithShape(1, n), mat.WithBacking(mat.CreateInitializedSlice[float32](n, v)))
}

func zeros(shape ...int) mat.Tensor {
	return mat.NewDense[float32](mat.WithShape(shape...))
}

// values detaches each node from its graph, keeping only the computed value.
func values(xs []mat.Tensor) []mat.Tensor {
	out := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		out[i] = x.Value()
	}
	return out
}
