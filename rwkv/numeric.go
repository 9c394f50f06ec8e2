// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

const (
	// DecayClipMin and DecayClipMax bound the raw log-decay before it is
	// turned into a retention factor.
	DecayClipMin = -9.72
	DecayClipMax = 2.27

	// LayerNormEps is the epsilon of ln1 and ln2.
	LayerNormEps = 1e-5
	// GroupNormEps is the epsilon of the per-head normalization of the attention output.
	GroupNormEps = 1e-5

	// KeyScale and ValueScale divide the time-mix key and value projections at load time.
	KeyScale   = 2
	ValueScale = 4
)

// Decay turns raw log-decay values into per-channel retention factors,
// computing exp(-exp(clip(raw, DecayClipMin, DecayClipMax))).
// Every result lies in (0, 1).
func Decay(raw mat.Tensor) mat.Tensor {
	n := raw.Size()
	clipped := ag.Max(ag.Min(raw, filled(n, DecayClipMax)), filled(n, DecayClipMin))
	return ag.Exp(ag.Neg(ag.Exp(clipped)))
}

// RescaleFactor returns the divisor applied to the output and value weights
// of the given layer: 2^(layerID/rescaleLayer), or 1 when rescaling is disabled.
func RescaleFactor(layerID, rescaleLayer int) float32 {
	if rescaleLayer <= 0 {
		return 1
	}
	return float32(math.Pow(2, float64(layerID/rescaleLayer)))
}
