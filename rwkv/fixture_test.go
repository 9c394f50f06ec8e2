// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import (
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goldenTolerance is the accepted difference from the float64 reference
// values, relative to max(1, |expected|).
const goldenTolerance = 1e-5

func testConfig() Config {
	return Config{
		HiddenSize:       64,
		HeadSize:         16,
		IntermediateSize: 224,
		NumLayers:        1,
	}
}

type fixtureEntry struct {
	name    string
	shape   []int
	seed    int
	scale   float32
	onePlus bool
}

// fixtureEntries lists every tensor of a layer, with the parameters of the
// deterministic pattern used to fill it. The golden values in testdata were
// computed from the very same tensors.
func fixtureEntries(c Config) []fixtureEntry {
	h, hs, nh := c.HiddenSize, c.HeadSize, c.NumHeads()
	m1, m2, in := c.MixRank(), c.DecayRank(), c.intermediateSize()
	return []fixtureEntry{
		{"ln1.weight", []int{h}, 1, 1, true},
		{"ln1.bias", []int{h}, 2, 1, false},
		{"att.time_maa_x", []int{1, 1, h}, 3, 4, false},
		{"att.time_maa_w", []int{1, 1, h}, 4, 4, false},
		{"att.time_maa_k", []int{1, 1, h}, 5, 4, false},
		{"att.time_maa_v", []int{1, 1, h}, 6, 4, false},
		{"att.time_maa_r", []int{1, 1, h}, 7, 4, false},
		{"att.time_maa_g", []int{1, 1, h}, 8, 4, false},
		{"att.time_maa_w1", []int{h, 5 * m1}, 9, 1, false},
		{"att.time_maa_w2", []int{5, m1, h}, 10, 1, false},
		{"att.time_decay", []int{1, 1, h}, 11, 64, false},
		{"att.time_decay_w1", []int{h, m2}, 12, 1, false},
		{"att.time_decay_w2", []int{m2, h}, 13, 1, false},
		{"att.time_faaaa", []int{nh, hs}, 14, 16, false},
		{"att.receptance.weight", []int{h, h}, 15, 4, false},
		{"att.key.weight", []int{h, h}, 16, 4, false},
		{"att.value.weight", []int{h, h}, 17, 4, false},
		{"att.gate.weight", []int{h, h}, 18, 4, false},
		{"att.output.weight", []int{h, h}, 19, 4, false},
		{"att.ln_x.weight", []int{h}, 20, 1, true},
		{"att.ln_x.bias", []int{h}, 21, 1, false},
		{"ln2.weight", []int{h}, 22, 1, true},
		{"ln2.bias", []int{h}, 23, 1, false},
		{"ffn.time_maa_k", []int{1, 1, h}, 24, 4, false},
		{"ffn.time_maa_r", []int{1, 1, h}, 25, 4, false},
		{"ffn.key.weight", []int{in, h}, 26, 1, false},
		{"ffn.value.weight", []int{h, in}, 27, 1, false},
		{"ffn.receptance.weight", []int{h, h}, 28, 4, false},
	}
}

// pattern returns n small values cycling through multiples of scale/256.
// They are exact in float32.
func pattern(n, seed int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(((i*7+seed*13)%17)-8) / 256 * scale
	}
	return out
}

func fixtureWeights(c Config) Weights {
	w := make(Weights)
	for layer := 0; layer < max(c.NumLayers, 1); layer++ {
		for _, e := range fixtureEntries(c) {
			t := WeightTensor{Shape: e.shape}
			t.Data = pattern(t.Size(), e.seed+100*layer, e.scale)
			if e.onePlus {
				for i := range t.Data {
					t.Data[i] += 1
				}
			}
			w[fmt.Sprintf("blocks.%d.%s", layer, e.name)] = t
		}
	}
	return w
}

// cloneWeights returns a deep copy of w.
func cloneWeights(w Weights) Weights {
	out := make(Weights, len(w))
	for k, t := range w {
		out[k] = WeightTensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), t.Data...),
		}
	}
	return out
}

type goldenData struct {
	TimeMix struct {
		X          []float32 `json:"x"`
		XOut       []float64 `json:"x_out"`
		State1Out  []float64 `json:"state1_out"`
		State2Out  []float64 `json:"state2_out"`
		X2         []float32 `json:"x2"`
		X2Out      []float64 `json:"x2_out"`
		State1Out2 []float64 `json:"state1_out2"`
		State2Out2 []float64 `json:"state2_out2"`
	} `json:"time_mix"`
	ChannelMix struct {
		X         []float32 `json:"x"`
		XOut      []float64 `json:"x_out"`
		StateOut  []float64 `json:"state_out"`
		X2        []float32 `json:"x2"`
		X2Out     []float64 `json:"x2_out"`
		StateOut2 []float64 `json:"state_out2"`
	} `json:"channel_mix"`
	Model struct {
		NumLayers       int         `json:"num_layers"`
		RescaleLayer    int         `json:"rescale_layer"`
		Outputs         [][]float64 `json:"outputs"`
		TimeMixShift    [][]float64 `json:"time_mix_shift"`
		WKV             [][]float64 `json:"wkv"`
		ChannelMixShift [][]float64 `json:"channel_mix_shift"`
	} `json:"model"`
}

func loadGolden(t *testing.T) goldenData {
	t.Helper()
	data, err := os.ReadFile("testdata/golden.json")
	require.NoError(t, err)
	var g goldenData
	require.NoError(t, json.Unmarshal(data, &g))
	return g
}

func assertAllClose(t *testing.T, expected []float64, actual []float32, msgAndArgs ...any) {
	t.Helper()
	require.Len(t, actual, len(expected), msgAndArgs...)
	for i, e := range expected {
		tol := goldenTolerance * math.Max(1, math.Abs(e))
		if !assert.InDelta(t, e, float64(actual[i]), tol, msgAndArgs...) {
			t.Logf("first mismatch at index %d", i)
			return
		}
	}
}

func concatWKV(wkv []mat.Tensor) []float32 {
	var out []float32
	for _, m := range wkv {
		out = append(out, floats(m)...)
	}
	return out
}

func mustLoadTimeMix(t *testing.T, c Config, w Weights) *TimeMix {
	t.Helper()
	m, err := LoadTimeMix(c, 0, w)
	require.NoError(t, err)
	return m
}

func mustLoadChannelMix(t *testing.T, c Config, w Weights) *ChannelMix {
	t.Helper()
	m, err := LoadChannelMix(c, 0, w)
	require.NoError(t, err)
	return m
}
