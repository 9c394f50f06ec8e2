// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rwkvlmtest provides a small, complete RWKV-v6 checkpoint for tests.
package rwkvlmtest

import (
	"fmt"

	"github.com/nlpodyssey/rwkv6/rwkv"
)

// Sizes of the checkpoint returned by Weights.
const (
	VocabSize        = 12
	HiddenSize       = 8
	HeadSize         = 4
	IntermediateSize = 16
	NumLayers        = 2
)

// Weights returns a complete checkpoint filled with small deterministic
// values, including the optional "blocks.0.ln0" normalization.
// Every call returns a new map.
func Weights() rwkv.Weights {
	c := rwkv.Config{HiddenSize: HiddenSize, HeadSize: HeadSize}
	h, m1, m2 := HiddenSize, c.MixRank(), c.DecayRank()

	w := rwkv.Weights{}
	seed := 0
	add := func(name string, onePlus bool, shape ...int) {
		seed++
		t := rwkv.WeightTensor{Shape: shape}
		t.Data = make([]float32, t.Size())
		for i := range t.Data {
			t.Data[i] = float32(((i*7+seed*13)%17)-8) / 64
			if onePlus {
				t.Data[i] += 1
			}
		}
		w[name] = t
	}

	add("emb.weight", false, VocabSize, h)
	add("head.weight", false, VocabSize, h)
	add("ln_out.weight", true, h)
	add("ln_out.bias", false, h)
	add("blocks.0.ln0.weight", true, h)
	add("blocks.0.ln0.bias", false, h)
	for l := 0; l < NumLayers; l++ {
		p := fmt.Sprintf("blocks.%d.", l)
		add(p+"ln1.weight", true, h)
		add(p+"ln1.bias", false, h)
		add(p+"ln2.weight", true, h)
		add(p+"ln2.bias", false, h)
		add(p+"att.time_maa_x", false, 1, 1, h)
		for _, lane := range []string{"w", "k", "v", "r", "g"} {
			add(p+"att.time_maa_"+lane, false, 1, 1, h)
		}
		add(p+"att.time_maa_w1", false, h, 5*m1)
		add(p+"att.time_maa_w2", false, 5, m1, h)
		add(p+"att.time_decay", false, 1, 1, h)
		add(p+"att.time_decay_w1", false, h, m2)
		add(p+"att.time_decay_w2", false, m2, h)
		add(p+"att.time_faaaa", false, h/HeadSize, HeadSize)
		for _, name := range []string{"receptance", "key", "value", "gate", "output"} {
			add(p+"att."+name+".weight", false, h, h)
		}
		add(p+"att.ln_x.weight", true, h)
		add(p+"att.ln_x.bias", false, h)
		add(p+"ffn.time_maa_k", false, 1, 1, h)
		add(p+"ffn.time_maa_r", false, 1, 1, h)
		add(p+"ffn.key.weight", false, IntermediateSize, h)
		add(p+"ffn.value.weight", false, h, IntermediateSize)
		add(p+"ffn.receptance.weight", false, h, h)
	}
	return w
}
