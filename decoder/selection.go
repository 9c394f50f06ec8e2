// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"fmt"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/rs/zerolog/log"
)

// OutputSelectionFunc picks the next token from the scores, returning its
// index and its probability.
type OutputSelectionFunc func(logits mat.Matrix) (int, float64, error)

// OutputSelection returns multinomial sampling over the default random
// source, or greedy decoding.
func OutputSelection(sampling bool) OutputSelectionFunc {
	if sampling {
		log.Trace().Msg("using multinomial sampling")
		return MultinomialSampling(nil)
	}
	log.Trace().Msg("using greedy decoding")
	return GreedyDecoding()
}

func GreedyDecoding() OutputSelectionFunc {
	return func(logits mat.Matrix) (int, float64, error) {
		if err := checkCandidates(logits); err != nil {
			return 0, 0, err
		}
		probs := logits.Softmax()
		argmax := probs.ArgMax()
		return argmax, probs.ScalarAt(argmax).F64(), nil
	}
}

// MultinomialSampling draws the next token from the softmax distribution.
// The random function must return values in [0, 1); nil uses spago's
// global random source.
func MultinomialSampling(random func() float64) OutputSelectionFunc {
	if random == nil {
		random = rand.Float[float64]
	}
	return func(logits mat.Matrix) (int, float64, error) {
		if err := checkCandidates(logits); err != nil {
			return 0, 0, err
		}
		probs := logits.Softmax().Data().F64()
		samples, err := multinomial(probs, 1, random)
		if err != nil {
			return 0, 0, err
		}
		return samples[0], probs[samples[0]], nil
	}
}

// multinomial extracts the next indices from a multinomial probability distribution.
func multinomial(probs []float64, numSamples int, random func() float64) ([]int, error) {
	if numSamples > len(probs) {
		return nil, fmt.Errorf("numSamples (%d) must be less than or equal to the size of the input (%d)", numSamples, len(probs))
	}

	samples := make([]int, 0, numSamples)
	samplesMap := make(map[int]struct{}, numSamples)

	for len(samples) < numSamples {
		p := random()

		for i, value := range probs {
			p -= value
			if p < 0 {
				if _, alreadySampled := samplesMap[i]; !alreadySampled {
					samplesMap[i] = struct{}{}
					samples = append(samples, i)
				}
				break
			}
		}
	}

	return samples, nil
}
