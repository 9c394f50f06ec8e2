// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"github.com/nlpodyssey/rwkv6/sliceutils"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

// OutputDiversityControlFunc performs the pre-processing steps that are used to narrow down the set of candidate items
// before using greedy decoding or multinomial sampling to generate the final output.
// The input scores are never modified.
type OutputDiversityControlFunc func(logits mat.Matrix) (mat.Matrix, error)

// OutputDiversityControl returns a function used to select the next token.
func OutputDiversityControl(temp float64, topK int, topP float64) (OutputDiversityControlFunc, error) {
	if temp < 0 || temp > 1 {
		return nil, fmt.Errorf("invalid temperature value: %f. Must be between 0 and 1", temp)
	}
	if topK < 0 {
		return nil, fmt.Errorf("invalid topK value: %d. Must be >= 0", topK)
	}
	if topP < 0 || topP > 1 {
		return nil, fmt.Errorf("invalid topP value: %f. Must be between 0 and 1", topP)
	}

	result := make([]OutputDiversityControlFunc, 0, 3)
	if temp != 1 {
		result = append(result, TemperatureFunc(temp))
	}
	if topK != 0 {
		result = append(result, TopKFunc(topK, math.Inf(-1)))
	}
	if topP != 1 {
		result = append(result, TopPFunc(topP, math.Inf(-1), 1))
	}

	return func(logits mat.Matrix) (mat.Matrix, error) {
		var err error
		for _, p := range result {
			logits, err = p(logits)
			if err != nil {
				return nil, err
			}
		}
		return logits, nil
	}, nil
}

// TemperatureFunc applies a temperature to a matrix of scores.
func TemperatureFunc(temperature float64) OutputDiversityControlFunc {
	if temperature == 1 {
		return func(scores mat.Matrix) (mat.Matrix, error) {
			return scores, nil
		}
	}
	if temperature == 0 {
		temperature = 0.01 // avoid division by zero
	}
	invTemperature := 1 / temperature
	return func(scores mat.Matrix) (mat.Matrix, error) {
		return scores.ProdScalar(invTemperature), nil
	}
}

// TopKFunc replaces with filterValue every score lower than the k-th highest one.
// Ties with the k-th score are kept.
func TopKFunc(topK int, filterValue float64) OutputDiversityControlFunc {
	return func(scores mat.Matrix) (mat.Matrix, error) {
		if scores.Size() == 0 {
			return nil, fmt.Errorf("top-k: empty scores")
		}
		topK := topK
		if size := scores.Size(); size <= topK {
			topK = size
		}

		rawTopScores := sliceutils.OrderedHeap[float64](copyData(scores))

		topScores := sliceutils.ReverseHeap(&rawTopScores)
		heap.Init(topScores)
		for i := 1; i < topK; i++ {
			heap.Pop(topScores)
		}
		minScore := heap.Pop(topScores).(float64)

		return scores.Apply(func(_, _ int, v float64) float64 {
			if v < minScore {
				return filterValue
			}
			return v
		}), nil
	}
}

// TopPFunc keeps the smallest set of highest scores whose cumulative
// probability exceeds topP, and replaces the others with filterValue.
// Note that when using beam decoding (with beam > 1) then minSize must be at least 2.
func TopPFunc(topP, filterValue float64, minSize int) OutputDiversityControlFunc {
	return func(scores mat.Matrix) (mat.Matrix, error) {
		if scores.Size() == 0 {
			return nil, fmt.Errorf("top-p: empty scores")
		}
		if err := checkCandidates(scores); err != nil {
			return nil, err
		}
		sortedData := sliceutils.NewIndexedSlice(copyData(scores))
		sort.Stable(sort.Reverse(sortedData))

		sorted := mat.NewDense[float64](mat.WithShape(len(sortedData.Slice)), mat.WithBacking(sortedData.Slice))
		cumulativeProbs := sorted.Softmax().CumSum().Data().F64()

		indicesToRemove := make([]bool, len(cumulativeProbs))
		for i, cp := range cumulativeProbs {
			indicesToRemove[i] = cp > topP
		}

		// Shift the indices to the right to keep also the first token above the threshold
		copy(indicesToRemove[1:], indicesToRemove[:len(indicesToRemove)-1])

		for i := 0; i < max(minSize, 1) && i < len(indicesToRemove); i++ {
			indicesToRemove[i] = false
		}

		// Scatter sorted tensors to original indexing
		out := scores.Clone()
		for maskIndex, toRemove := range indicesToRemove {
			if !toRemove {
				continue
			}
			out.SetScalar(float.Interface(filterValue), sortedData.Indices[maskIndex])
		}
		return out, nil
	}
}

// checkCandidates returns an error if no score can get a non-zero
// probability, which would turn the softmax into NaNs.
func checkCandidates(scores mat.Matrix) error {
	if scores.Size() == 0 {
		return fmt.Errorf("no candidates: empty scores")
	}
	maxScore := scores.Max().Item().F64()
	if math.IsInf(maxScore, -1) || math.IsNaN(maxScore) {
		return fmt.Errorf("no candidates left: all scores are filtered out or invalid")
	}
	return nil
}

// toLogits copies the scores into a float64 column vector, so that the
// softmax of the filtered -Inf scores is exactly zero.
func toLogits(scores mat.Tensor) mat.Matrix {
	return mat.NewDense[float64](mat.WithShape(scores.Size()), mat.WithBacking(copyData(scores)))
}

// copyData returns the scores as a new slice; Data may share the backing array.
func copyData(scores mat.Tensor) []float64 {
	return append([]float64(nil), scores.Data().F64()...)
}
