// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/nlpodyssey/rwkv6/encoder"
	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/nlpodyssey/rwkv6/rwkvlm"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

type Decoder struct {
	model              *rwkvlm.Model
	applyOutputControl OutputDiversityControlFunc
	applySelection     OutputSelectionFunc
	opts               DecodingOptions
}

// New returns a decoder for the given model, or an error if the options
// are not valid.
func New(m *rwkvlm.Model, opts DecodingOptions) (*Decoder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.EndTokenID < 0 || opts.EndTokenID >= m.Config.VocabSize {
		return nil, fmt.Errorf("invalid end token id: %d. Must be in [0, %d)", opts.EndTokenID, m.Config.VocabSize)
	}
	control, err := OutputDiversityControl(opts.Temp, opts.TopK, opts.TopP)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		model:              m,
		applyOutputControl: control,
		applySelection:     OutputSelection(opts.UseSampling),
		opts:               opts,
	}, nil
}

// WithSelection replaces the output selection function.
func (d *Decoder) WithSelection(fn OutputSelectionFunc) *Decoder {
	d.applySelection = fn
	return d
}

type Result struct {
	// Sequence is a list of generated tokens ids, without the end token.
	Sequence []int
	// Score is the sum of the negative log probabilities of the generated tokens.
	Score float64
	// State has consumed the input and every generated token but the last one.
	State rwkv.State
	// LastTokenID is the last selected token, possibly the end token, or -1
	// when nothing was generated. It is not part of State yet.
	LastTokenID int
}

// Decode generates tokens starting from the encoded input.
// A cancelled context stops the generation and returns what was
// generated so far.
func (d *Decoder) Decode(ctx context.Context, input encoder.Result) (*Result, error) {
	return d.DecodeStream(ctx, input, nil)
}

// DecodeStream is like Decode, also writing each step to the buffer,
// which is closed on return. The buffer may be nil.
func (d *Decoder) DecodeStream(ctx context.Context, input encoder.Result, buf Buffer) (*Result, error) {
	if buf != nil {
		defer buf.Close()
	}
	if input.HiddenRepresentation == nil || input.State == nil {
		return nil, fmt.Errorf("invalid input: hidden representation and state are required")
	}

	x, s := input.HiddenRepresentation, input.State

	var sequence []int
	var sumNegLogProbs float64

Loop:
	for {
		select {
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Int("generated", len(sequence)).Msg("Decoding interrupted")
			break Loop
		default:
			selected, score, err := d.next(x, sequence)
			if err != nil {
				return nil, err
			}
			sequence = append(sequence, selected)
			sumNegLogProbs += -math.Log(score)

			if buf != nil {
				if err := buf.Write(StepResult{TokenID: selected, SumNegLogProbs: sumNegLogProbs}); err != nil {
					return nil, err
				}
			}
			if stopGeneration := d.checkStopConditions(sequence); stopGeneration {
				break Loop
			}
			nx, ns, err := d.model.Encode(ctx, s, selected)
			if err != nil {
				if ctx.Err() != nil {
					log.Debug().Err(err).Int("generated", len(sequence)).Msg("Decoding interrupted")
					break Loop
				}
				return nil, err
			}
			x, s = nx, ns
		}
	}

	last := -1
	if len(sequence) > 0 {
		last = sequence[len(sequence)-1]
	}
	return &Result{
		Sequence:    d.removeEndTokenID(sequence),
		Score:       sumNegLogProbs,
		State:       s,
		LastTokenID: last,
	}, nil
}

func (d *Decoder) next(x mat.Tensor, sequence []int) (int, float64, error) {
	logits := d.adjustLogits(d.predict(x), sequence)
	if err := checkCandidates(logits); err != nil {
		return 0, 0, err
	}
	if p, ok := d.endReached(logits, len(sequence)); ok {
		return d.opts.EndTokenID, p, nil
	}
	candidates, err := d.applyOutputControl(logits)
	if err != nil {
		return 0, 0, err
	}
	return d.applySelection(candidates)
}

// predict returns the logits of the next token as a float64 vector.
func (d *Decoder) predict(x mat.Tensor) mat.Matrix {
	return toLogits(d.model.Predict(x))
}

// adjustLogits bans the end token while the sequence is too short, and
// the tokens that would complete a bad word.
func (d *Decoder) adjustLogits(logits mat.Matrix, sequence []int) mat.Matrix {
	banned := float.Interface(math.Inf(-1))
	if len(sequence) < d.opts.MinLen {
		logits.SetScalar(banned, d.opts.EndTokenID)
	}
	for _, bad := range d.opts.BadWordsIDs {
		last := bad[len(bad)-1]
		if last < 0 || last >= logits.Size() {
			continue
		}
		if hasSuffix(sequence, bad[:len(bad)-1]) {
			logits.SetScalar(banned, last)
		}
	}
	return logits
}

// endReached reports whether the end token probability reached the
// configured threshold, returning that probability.
func (d *Decoder) endReached(logits mat.Matrix, sequenceLength int) (float64, bool) {
	if d.opts.EndThreshold == 0 || sequenceLength < d.opts.MinLen {
		return 0, false
	}
	p := logits.Softmax().ScalarAt(d.opts.EndTokenID).F64()
	return p, p >= d.opts.EndThreshold
}

// removeEndTokenID removes the end token ID from the sequence if present.
func (d *Decoder) removeEndTokenID(sequence []int) []int {
	if len(sequence) == 0 {
		return sequence
	}
	if sequence[len(sequence)-1] == d.opts.EndTokenID {
		return sequence[:len(sequence)-1]
	}
	return sequence
}

func (d *Decoder) checkStopConditions(sequence []int) bool {
	if len(sequence) >= d.opts.MaxLen {
		log.Trace().Msgf("Reached max length (%d)", d.opts.MaxLen)
		return true
	}
	last := sequence[len(sequence)-1]
	if last == d.opts.EndTokenID {
		log.Trace().Msgf("Reached end token (%d)", d.opts.EndTokenID)
		return true
	}
	if len(sequence) >= d.opts.MinLen && hasStopSequence(sequence, d.opts.StopSequencesIDs) {
		log.Trace().Msgf("Reached stop sequence (%v)", d.opts.StopSequencesIDs)
		return true
	}
	return false
}

func hasStopSequence(sequence []int, stopSequences [][]int) bool {
	for _, stopSeq := range stopSequences {
		if hasSuffix(sequence, stopSeq) {
			return true
		}
	}
	return false
}

func hasSuffix(sequence, suffix []int) bool {
	if len(sequence) < len(suffix) {
		return false
	}
	return slices.Equal(sequence[len(sequence)-len(suffix):], suffix)
}
