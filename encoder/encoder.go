// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package encoder

import (
	"context"
	"fmt"
	"runtime"

	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/nlpodyssey/rwkv6/rwkvlm"
	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Encoder struct {
	model *rwkvlm.Model
	// MaxConcurrency bounds the number of sequences encoded at the same
	// time by EncodeBatch. Zero means runtime.NumCPU().
	MaxConcurrency int
}

type Result struct {
	HiddenRepresentation mat.Tensor
	State                rwkv.State
}

func New(model *rwkvlm.Model) *Encoder {
	return &Encoder{model: model}
}

// Encode runs the tokens through the model starting from the zero state.
func (e *Encoder) Encode(ctx context.Context, tokens []int) (Result, error) {
	return e.EncodeFrom(ctx, nil, tokens)
}

// EncodeFrom runs the tokens through the model starting from the given
// state, which is left untouched.
func (e *Encoder) EncodeFrom(ctx context.Context, state rwkv.State, tokens []int) (Result, error) {
	x, s, err := e.model.Encode(ctx, state, tokens...)
	if err != nil {
		return Result{}, err
	}
	return Result{
		HiddenRepresentation: x,
		State:                s,
	}, nil
}

// EncodeBatch encodes independent sequences concurrently, each one from
// the zero state. Results are in the same order as the sequences.
// The first error cancels the remaining work.
func (e *Encoder) EncodeBatch(ctx context.Context, sequences [][]int) ([]Result, error) {
	results := make([]Result, len(sequences))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())
	for i, tokens := range sequences {
		i, tokens := i, tokens
		g.Go(func() error {
			r, err := e.Encode(ctx, tokens)
			if err != nil {
				return fmt.Errorf("failed to encode sequence %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Trace().Int("sequences", len(sequences)).Msg("Batch encoded")
	return results, nil
}

func (e *Encoder) concurrency() int {
	if e.MaxConcurrency > 0 {
		return e.MaxConcurrency
	}
	return runtime.NumCPU()
}
