// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

// StepResult is what the decoder emits after selecting each token.
type StepResult struct {
	// TokenID is the selected token, possibly the end token.
	TokenID int
	// SumNegLogProbs is the running score, including this step.
	SumNegLogProbs float64
}

// Buffer receives the steps of a decoding as they happen.
type Buffer interface {
	// Write is called once per step. An error aborts the decoding.
	Write(stepResult StepResult) error
	// Close is called exactly once, when the decoding returns.
	Close()
}

// ChannelBuffer sends every step to a channel and closes it at the end.
// Writes block until the step is received.
type ChannelBuffer chan StepResult

func (cb ChannelBuffer) Write(stepResult StepResult) error {
	cb <- stepResult
	return nil
}

func (cb ChannelBuffer) Close() {
	close(cb)
}

// BufferFunc adapts a function to the Buffer interface. Close is a no-op.
type BufferFunc func(stepResult StepResult) error

func (f BufferFunc) Write(stepResult StepResult) error {
	return f(stepResult)
}

func (f BufferFunc) Close() {}
