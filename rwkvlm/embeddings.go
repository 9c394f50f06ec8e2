// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkvlm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn/embedding"
)

// ReadEmbeddings reads a raw embedding table: little-endian float32 values,
// hiddenSize per token, with no header. The number of tokens is deduced
// from the file size.
func ReadEmbeddings(filename string, hiddenSize int) (rwkv.WeightTensor, error) {
	if hiddenSize <= 0 {
		return rwkv.WeightTensor{}, fmt.Errorf("%w: hidden size must be positive, actual %d", rwkv.ErrInvalidConfiguration, hiddenSize)
	}
	f, err := os.Open(filename)
	if err != nil {
		return rwkv.WeightTensor{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return rwkv.WeightTensor{}, err
	}
	rowBytes := int64(hiddenSize) * 4
	if info.Size() == 0 || info.Size()%rowBytes != 0 {
		return rwkv.WeightTensor{}, fmt.Errorf("%w: embeddings file %q of %d bytes is not a whole number of %d-sized rows",
			rwkv.ErrShapeMismatch, filename, info.Size(), hiddenSize)
	}
	rows := int(info.Size() / rowBytes)

	data := make([]float32, rows*hiddenSize)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, data); err != nil {
		return rwkv.WeightTensor{}, fmt.Errorf("failed to read embeddings file %q: %w", filename, err)
	}
	return rwkv.WeightTensor{Shape: []int{rows, hiddenSize}, Data: data}, nil
}

// newEmbeddings builds the embedding module from a row-major
// [vocabSize, hiddenSize] table.
func newEmbeddings(vocabSize, hiddenSize int, data []float32) *embedding.Model {
	embs := embedding.New[float32](vocabSize, hiddenSize)
	for i := range embs.Weights {
		row := data[i*hiddenSize : (i+1)*hiddenSize]
		embs.Weights[i].ReplaceValue(mat.NewDense[float32](mat.WithShape(hiddenSize), mat.WithBacking(row)))
	}
	return embs
}
