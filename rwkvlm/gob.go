// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkvlm

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/nlpodyssey/rwkv6/rwkv"
)

// gobEncode writes the model as a sequence of gob chunks, one per layer,
// so that neither encoding nor decoding needs the whole model in a single value.
func gobEncode(obj *Model, w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	for _, chunk := range getChunksForGobEncoding(obj) {
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func getChunksForGobEncoding(obj *Model) []any {
	chunks := []any{
		obj.Config,
		obj.Embeddings,
		obj.LN,
		obj.Linear,
		obj.LN0 != nil,
	}
	if obj.LN0 != nil {
		chunks = append(chunks, obj.LN0)
	}
	chunks = append(chunks, obj.Encoder.Config)
	for _, layer := range obj.Encoder.Layers {
		chunks = append(chunks, layer)
	}
	return chunks
}

// loadFromFile uses Gob to deserialize objects files to memory.
// See gobDecoding for further details.
func loadFromFile(filename string) (_ *Model, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return gobDecoding(f)
}

func gobDecoding(r io.Reader) (*Model, error) {
	obj := &Model{Encoder: &rwkv.Model{}}

	br := bufio.NewReader(r)
	decoder := gob.NewDecoder(br)

	if err := decoder.Decode(&obj.Config); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.Embeddings); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.LN); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.Linear); err != nil {
		return nil, err
	}
	var hasLN0 bool
	if err := decoder.Decode(&hasLN0); err != nil {
		return nil, err
	}
	if hasLN0 {
		if err := decoder.Decode(&obj.LN0); err != nil {
			return nil, err
		}
	}
	if err := decoder.Decode(&obj.Encoder.Config); err != nil {
		return nil, err
	}

	obj.Encoder.Layers = make([]*rwkv.Layer, obj.Encoder.Config.NumLayers)
	for i := range obj.Encoder.Layers {
		if err := decoder.Decode(&obj.Encoder.Layers[i]); err != nil {
			return nil, fmt.Errorf("failed to decode layer %d: %w", i, err)
		}
	}

	return obj, nil
}
