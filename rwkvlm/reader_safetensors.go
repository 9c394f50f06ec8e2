// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkvlm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/x448/float16"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// ReadSafetensors reads all the tensors of a safetensors file.
// F32, F16 and BF16 tensors are supported, and converted to float32.
func ReadSafetensors(filename string) (rwkv.Weights, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read safetensors header size: %w", err)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("failed to read safetensors header: %w", err)
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("failed to decode safetensors header: %w", err)
	}

	w := make(rwkv.Weights, len(headers))
	for name, value := range headers {
		if value.Type == "" {
			continue // __metadata__
		}
		if len(value.Offsets) != 2 {
			return nil, fmt.Errorf("tensor %q: invalid data offsets %v", name, value.Offsets)
		}
		offset := safetensorsPad(n, value.Offsets[0])
		size := value.Offsets[1] - value.Offsets[0]
		data, err := readSafetensor(io.NewSectionReader(f, offset, size), value.Type, size)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		t := rwkv.WeightTensor{Shape: slices.Clone(value.Shape), Data: data}
		if t.Size() != len(data) {
			return nil, fmt.Errorf("%w: tensor %q has shape %v but %d values", rwkv.ErrShapeMismatch, name, t.Shape, len(data))
		}
		w[name] = t
	}
	return w, nil
}

// safetensorsPad returns the absolute position of a data offset, given the header length n.
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

func readSafetensor(r io.Reader, dtype string, size int64) ([]float32, error) {
	switch dtype {
	case "F32":
		f32s := make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		u8s := make([]uint8, size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}
		return bfloat16.DecodeFloat32(u8s), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}
