// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkvlm

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestReadSafetensors(t *testing.T) {
	values := []float32{1, -2, 0.5, 0.25, -0.125, 3}

	var data bytes.Buffer
	require.NoError(t, binary.Write(&data, binary.LittleEndian, values))
	f32End := int64(data.Len())
	for _, v := range values {
		require.NoError(t, binary.Write(&data, binary.LittleEndian, float16.Fromfloat32(v).Bits()))
	}
	f16End := int64(data.Len())
	for _, v := range values {
		require.NoError(t, binary.Write(&data, binary.LittleEndian, uint16(math.Float32bits(v)>>16)))
	}
	bf16End := int64(data.Len())

	filename := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensorsFile(t, filename, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"a":            safetensorMetadata{Type: "F32", Shape: []int{2, 3}, Offsets: []int64{0, f32End}},
		"b":            safetensorMetadata{Type: "F16", Shape: []int{6}, Offsets: []int64{f32End, f16End}},
		"c":            safetensorMetadata{Type: "BF16", Shape: []int{1, 1, 6}, Offsets: []int64{f16End, bf16End}},
	}, data.Bytes())

	w, err := ReadSafetensors(filename)
	require.NoError(t, err)
	require.Len(t, w, 3)
	assert.Equal(t, rwkv.WeightTensor{Shape: []int{2, 3}, Data: values}, w["a"])
	assert.Equal(t, rwkv.WeightTensor{Shape: []int{6}, Data: values}, w["b"])
	assert.Equal(t, rwkv.WeightTensor{Shape: []int{1, 1, 6}, Data: values}, w["c"])
}

func TestReadSafetensors_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadSafetensors(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)

	filename := filepath.Join(dir, "bad-shape.safetensors")
	writeSafetensorsFile(t, filename, map[string]any{
		"a": safetensorMetadata{Type: "F32", Shape: []int{3}, Offsets: []int64{0, 8}},
	}, make([]byte, 8))
	_, err = ReadSafetensors(filename)
	assert.ErrorIs(t, err, rwkv.ErrShapeMismatch)

	filename = filepath.Join(dir, "bad-type.safetensors")
	writeSafetensorsFile(t, filename, map[string]any{
		"a": safetensorMetadata{Type: "I8", Shape: []int{4}, Offsets: []int64{0, 4}},
	}, make([]byte, 4))
	_, err = ReadSafetensors(filename)
	assert.ErrorContains(t, err, "unknown data type")
}

func TestReadEmbeddings(t *testing.T) {
	dir := t.TempDir()
	values := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, values))

	filename := filepath.Join(dir, "model.emb")
	require.NoError(t, os.WriteFile(filename, buf.Bytes(), 0o644))

	emb, err := ReadEmbeddings(filename, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, emb.Shape)
	assert.Equal(t, values, emb.Data)

	_, err = ReadEmbeddings(filename, 3)
	assert.ErrorIs(t, err, rwkv.ErrShapeMismatch)

	_, err = ReadEmbeddings(filename, 0)
	assert.ErrorIs(t, err, rwkv.ErrInvalidConfiguration)
}

func TestReadCheckpoint_DispatchesOnExtension(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "model.safetensors")
	writeSafetensors(t, filename, rwkv.Weights{"x": {Shape: []int{2}, Data: []float32{1, 2}}})

	w, err := ReadCheckpoint(filename)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, w["x"].Data)

	_, err = ReadCheckpoint(filepath.Join(dir, "missing.pth"))
	assert.Error(t, err)
}
