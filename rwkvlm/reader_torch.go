// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkvlm

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/rwkv6/rwkv"
)

// ReadTorchCheckpoint reads all the tensors of a PyTorch checkpoint, that is
// a pickled state dict as written by torch.save.
// BFloat16, Half, Float and Double storages are supported.
func ReadTorchCheckpoint(filename string) (rwkv.Weights, error) {
	torchModel, err := pytorch.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load torch model %q: %w", filename, err)
	}
	params, err := makeParamsMap(torchModel)
	if err != nil {
		return nil, fmt.Errorf("failed to read model params: %w", err)
	}

	w := make(rwkv.Weights, len(params))
	for name, t := range params {
		data, err := tensorData(t)
		if err != nil {
			return nil, fmt.Errorf("failed to read param %q: %w", name, err)
		}
		w[name] = rwkv.WeightTensor{Shape: slices.Clone(t.Size), Data: data}
	}
	return w, nil
}

// tensorData returns a copy of the tensor values, converted to float32.
func tensorData(t *pytorch.Tensor) ([]float32, error) {
	if !isContiguous(t) {
		return nil, fmt.Errorf("only contiguous tensors are supported, actual size %v stride %v", t.Size, t.Stride)
	}
	start, end := t.StorageOffset, t.StorageOffset+tensorDataSize(t)

	switch st := t.Source.(type) {
	case *pytorch.BFloat16Storage:
		return slices.Clone(st.Data[start:end]), nil
	case *pytorch.HalfStorage:
		return slices.Clone(st.Data[start:end]), nil
	case *pytorch.FloatStorage:
		return slices.Clone(st.Data[start:end]), nil
	case *pytorch.DoubleStorage:
		out := make([]float32, end-start)
		for i, v := range st.Data[start:end] {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %T", t.Source)
	}
}

func tensorDataSize(t *pytorch.Tensor) int {
	size := 1
	for _, v := range t.Size {
		size *= v
	}
	return size
}

func isContiguous(t *pytorch.Tensor) bool {
	if len(t.Stride) != len(t.Size) {
		return len(t.Stride) == 0
	}
	expected := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] != 1 && t.Stride[i] != expected {
			return false
		}
		expected *= t.Size[i]
	}
	return true
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

type paramsMap map[string]*pytorch.Tensor

// pickledDict is implemented by the plain dictionaries of gopickle.
type pickledDict interface {
	Keys() []any
	Get(key any) (any, bool)
}

func makeParamsMap(torchModel any) (paramsMap, error) {
	switch d := torchModel.(type) {
	case *types.OrderedDict:
		params := make(paramsMap, d.Len())
		for k, item := range d.Map {
			if err := params.add(k, item.Value); err != nil {
				return nil, err
			}
		}
		return params, nil
	case pickledDict:
		keys := d.Keys()
		params := make(paramsMap, len(keys))
		for _, k := range keys {
			v, _ := d.Get(k)
			if err := params.add(k, v); err != nil {
				return nil, err
			}
		}
		return params, nil
	default:
		return nil, fmt.Errorf("unexpected checkpoint root type %T", torchModel)
	}
}

func (p paramsMap) add(key, value any) error {
	name, err := cast[string](key)
	if err != nil {
		return fmt.Errorf("wrong param name type: %w", err)
	}
	tensor, err := cast[*pytorch.Tensor](value)
	if err != nil {
		return fmt.Errorf("wrong value type for param %q: %w", name, err)
	}
	p[name] = tensor
	return nil
}
