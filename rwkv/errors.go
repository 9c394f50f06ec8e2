// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv

import "errors"

var (
	// ErrInvalidConfiguration is returned when a Config cannot describe a model.
	ErrInvalidConfiguration = errors.New("rwkv: invalid configuration")
	// ErrMissingWeight is returned when a required tensor is absent from the weights.
	ErrMissingWeight = errors.New("rwkv: missing weight")
	// ErrShapeMismatch is returned when a tensor or a state has an unexpected shape.
	ErrShapeMismatch = errors.New("rwkv: shape mismatch")
)
