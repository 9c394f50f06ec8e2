// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkvlm

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
	"github.com/rs/zerolog/log"
)

// DefaultHeadSize is the head size of all the published RWKV-v6 models.
const DefaultHeadSize = 64

// ErrNoTokens is returned when encoding an empty sequence.
var ErrNoTokens = errors.New("rwkvlm: at least one token is required")

// Model is an RWKV-v6 language model: token embeddings, the stack of
// recurrent layers, and the projection of the last hidden vector onto the
// vocabulary.
type Model struct {
	nn.Module
	Embeddings *embedding.Model
	// LN0 normalizes the embeddings before the first layer. It is nil
	// for checkpoints that fold it into the embedding table.
	LN0     *layernorm.Model
	Encoder *rwkv.Model
	LN      *layernorm.Model
	Linear  *nn.Param
	Config  Config
}

type Config struct {
	// HiddenSize primarily corresponds to the embedding size.
	//
	// When converting a checkpoint, it can be left zero, letting the
	// process deduce the value automatically.
	HiddenSize int `json:"hidden_size"`
	// HeadSize is the size of each attention head.
	//
	// When converting a checkpoint, it can be left zero, letting the
	// process deduce the value automatically.
	HeadSize int `json:"head_size"`
	// IntermediateSize is the inner size of the channel-mix blocks.
	//
	// When converting a checkpoint, it can be left zero, letting the
	// process deduce the value automatically.
	IntermediateSize int `json:"intermediate_size"`
	// NumHiddenLayers is the number of hidden layers.
	//
	// When converting a checkpoint, it can be left zero, letting the
	// process deduce the value automatically.
	NumHiddenLayers int `json:"num_hidden_layers"`
	// VocabSize is the vocabulary size.
	//
	// When converting a checkpoint, it can be left zero, letting the
	// process deduce the value automatically.
	VocabSize    int `json:"vocab_size"`
	RescaleLayer int `json:"rescale_layer"`
}

// Core returns the configuration of the layer stack.
func (c Config) Core() rwkv.Config {
	return rwkv.Config{
		HiddenSize:       c.HiddenSize,
		HeadSize:         c.HeadSize,
		IntermediateSize: c.IntermediateSize,
		NumLayers:        c.NumHiddenLayers,
		RescaleLayer:     c.RescaleLayer,
	}
}

func LoadConfig(filePath string) (Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	jsonDecoder := json.NewDecoder(file)
	if err := jsonDecoder.Decode(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func init() {
	gob.Register(&Model{})
}

// New returns a new model with zeroed parameters.
func New(c Config) *Model {
	return &Model{
		Config:     c,
		Encoder:    rwkv.New(c.Core()),
		LN:         layernorm.New[float32](c.HiddenSize, rwkv.LayerNormEps),
		Linear:     nn.NewParam(mat.NewDense[float32](mat.WithShape(c.VocabSize, c.HiddenSize))),
		Embeddings: embedding.New[float32](c.VocabSize, c.HiddenSize),
	}
}

// Load loads a converted model from the given directory.
func Load(dir string) (*Model, error) {
	m, err := loadFromFile(filepath.Join(dir, DefaultOutputFilename))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Dump saves the Model to a file.
// See gobEncode for further details.
func Dump(obj *Model, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = gobEncode(obj, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

// NewState returns the zero state of the model.
func (m *Model) NewState() rwkv.State {
	return rwkv.NewState(m.Encoder.Config)
}

// Encode performs EncodeTokens and EncodeEmbeddings.
func (m *Model) Encode(ctx context.Context, s rwkv.State, tokens ...int) (mat.Tensor, rwkv.State, error) {
	if len(tokens) == 0 {
		return nil, nil, ErrNoTokens
	}
	encoded, err := m.EncodeTokens(tokens...)
	if err != nil {
		return nil, nil, err
	}
	return m.EncodeEmbeddings(ctx, s, encoded)
}

// EncodeTokens returns the embeddings of the given tokens.
func (m *Model) EncodeTokens(tokens ...int) ([]mat.Tensor, error) {
	for _, id := range tokens {
		if id < 0 || id >= m.Config.VocabSize {
			return nil, fmt.Errorf("token id %d out of vocabulary range [0, %d)", id, m.Config.VocabSize)
		}
	}
	encoded, err := m.Embeddings.Encode(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tokens: %w", err)
	}
	if m.LN0 != nil {
		for i, x := range encoded {
			encoded[i] = m.LN0.Forward(x)[0]
		}
	}
	return encoded, nil
}

// EncodeEmbeddings runs the given inputs through the layers, one at a time,
// starting from state s. It returns the output of the last input and the
// state after it. The given state is not modified.
func (m *Model) EncodeEmbeddings(ctx context.Context, s rwkv.State, xs []mat.Tensor) (mat.Tensor, rwkv.State, error) {
	if len(xs) == 0 {
		return nil, nil, ErrNoTokens
	}
	if n := len(m.Encoder.Layers); len(s) != 0 && len(s) != n {
		return nil, nil, fmt.Errorf("%w: state has %d layers, model has %d", rwkv.ErrShapeMismatch, len(s), n)
	}
	if len(xs) > 1 {
		log.Trace().Msgf("Encoding sequence of %d tokens...", len(xs))
	}
	var x mat.Tensor
	for _, e := range xs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		x, s = m.Encoder.ForwardSingle(e, s)
	}
	return x, s, nil
}

// Predict returns the prediction logits of the next token.
func (m *Model) Predict(x mat.Tensor) mat.Tensor {
	return ag.Mul(m.Linear, m.LN.Forward(x)[0]).Value()
}
