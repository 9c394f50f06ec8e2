// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkvlm

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCheckpointFilename = "model.pth"
	DefaultOutputFilename     = "rwkv6_model.bin"
)

type ConverterConfig struct {
	// The path to the directory where the models will be read from and written to.
	ModelDir string
	// The checkpoint file, either a PyTorch ".pth" or a ".safetensors" file (default "model.pth").
	CheckpointFilename string
	// An optional raw ".emb" embedding table, used in place of the "emb.weight" tensor.
	EmbeddingsFilename string
	// The path to the output model file (default "rwkv6_model.bin")
	GoModelFilename string
	// If true, overwrite the model file if it already exists (default "false")
	OverwriteIfExist bool
}

// Convert converts a checkpoint to a gob-encoded Model.
// It expects a configuration file "config.json" in the same directory as the checkpoint.
func Convert(config ConverterConfig) error {
	if config.CheckpointFilename == "" {
		config.CheckpointFilename = DefaultCheckpointFilename
	}
	if config.GoModelFilename == "" {
		config.GoModelFilename = DefaultOutputFilename
	}

	outputFilename := filepath.Join(config.ModelDir, config.GoModelFilename)

	if !config.OverwriteIfExist && fileExists(outputFilename) {
		log.Debug().Str("model", outputFilename).Msg("Model file already exists, skipping conversion")
		return nil
	}

	configFilename := filepath.Join(config.ModelDir, "config.json")
	modelConfig, err := LoadConfig(configFilename)
	if err != nil {
		return fmt.Errorf("failed to load config file %q: %w", configFilename, err)
	}

	inFilename := filepath.Join(config.ModelDir, config.CheckpointFilename)
	w, err := ReadCheckpoint(inFilename)
	if err != nil {
		return err
	}
	log.Debug().Str("checkpoint", inFilename).Int("tensors", len(w)).Msg("Checkpoint loaded")

	if config.EmbeddingsFilename != "" {
		if err := replaceEmbeddings(w, modelConfig, filepath.Join(config.ModelDir, config.EmbeddingsFilename)); err != nil {
			return err
		}
	}

	m, err := FromWeights(modelConfig, w)
	if err != nil {
		return fmt.Errorf("model conversion failed: %w", err)
	}
	if err := Dump(m, outputFilename); err != nil {
		return err
	}
	log.Debug().Str("model", outputFilename).Msg("Model converted")
	return nil
}

// ReadCheckpoint reads a ".safetensors" file, or a PyTorch checkpoint otherwise.
func ReadCheckpoint(filename string) (rwkv.Weights, error) {
	if strings.EqualFold(filepath.Ext(filename), ".safetensors") {
		return ReadSafetensors(filename)
	}
	return ReadTorchCheckpoint(filename)
}

func replaceEmbeddings(w rwkv.Weights, c Config, filename string) error {
	hidden := c.HiddenSize
	if hidden == 0 {
		if head, ok := w["head.weight"]; ok && len(head.Shape) == 2 {
			hidden = head.Shape[1]
		}
	}
	emb, err := ReadEmbeddings(filename, hidden)
	if err != nil {
		return fmt.Errorf("failed to read embeddings: %w", err)
	}
	w["emb.weight"] = emb
	return nil
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}

// FromWeights builds a Model from checkpoint weights. Zero values in the
// configuration are deduced from the weights. The weights are only read.
func FromWeights(conf Config, w rwkv.Weights) (*Model, error) {
	b := &builder{model: &Model{Config: conf}, weights: w}
	funcs := []func() error{
		b.convEmbeddings,
		b.convLinear,
		b.convRootLayerNorms,
		b.convBlocks,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return b.model, nil
}

type builder struct {
	model   *Model
	weights rwkv.Weights
}

func (b *builder) convEmbeddings() error {
	emb, err := b.fetchMatrix("emb.weight")
	if err != nil {
		return fmt.Errorf("failed to convert embeddings: %w", err)
	}
	rows, cols := emb.Shape[0], emb.Shape[1]

	if vs := b.model.Config.VocabSize; vs == 0 {
		b.model.Config.VocabSize = rows
	} else if rows != vs {
		return fmt.Errorf("%w: expected embedding vectors to match vocabulary size %d, actual %d", rwkv.ErrShapeMismatch, vs, rows)
	}

	if hs := b.model.Config.HiddenSize; hs == 0 {
		b.model.Config.HiddenSize = cols
	} else if hs != cols {
		return fmt.Errorf("%w: expected embedding vectors to match configured size %d, actual %d", rwkv.ErrShapeMismatch, hs, cols)
	}

	b.model.Embeddings = newEmbeddings(rows, cols, emb.Data)
	return nil
}

func (b *builder) convLinear() error {
	head, err := b.fetchMatrix("head.weight")
	if err != nil {
		return fmt.Errorf("failed to convert head-weight/linear: %w", err)
	}
	vs, hs := b.model.Config.VocabSize, b.model.Config.HiddenSize
	if head.Shape[0] != vs || head.Shape[1] != hs {
		return fmt.Errorf("%w: expected head-weight/linear size %dx%d, actual %dx%d",
			rwkv.ErrShapeMismatch, vs, hs, head.Shape[0], head.Shape[1])
	}
	b.model.Linear = nn.NewParam(mat.NewDense[float32](mat.WithShape(vs, hs), mat.WithBacking(head.Data)))
	return nil
}

func (b *builder) convRootLayerNorms() (err error) {
	b.model.LN, err = b.convLayerNorm("ln_out")
	if err != nil {
		return fmt.Errorf("failed to convert layer-norm: %w", err)
	}
	if _, ok := b.weights["blocks.0.ln0.weight"]; ok {
		b.model.LN0, err = b.convLayerNorm("blocks.0.ln0")
		if err != nil {
			return fmt.Errorf("failed to convert layer-norm 0: %w", err)
		}
	}
	return nil
}

func (b *builder) convBlocks() error {
	conf := &b.model.Config
	if conf.HeadSize == 0 {
		conf.HeadSize = DefaultHeadSize
		if tf, ok := b.weights["blocks.0.att.time_faaaa"]; ok && len(tf.Shape) > 1 {
			conf.HeadSize = tf.Shape[len(tf.Shape)-1]
		}
	}

	enc, err := rwkv.LoadModel(conf.Core(), b.weights)
	if err != nil {
		return err
	}
	conf.NumHiddenLayers = enc.Config.NumLayers
	conf.IntermediateSize = enc.Config.IntermediateSize
	b.model.Encoder = enc
	return nil
}

func (b *builder) convLayerNorm(name string) (*layernorm.Model, error) {
	hs := b.model.Config.HiddenSize
	w, err := b.fetchVector(name+".weight", hs)
	if err != nil {
		return nil, fmt.Errorf("failed to convert layer-norm weight: %w", err)
	}
	bias, err := b.fetchVector(name+".bias", hs)
	if err != nil {
		return nil, fmt.Errorf("failed to convert layer-norm bias: %w", err)
	}
	return &layernorm.Model{
		W:   nn.NewParam(mat.NewDense[float32](mat.WithShape(hs), mat.WithBacking(w))),
		B:   nn.NewParam(mat.NewDense[float32](mat.WithShape(hs), mat.WithBacking(bias))),
		Eps: nn.Buf(mat.Scalar[float32](rwkv.LayerNormEps)),
	}, nil
}

// fetch returns a copy of the named tensor.
func (b *builder) fetch(name string) (rwkv.WeightTensor, error) {
	t, ok := b.weights[name]
	if !ok {
		return rwkv.WeightTensor{}, fmt.Errorf("%w: %q", rwkv.ErrMissingWeight, name)
	}
	if t.Size() != len(t.Data) {
		return rwkv.WeightTensor{}, fmt.Errorf("%w: %q has shape %v but %d values", rwkv.ErrShapeMismatch, name, t.Shape, len(t.Data))
	}
	return rwkv.WeightTensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}, nil
}

func (b *builder) fetchMatrix(name string) (rwkv.WeightTensor, error) {
	t, err := b.fetch(name)
	if err != nil {
		return t, err
	}
	if len(t.Shape) != 2 {
		return t, fmt.Errorf("%w: %q expected 2 dimensions, actual %d", rwkv.ErrShapeMismatch, name, len(t.Shape))
	}
	return t, nil
}

func (b *builder) fetchVector(name string, size int) ([]float32, error) {
	t, err := b.fetch(name)
	if err != nil {
		return nil, err
	}
	if len(t.Data) != size {
		return nil, fmt.Errorf("%w: %q expected vector size %d, actual %d", rwkv.ErrShapeMismatch, name, size, len(t.Data))
	}
	return t.Data, nil
}
