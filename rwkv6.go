// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rwkv6 runs RWKV-v6 language models on token ids, keeping the
// recurrent state across generations when used through a Session.
package rwkv6

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/goccy/go-json"
	"github.com/nlpodyssey/rwkv6/decoder"
	"github.com/nlpodyssey/rwkv6/encoder"
	"github.com/nlpodyssey/rwkv6/rwkv"
	"github.com/nlpodyssey/rwkv6/rwkvlm"
	"github.com/rs/zerolog/log"
)

// RWKV6 is the core struct of the library.
type RWKV6 struct {
	Model   *rwkvlm.Model
	Encoder *encoder.Encoder
}

// Load loads a converted model from the given directory.
func Load(modelDir string) (*RWKV6, error) {
	model, err := rwkvlm.Load(modelDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error: unable to find the model file or directory '%s'. Please ensure that the model has been successfully downloaded and converted before trying again", modelDir)
		}
		return nil, err
	}
	return New(model), nil
}

func New(model *rwkvlm.Model) *RWKV6 {
	return &RWKV6{
		Model:   model,
		Encoder: encoder.New(model),
	}
}

// Generate generates tokens following the given ones, starting from the
// zero state. Each step is streamed to out, if not nil, which is closed
// on return.
func (r *RWKV6) Generate(ctx context.Context, tokenIDs []int, opts decoder.DecodingOptions, out chan decoder.StepResult) (*decoder.Result, error) {
	return r.NewSession().Generate(ctx, tokenIDs, opts, out)
}

// Session carries the recurrent state from one generation to the next.
type Session struct {
	rwkv *RWKV6
	// state has consumed everything but the pending tokens.
	state   rwkv.State
	pending []int
}

// SessionData is the serializable form of a Session.
type SessionData struct {
	State   rwkv.StateData `json:"state"`
	Pending []int          `json:"pending,omitempty"`
}

func (r *RWKV6) NewSession() *Session {
	return &Session{rwkv: r}
}

// Generate feeds the pending tokens of the previous generation and the
// given ones, then decodes. The session is updated only on success.
func (s *Session) Generate(ctx context.Context, tokenIDs []int, opts decoder.DecodingOptions, out chan decoder.StepResult) (*decoder.Result, error) {
	var buf decoder.Buffer
	if out != nil {
		buf = decoder.ChannelBuffer(out)
	}
	closeBuf := func() {
		if buf != nil {
			buf.Close()
		}
	}

	d, err := decoder.New(s.rwkv.Model, opts)
	if err != nil {
		closeBuf()
		return nil, err
	}

	input := append(append([]int(nil), s.pending...), tokenIDs...)
	log.Debug().Int("tokens", len(input)).Msg("Encoding input")
	encoded, err := s.rwkv.Encoder.EncodeFrom(ctx, s.state, input)
	if err != nil {
		closeBuf()
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}

	log.Debug().Msg("Generating tokens")
	res, err := d.DecodeStream(ctx, encoded, buf)
	if err != nil {
		return nil, err
	}

	s.state = res.State
	s.pending = nil
	if res.LastTokenID >= 0 {
		s.pending = []int{res.LastTokenID}
	}
	return res, nil
}

// Export returns a copy of the session data.
func (s *Session) Export() SessionData {
	data := SessionData{Pending: append([]int(nil), s.pending...)}
	if s.state != nil {
		data.State = s.state.Export()
	}
	return data
}

// ImportSession restores a session, validating the state against the model.
func (r *RWKV6) ImportSession(data SessionData) (*Session, error) {
	s := r.NewSession()
	if len(data.State) > 0 {
		state, err := rwkv.ImportState(r.Model.Encoder.Config, data.State)
		if err != nil {
			return nil, fmt.Errorf("failed to import session state: %w", err)
		}
		s.state = state
	}
	for _, id := range data.Pending {
		if id < 0 || id >= r.Model.Config.VocabSize {
			return nil, fmt.Errorf("failed to import session: pending token %d out of vocabulary", id)
		}
	}
	s.pending = append([]int(nil), data.Pending...)
	return s, nil
}

// Save writes the session to a JSON file.
func (s *Session) Save(filename string) error {
	data, err := json.Marshal(s.Export())
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// LoadSession reads a session written by Session.Save.
func (r *RWKV6) LoadSession(filename string) (*Session, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode session file: %w", err)
	}
	return r.ImportSession(data)
}
