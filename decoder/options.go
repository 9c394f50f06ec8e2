// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DecodingOptions contains the options for the conditional text generation.
type DecodingOptions struct {
	// MaxLen is the maximum number of tokens to generate.
	MaxLen int `yaml:"max_len"`
	// MinLen is the minimum number of tokens to generate.
	MinLen int `yaml:"min_len"`
	// StopSequencesIDs is a list of token ids that if generated, the generation process will stop.
	StopSequencesIDs [][]int `yaml:"stop_sequences_ids"`
	// EndTokenID is the end-of-sequence token (default: 0).
	EndTokenID int `yaml:"end_token_id"`
	// Temp is the temperature used to control the randomness of the generated text.
	Temp float64 `yaml:"temperature"`
	// TopK is the number of tokens to consider when sampling the next token.
	TopK int `yaml:"top_k"`
	// TopP is the cumulative probability of the tokens to consider when sampling the next token.
	TopP float64 `yaml:"top_p"`
	// UseSampling uses sampling to generate the next token.
	UseSampling bool `yaml:"use_sampling"`
	// BadWordsIDs is a list of token ids sequences that are not allowed to be generated.
	BadWordsIDs [][]int `yaml:"bad_words_ids"`
	// EndThreshold is the minimum probability that the end token must reach to stop
	// the generation, regardless of other higher-scored tokens. Zero disables it.
	EndThreshold float64 `yaml:"end_threshold"`
}

// DefaultDecodingOptions returns greedy decoding options with no
// diversity control.
func DefaultDecodingOptions() DecodingOptions {
	return DecodingOptions{
		MaxLen: 256,
		Temp:   1,
		TopP:   1,
	}
}

// Validate checks the options for consistency.
func (o DecodingOptions) Validate() error {
	if o.MaxLen <= 0 {
		return fmt.Errorf("invalid max_len value: %d. Must be > 0", o.MaxLen)
	}
	if o.MinLen < 0 || o.MinLen > o.MaxLen {
		return fmt.Errorf("invalid min_len value: %d. Must be between 0 and max_len (%d)", o.MinLen, o.MaxLen)
	}
	if o.EndThreshold < 0 || o.EndThreshold > 1 {
		return fmt.Errorf("invalid end_threshold value: %f. Must be between 0 and 1", o.EndThreshold)
	}
	for _, seq := range o.StopSequencesIDs {
		if len(seq) == 0 {
			return fmt.Errorf("invalid stop sequence: empty")
		}
	}
	for _, seq := range o.BadWordsIDs {
		if len(seq) == 0 {
			return fmt.Errorf("invalid bad words sequence: empty")
		}
	}
	_, err := OutputDiversityControl(o.Temp, o.TopK, o.TopP)
	return err
}

// LoadDecodingOptions reads the options from a YAML file. Fields missing
// from the file keep the DefaultDecodingOptions values.
func LoadDecodingOptions(filename string) (DecodingOptions, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return DecodingOptions{}, fmt.Errorf("error reading configuration file: %w", err)
	}
	opts := DefaultDecodingOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return DecodingOptions{}, fmt.Errorf("error unmarshaling configuration file: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return DecodingOptions{}, err
	}
	return opts, nil
}
