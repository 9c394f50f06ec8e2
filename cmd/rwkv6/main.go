// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nlpodyssey/rwkv6"
	"github.com/nlpodyssey/rwkv6/decoder"
	"github.com/nlpodyssey/rwkv6/downloader"
	"github.com/nlpodyssey/rwkv6/rwkvlm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rwkv6",
		Usage: "Perform various operations with an RWKV-v6 language model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"RWKV6_LOGLEVEL"},
			},
			&cli.StringFlag{
				Name:     "model-dir",
				Usage:    "directory of the model to operate on",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "download",
				Usage: "Download model to directory, whose last two levels are the repository name (organization/model)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "base-url",
						Usage: "base URL of the model hub",
						Value: downloader.DefaultBaseURL,
					},
					&cli.StringFlag{
						Name:  "revision",
						Usage: "repository revision",
						Value: "main",
					},
					&cli.StringSliceFlag{
						Name:  "file",
						Usage: "file to download (repeatable)",
						Value: cli.NewStringSlice(downloader.DefaultFiles...),
					},
					&cli.StringFlag{
						Name:    "access-token",
						Usage:   "Hugging Face access token",
						EnvVars: []string{"HF_TOKEN"},
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "download files even if they already exist",
					},
				},
				Action: func(c *cli.Context) error {
					return download(c.Context, c.String("model-dir"), downloader.Options{
						BaseURL:          c.String("base-url"),
						Revision:         c.String("revision"),
						Files:            c.StringSlice("file"),
						AccessToken:      c.String("access-token"),
						OverwriteIfExist: c.Bool("overwrite"),
					})
				},
			},
			{
				Name:  "convert",
				Usage: "Convert model in directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "checkpoint",
						Usage: "checkpoint file name (.pth or .safetensors)",
						Value: rwkvlm.DefaultCheckpointFilename,
					},
					&cli.StringFlag{
						Name:  "embeddings",
						Usage: "optional raw float32 embeddings file name",
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "overwrite the converted model if it exists",
					},
				},
				Action: func(c *cli.Context) error {
					return convert(rwkvlm.ConverterConfig{
						ModelDir:           c.String("model-dir"),
						CheckpointFilename: c.String("checkpoint"),
						EmbeddingsFilename: c.String("embeddings"),
						OverwriteIfExist:   c.Bool("overwrite"),
					})
				},
			},
			{
				Name:  "generate",
				Usage: "Read whitespace-separated token ids from stdin and print the generated ones",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dconfig",
						Usage: "decoding options YAML file",
					},
					&cli.StringFlag{
						Name:  "session",
						Usage: "session file to resume from and save to",
					},
				},
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
					defer stop()
					return generate(ctx, c.String("model-dir"), c.String("dconfig"), c.String("session"), os.Stdin, c.App.Writer)
				},
			},
		},
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

func download(ctx context.Context, modelDir string, opts downloader.Options) error {
	log.Debug().Msgf("Downloading model in dir: %s", modelDir)
	dir, name, err := splitPathAndModelName(modelDir)
	if err != nil {
		return err
	}
	if err := downloader.Download(ctx, dir, name, opts); err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}

func convert(config rwkvlm.ConverterConfig) error {
	log.Debug().Msgf("Converting model in dir: %s", config.ModelDir)
	if err := rwkvlm.Convert(config); err != nil {
		return err
	}
	log.Debug().Msg("Done.")
	return nil
}

func generate(ctx context.Context, modelDir, dconfig, sessionFile string, in io.Reader, out io.Writer) error {
	opts := decoder.DefaultDecodingOptions()
	if dconfig != "" {
		var err error
		if opts, err = decoder.LoadDecodingOptions(dconfig); err != nil {
			return err
		}
	}

	tokenIDs, err := readTokenIDs(in)
	if err != nil {
		return err
	}

	log.Debug().Msg("Loading model...")
	r, err := rwkv6.Load(modelDir)
	if err != nil {
		return err
	}

	session := r.NewSession()
	if sessionFile != "" {
		if session, err = loadOrCreateSession(r, sessionFile); err != nil {
			return err
		}
	}

	steps := make(chan decoder.StepResult)
	printed := make(chan error, 1)
	go func() {
		printed <- printTokenIDs(out, steps)
	}()

	_, err = session.Generate(ctx, tokenIDs, opts, steps)
	if perr := <-printed; err == nil {
		err = perr
	}
	if err != nil {
		return err
	}
	if sessionFile != "" {
		return session.Save(sessionFile)
	}
	return nil
}

func loadOrCreateSession(r *rwkv6.RWKV6, filename string) (*rwkv6.Session, error) {
	s, err := r.LoadSession(filename)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("file", filename).Msg("Starting a new session")
		return r.NewSession(), nil
	}
	return s, err
}

// printTokenIDs writes each generated token id as soon as it is available,
// space separated, with a final newline.
func printTokenIDs(w io.Writer, steps <-chan decoder.StepResult) error {
	bw := bufio.NewWriter(w)
	var err error
	first := true
	for step := range steps {
		if err != nil {
			continue // drain
		}
		if !first {
			_, err = bw.WriteString(" ")
		}
		first = false
		if err == nil {
			_, err = bw.WriteString(strconv.Itoa(step.TokenID))
		}
		if err == nil {
			err = bw.Flush()
		}
	}
	if err != nil {
		return err
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func readTokenIDs(r io.Reader) ([]int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read token ids: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil, fmt.Errorf("no token ids in input")
	}
	ids := make([]int, len(fields))
	for i, f := range fields {
		if ids[i], err = strconv.Atoi(f); err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
	}
	return ids, nil
}

// splitPathAndModelName separate the models directory from the model name, which format is "organization/model"
func splitPathAndModelName(path string) (string, string, error) {
	dirs := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(dirs) < 3 {
		return "", "", fmt.Errorf("path must have at least three levels of directories")
	}
	lastDir := dirs[len(dirs)-1]
	secondLastDir := dirs[len(dirs)-2]

	pathExceptLastTwo := strings.Join(dirs[:len(dirs)-2], "/")
	return pathExceptLastTwo, filepath.Join(secondLastDir, lastDir), nil
}
