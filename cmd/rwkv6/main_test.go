// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/nlpodyssey/rwkv6/rwkvlm"
	"github.com/nlpodyssey/rwkv6/rwkvlm/rwkvlmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	m, err := rwkvlm.FromWeights(rwkvlm.Config{}, rwkvlmtest.Weights())
	require.NoError(t, err)
	require.NoError(t, rwkvlm.Dump(m, filepath.Join(dir, rwkvlm.DefaultOutputFilename)))
	return dir
}

func parseIDs(t *testing.T, s string) []int {
	t.Helper()
	var ids []int
	for _, f := range strings.Fields(s) {
		id, err := strconv.Atoi(f)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestGenerate(t *testing.T) {
	modelDir := writeTestModel(t)
	dconfig := filepath.Join(t.TempDir(), "decoding.yaml")
	require.NoError(t, os.WriteFile(dconfig, []byte("max_len: 3\nmin_len: 3\n"), 0o644))

	var out bytes.Buffer
	err := generate(context.Background(), modelDir, dconfig, "", strings.NewReader("1 2\n3"), &out)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.String(), "\n"))

	ids := parseIDs(t, out.String())
	require.Len(t, ids, 3)
	for _, id := range ids {
		assert.True(t, id >= 0 && id < rwkvlmtest.VocabSize)
	}
}

func TestGenerate_Session(t *testing.T) {
	modelDir := writeTestModel(t)
	dconfig := filepath.Join(t.TempDir(), "decoding.yaml")
	require.NoError(t, os.WriteFile(dconfig, []byte("max_len: 2\nmin_len: 2\n"), 0o644))
	session := filepath.Join(t.TempDir(), "session.json")

	var out bytes.Buffer
	require.NoError(t, generate(context.Background(), modelDir, dconfig, session, strings.NewReader("1 2 3"), &out))
	require.FileExists(t, session)
	first := parseIDs(t, out.String())

	out.Reset()
	require.NoError(t, generate(context.Background(), modelDir, dconfig, session, strings.NewReader("5"), &out))
	resumed := parseIDs(t, out.String())

	history := "1 2 3 " + strings.Join(toStrings(first), " ") + " 5"
	out.Reset()
	require.NoError(t, generate(context.Background(), modelDir, dconfig, "", strings.NewReader(history), &out))
	assert.Equal(t, parseIDs(t, out.String()), resumed)
}

func toStrings(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out
}

func TestGenerate_Errors(t *testing.T) {
	modelDir := writeTestModel(t)
	var out bytes.Buffer

	err := generate(context.Background(), modelDir, "", "", strings.NewReader(""), &out)
	assert.ErrorContains(t, err, "no token ids")

	err = generate(context.Background(), modelDir, "", "", strings.NewReader("1 x"), &out)
	assert.ErrorContains(t, err, "invalid token id")

	err = generate(context.Background(), modelDir, filepath.Join(t.TempDir(), "missing.yaml"), "", strings.NewReader("1"), &out)
	assert.Error(t, err)

	err = generate(context.Background(), t.TempDir(), "", "", strings.NewReader("1"), &out)
	assert.ErrorContains(t, err, "unable to find the model")

	err = generate(context.Background(), modelDir, "", "", strings.NewReader(strconv.Itoa(rwkvlmtest.VocabSize)), &out)
	assert.Error(t, err)
}

func TestSplitPathAndModelName(t *testing.T) {
	dir, name, err := splitPathAndModelName("/models/org/model/")
	require.NoError(t, err)
	assert.Equal(t, "/models", dir)
	assert.Equal(t, "org/model", name)

	_, _, err = splitPathAndModelName("org/model")
	assert.Error(t, err)
}

func TestApp_RequiresModelDir(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ErrWriter = &bytes.Buffer{}
	err := app.Run([]string{"rwkv6", "convert"})
	assert.Error(t, err)
}
