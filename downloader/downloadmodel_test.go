// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	mu       sync.Mutex
	requests []string
	auth     []string
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests = append(h.requests, r.URL.Path)
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	h.mu.Unlock()

	switch r.URL.Path {
	case "/org/model/resolve/main/config.json":
		_, _ = w.Write([]byte(`{"hidden_size": 8}`))
	case "/org/model/resolve/main/model.pth":
		_, _ = w.Write([]byte("weights"))
	default:
		http.NotFound(w, r)
	}
}

func TestDownload(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	dir := t.TempDir()
	err := Download(context.Background(), dir, "org/model", Options{
		BaseURL:     srv.URL + "/",
		AccessToken: "secret",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "org", "model", "config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"hidden_size": 8}`, string(data))

	data, err = os.ReadFile(filepath.Join(dir, "org", "model", "model.pth"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	assert.Equal(t, []string{"/org/model/resolve/main/config.json", "/org/model/resolve/main/model.pth"}, hub.requests)
	assert.Equal(t, []string{"Bearer secret", "Bearer secret"}, hub.auth)
}

func TestDownload_SkipsExistingFiles(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "org", "model")
	require.NoError(t, os.MkdirAll(modelPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelPath, "config.json"), []byte("local"), 0o644))

	err := Download(context.Background(), dir, "org/model", Options{BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []string{"/org/model/resolve/main/model.pth"}, hub.requests)

	data, err := os.ReadFile(filepath.Join(modelPath, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))

	err = Download(context.Background(), dir, "org/model", Options{BaseURL: srv.URL, OverwriteIfExist: true})
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(modelPath, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"hidden_size": 8}`, string(data))
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(&fakeHub{})
	defer srv.Close()

	dir := t.TempDir()
	err := Download(context.Background(), dir, "org/model", Options{
		BaseURL: srv.URL,
		Files:   []string{"missing.safetensors"},
	})
	assert.ErrorContains(t, err, "404")
	assert.NoFileExists(t, filepath.Join(dir, "org", "model", "missing.safetensors"))
	assert.NoFileExists(t, filepath.Join(dir, "org", "model", "missing.safetensors.partial"))
}

func TestDownloadProgress(t *testing.T) {
	p := newDownloadProgress("file", 10)
	p.Start()
	n, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	p.Stop()
	assert.Equal(t, int64(5), p.written.Load())
}
