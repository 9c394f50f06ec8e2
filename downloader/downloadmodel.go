// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the Hugging Face hub. Files are fetched from
	// "{base}/{model_id}/resolve/{revision}/{filename}".
	DefaultBaseURL = "https://huggingface.co"
	// Default revision name for fetching model from Hugging Face repository
	defaultRevision = "main"
)

// DefaultFiles is the set of files downloaded when Options.Files is empty:
// the configuration and a PyTorch checkpoint, ready for rwkvlm.Convert.
var DefaultFiles = []string{"config.json", "model.pth"}

type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Revision defaults to "main".
	Revision string
	// Files defaults to DefaultFiles.
	Files       []string
	AccessToken string
	// OverwriteIfExist forces the download of files already present.
	OverwriteIfExist bool
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Download downloads a model from a Hugging Face compatible repository
// into modelsDir/modelName.
//
// If one or more directory levels don't yet exist, they are created
// setting the permissions bits to 0755 (rwxr-xr-x).
//
// By setting OverwriteIfExist to false, any file that already exists is
// kept and considered as already successfully downloaded. Files are
// written to a temporary name first, so an interrupted download never
// leaves a truncated file behind.
func Download(ctx context.Context, modelsDir, modelName string, opts Options) error {
	d := downloader{
		modelPath: filepath.Join(modelsDir, modelName),
		modelName: modelName,
		opts:      opts,
	}
	if d.opts.BaseURL == "" {
		d.opts.BaseURL = DefaultBaseURL
	}
	if d.opts.Revision == "" {
		d.opts.Revision = defaultRevision
	}
	if len(d.opts.Files) == 0 {
		d.opts.Files = DefaultFiles
	}
	if d.opts.Client == nil {
		d.opts.Client = http.DefaultClient
	}
	return d.download(ctx)
}

// downloader is a helper struct for downloading a model.
type downloader struct {
	modelPath string
	modelName string
	opts      Options
}

func (d downloader) download(ctx context.Context) error {
	if err := d.ensureModelPath(); err != nil {
		return err
	}
	for _, filename := range d.opts.Files {
		if err := d.downloadFile(ctx, filename); err != nil {
			return err
		}
	}
	return nil
}

func (d downloader) ensureModelPath() error {
	if info, err := os.Stat(d.modelPath); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(d.modelPath, 0755); err != nil {
		return fmt.Errorf("error creating model path %#v: %w", d.modelPath, err)
	}
	return nil
}

func (d downloader) downloadFile(ctx context.Context, name string) (err error) {
	fPath := filepath.Join(d.modelPath, name)
	if info, err := os.Stat(fPath); !d.opts.OverwriteIfExist && err == nil && !info.IsDir() {
		log.Debug().Str("file", fPath).Msg("model file already exists, skipping download")
		return nil
	}

	url := d.fileURL(name)
	log.Debug().Str("url", url).Str("destination", fPath).Msg("downloading")

	resp, err := d.httpGet(ctx, url)
	if err != nil {
		return fmt.Errorf("error getting %#v: %w", url, err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing %#v response body: %w", url, e)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%#v responded with %s", url, resp.Status)
	}

	tmpPath := fPath + ".partial"
	if err := d.writeFile(tmpPath, resp); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("error downloading %#v to %#v: %w", url, fPath, err)
	}
	return os.Rename(tmpPath, fPath)
}

func (d downloader) writeFile(fPath string, resp *http.Response) (err error) {
	f, err := os.Create(fPath)
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()

	prog := newDownloadProgress(filepath.Base(strings.TrimSuffix(fPath, ".partial")), resp.ContentLength)
	prog.Start()
	defer prog.Stop()

	_, err = io.Copy(f, io.TeeReader(resp.Body, prog))
	return err
}

func (d downloader) httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.opts.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.AccessToken)
	}
	return d.opts.Client.Do(req)
}

func (d downloader) fileURL(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimSuffix(d.opts.BaseURL, "/"), d.modelName, d.opts.Revision, fileName)
}
