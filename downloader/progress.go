// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const progressInterval = 5 * time.Second

// downloadProgress counts the bytes written through it and logs the
// progress periodically until stopped.
type downloadProgress struct {
	name    string
	total   int64
	written atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
}

// newDownloadProgress returns a progress tracker; total is -1 when unknown.
func newDownloadProgress(name string, total int64) *downloadProgress {
	return &downloadProgress{
		name:  name,
		total: total,
		done:  make(chan struct{}),
	}
}

func (p *downloadProgress) Write(b []byte) (int, error) {
	p.written.Add(int64(len(b)))
	return len(b), nil
}

func (p *downloadProgress) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.log()
			}
		}
	}()
}

func (p *downloadProgress) Stop() {
	close(p.done)
	p.wg.Wait()
	p.log()
}

func (p *downloadProgress) log() {
	e := log.Info().Str("file", p.name).Int64("bytes", p.written.Load())
	if p.total > 0 {
		e = e.Int64("total", p.total).Float64("percent", float64(p.written.Load())*100/float64(p.total))
	}
	e.Msg("download progress")
}
