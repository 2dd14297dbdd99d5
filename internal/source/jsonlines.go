// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tenma-deliver/go-esbulkout"
)

const maxLineSize = 16 * 1024 * 1024

// JSONLinesConfig holds configuration for JSONLines.
type JSONLinesConfig struct {
	// Tag is given to bare record lines.
	Tag string

	// BatchSize is the maximum number of entries passed to the handler at
	// once.
	//
	// If BatchSize is zero, DefaultBatchSize will be used.
	BatchSize int

	// Retry bounds the redelivery of a batch the handler failed.
	Retry RetryConfig

	// Logger holds an optional Logger. If Logger is nil, logging will be
	// disabled.
	Logger *zap.Logger
}

// JSONLines reads newline-delimited events from a reader.
type JSONLines struct {
	r       io.Reader
	handler Handler
	config  JSONLinesConfig
}

// NewJSONLines returns a JSONLines source reading from r.
func NewJSONLines(r io.Reader, handler Handler, cfg JSONLinesConfig) (*JSONLines, error) {
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must not be negative, got %d", cfg.BatchSize)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &JSONLines{r: r, handler: handler, config: cfg}, nil
}

// Run reads until EOF, handing over a batch every BatchSize entries and the
// remainder at EOF. Lines that cannot be decoded are logged and skipped. A
// batch the handler fails is delivered again within the Retry limits, then
// logged and dropped. Run returns early only when ctx is done.
func (s *JSONLines) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	batch := make([]esbulkout.Entry, 0, s.config.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := deliver(ctx, s.handler, batch, s.config.Retry, s.config.Logger); err != nil {
			return err
		}
		batch = make([]esbulkout.Entry, 0, s.config.BatchSize)
		return nil
	}

	var line int
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := DecodeEntry(scanner.Bytes(), s.config.Tag)
		if err != nil {
			if !errors.Is(err, errEmptyLine) {
				s.config.Logger.Warn("skipping undecodable line", zap.Int("line", line), zap.Error(err))
			}
			continue
		}
		batch = append(batch, entry)
		if len(batch) >= s.config.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}
	return flush()
}
