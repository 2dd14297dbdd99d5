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

// Package source reads tagged records from outside the process and hands
// them, in batches, to a Handler.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/tenma-deliver/go-esbulkout"
)

// Handler processes a batch of entries. Sources call it from a single
// goroutine.
type Handler func(ctx context.Context, entries []esbulkout.Entry) error

// DefaultBatchSize is used when a source is configured with a batch size
// of zero.
const DefaultBatchSize = 500

// DefaultMaxTries is used when a RetryConfig has a MaxTries of zero.
const DefaultMaxTries = 10

// RetryConfig bounds the redelivery of a batch the handler failed.
type RetryConfig struct {
	// MinBackoff and MaxBackoff bound the delay between two deliveries.
	//
	// If zero, defaults of 1 second and 1 minute are used.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxTries caps the number of deliveries of one batch.
	//
	// If MaxTries is zero, DefaultMaxTries will be used.
	MaxTries uint

	// MaxElapsedTime caps the time spent redelivering one batch.
	//
	// If MaxElapsedTime is zero, the default of 15 minutes will be used.
	MaxElapsedTime time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxTries == 0 {
		c.MaxTries = DefaultMaxTries
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 15 * time.Minute
	}
	return c
}

// deliver hands entries to handler until it succeeds, returns a permanent
// error, or the retry limits are reached. A batch that could not be
// delivered is logged record by record, with its natural keys, and dropped.
// deliver only returns an error when ctx is done.
func deliver(ctx context.Context, handler Handler, entries []esbulkout.Entry, cfg RetryConfig, logger *zap.Logger) error {
	if len(entries) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.MinBackoff
	b.MaxInterval = cfg.MaxBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := handler(ctx, entries)
		if permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithMaxElapsedTime(cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("failed to handle batch, retrying",
				zap.Int("entries", len(entries)),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger.Error("dropping batch after failed delivery",
		zap.Int("entries", len(entries)),
		zap.Error(err),
	)
	for _, entry := range entries {
		sellerID, auctionID := esbulkout.NaturalKey(entry.Record)
		logger.Warn("dropped record",
			zap.String("tag", entry.Tag),
			zap.String("ssp_id", sellerID),
			zap.String("auction_id", auctionID),
		)
	}
	return nil
}

// permanent reports whether delivering the same batch again cannot
// succeed: Elasticsearch rejected the bulk request as malformed.
func permanent(err error) bool {
	var reqErr *esbulkout.BulkRequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.StatusCode >= 400 && reqErr.StatusCode < 500 &&
		reqErr.StatusCode != http.StatusTooManyRequests
}

var jsonCodec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

var errEmptyLine = errors.New("empty line")

// DecodeEntry decodes one encoded event. Three shapes are accepted:
//
//	["tag", {record}]
//	["tag", time, {record}]
//	{record}
//
// The bare record shape is tagged with defaultTag. In the three element
// shape, time is copied into the record unless it already has one.
func DecodeEntry(data []byte, defaultTag string) (esbulkout.Entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return esbulkout.Entry{}, errEmptyLine
	}
	if data[0] == '{' {
		var record esbulkout.RawRecord
		if err := jsonCodec.Unmarshal(data, &record); err != nil {
			return esbulkout.Entry{}, fmt.Errorf("failed to decode record: %w", err)
		}
		return esbulkout.Entry{Tag: defaultTag, Record: record}, nil
	}

	var parts []jsoniter.RawMessage
	if err := jsonCodec.Unmarshal(data, &parts); err != nil {
		return esbulkout.Entry{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if len(parts) != 2 && len(parts) != 3 {
		return esbulkout.Entry{}, fmt.Errorf("expected 2 or 3 array elements, got %d", len(parts))
	}
	var entry esbulkout.Entry
	if err := jsonCodec.Unmarshal(parts[0], &entry.Tag); err != nil {
		return esbulkout.Entry{}, fmt.Errorf("failed to decode tag: %w", err)
	}
	if err := jsonCodec.Unmarshal(parts[len(parts)-1], &entry.Record); err != nil {
		return esbulkout.Entry{}, fmt.Errorf("failed to decode record: %w", err)
	}
	if entry.Record == nil {
		return esbulkout.Entry{}, errors.New("record must be an object")
	}
	if len(parts) == 3 {
		if _, ok := entry.Record.Get("time"); !ok {
			var t any
			if err := jsonCodec.Unmarshal(parts[1], &t); err != nil {
				return esbulkout.Entry{}, fmt.Errorf("failed to decode time: %w", err)
			}
			entry.Record["time"] = t
		}
	}
	return entry, nil
}
