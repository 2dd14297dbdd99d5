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

package esbulkout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Entry is a tagged record delivered for indexing.
type Entry struct {
	Tag    string
	Record RawRecord
}

// Output turns batches of entries into bulk requests.
//
// Output holds no per-batch state: Write may be called concurrently, each
// call building and shipping its own batch over the shared client.
type Output struct {
	config  Config
	kind    RecordKind
	router  IndexRouter
	shipper *Shipper
	metrics metrics
	closed  atomic.Bool
}

// New returns an Output for cfg. A log_type without a transformer fails
// here with an *UnsupportedKindError rather than on every record.
func New(cfg Config) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, err := ParseRecordKind(cfg.LogType)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.location()
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	shipper, err := NewShipper(ShipperConfig{
		ClientConfig:     cfg.clientConfig(),
		Timeout:          cfg.RequestTimeout,
		Logger:           cfg.Logger,
		Tracer:           cfg.Tracer,
		TracerProvider:   cfg.TracerProvider,
		MeterProvider:    cfg.MeterProvider,
		MetricAttributes: cfg.MetricAttributes,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating shipper: %w", err)
	}
	ms, err := newMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}
	return &Output{
		config: cfg,
		kind:   kind,
		router: IndexRouter{
			Prefix:     cfg.LogstashPrefix,
			DateFormat: cfg.LogstashDateFormat,
			Location:   loc,
		},
		shipper: shipper,
		metrics: ms,
	}, nil
}

// Kind returns the record kind handled by o.
func (o *Output) Kind() RecordKind {
	return o.kind
}

// Write indexes entries with a single bulk request.
//
// Records that cannot be transformed are logged and skipped; the rest of
// the batch is still indexed. When no record is left, or no log_type is
// configured, nothing is sent. Connection failures and rejected bulk
// requests are returned so that the caller can redeliver the batch.
func (o *Output) Write(ctx context.Context, entries []Entry) (BulkResult, error) {
	if o.closed.Load() {
		return BulkResult{}, ErrClosed
	}
	attrs := metric.WithAttributeSet(o.config.MetricAttributes)
	logger := o.config.Logger
	o.metrics.recordsReceived.Add(context.Background(), int64(len(entries)), attrs)
	if len(entries) == 0 {
		return BulkResult{}, nil
	}
	if o.kind == KindNone {
		logger.Debug("log_type is not set, dropping records", zap.Int("records", len(entries)))
		o.addSkipped(int64(len(entries)), "no_log_type")
		return BulkResult{}, nil
	}

	builder, err := NewBatchBuilder(BatchBuilderConfig{
		CompressionLevel: o.config.CompressionLevel,
	})
	if err != nil {
		return BulkResult{}, err
	}
	for _, entry := range entries {
		if err := o.append(builder, entry); err != nil {
			o.skip(entry, err)
		}
	}
	batch, err := builder.Build()
	if err != nil {
		return BulkResult{}, err
	}
	if batch.Len() == 0 {
		logger.Debug("no documents left to index", zap.Int("records", len(entries)))
		return BulkResult{}, nil
	}
	return o.shipper.Ship(ctx, batch)
}

// Close releases the Elasticsearch client. Writes made after Close return
// ErrClosed.
func (o *Output) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.config.Logger.Debug("closing output")
	return o.shipper.Close()
}

func (o *Output) append(b *BatchBuilder, entry Entry) error {
	doc, err := Transform(o.kind, entry.Record)
	if err != nil {
		return err
	}
	if o.config.IncludeTagKey {
		doc.Fields[o.config.TagKey] = entry.Tag
	}
	index, err := o.router.Route(doc.EventTime)
	if err != nil {
		var invalid *InvalidRecordError
		if errors.As(err, &invalid) {
			invalid.SellerID = doc.SellerID
			invalid.AuctionID = doc.AuctionID
		}
		return err
	}
	return b.Append(doc, ComputeID(doc.SellerID, doc.AuctionID), index, o.config.TypeName)
}

func (o *Output) skip(entry Entry, err error) {
	fields := []zap.Field{zap.String("tag", entry.Tag), zap.Error(err)}
	reason := "invalid"
	var invalid *InvalidRecordError
	if errors.As(err, &invalid) {
		fields = append(fields,
			zap.String("ssp_id", invalid.SellerID),
			zap.String("auction_id", invalid.AuctionID),
		)
	} else {
		reason = "encoding"
		sellerID, auctionID := NaturalKey(entry.Record)
		fields = append(fields,
			zap.String("ssp_id", sellerID),
			zap.String("auction_id", auctionID),
		)
	}
	o.config.Logger.Warn("skipping record", fields...)
	o.addSkipped(1, reason)
}

func (o *Output) addSkipped(n int64, reason string) {
	o.metrics.recordsSkipped.Add(
		context.Background(),
		n,
		metric.WithAttributeSet(o.config.MetricAttributes),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
