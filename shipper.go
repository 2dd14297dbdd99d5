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
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ShipperConfig holds configuration for Shipper.
type ShipperConfig struct {
	// ClientConfig is used to build the Elasticsearch client on first use.
	// Client side retries are always disabled.
	ClientConfig elasticsearch.Config

	// NewClient builds the client from ClientConfig.
	//
	// If NewClient is nil, elasticsearch.NewClient is used.
	NewClient func(elasticsearch.Config) (elastictransport.Interface, error)

	// Timeout bounds the health check and the bulk request of a Ship call.
	//
	// If Timeout is zero, only the caller's context bounds the call.
	Timeout time.Duration

	// Logger holds an optional Logger. If Logger is nil, logging will be
	// disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer. Each Ship call is traced as a
	// transaction.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider used to record metrics.
	//
	// If unset, the global OTel MeterProvider will be used.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// BulkResult holds the outcome of a shipped batch.
type BulkResult struct {
	// Created is the number of documents created by the request.
	Created int

	// Duplicates is the number of documents skipped because a document
	// with the same id already existed.
	Duplicates int

	// Failed is the number of operations rejected for any other reason.
	Failed int
}

// Shipper sends batches to Elasticsearch with one bulk request each.
//
// The Elasticsearch client is created on first use and shared by all
// callers; Ship is safe for concurrent use. After a connection failure the
// client is dropped and rebuilt by the next call. Shipper never retries:
// callers redeliver the batch, which is safe because operations are
// creates with deterministic ids.
type Shipper struct {
	config    ShipperConfig
	addresses []string
	handle    atomic.Pointer[clientHandle]
	group     singleflight.Group
	closed    atomic.Bool
	metrics   metrics

	// tracer is an OTel tracer, and should not be confused with
	// `s.config.Tracer` which is an Elastic APM Tracer.
	tracer trace.Tracer
}

type clientHandle struct {
	transport elastictransport.Interface
}

// NewShipper returns a Shipper. No connection is made until the first Ship.
func NewShipper(cfg ShipperConfig) (*Shipper, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(c elasticsearch.Config) (elastictransport.Interface, error) {
			client, err := elasticsearch.NewClient(c)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative, got %s", cfg.Timeout)
	}
	ms, err := newMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}
	s := &Shipper{
		config:    cfg,
		addresses: cfg.ClientConfig.Addresses,
		metrics:   ms,
	}
	if cfg.TracerProvider != nil {
		s.tracer = cfg.TracerProvider.Tracer("github.com/tenma-deliver/go-esbulkout.shipper")
	}
	return s, nil
}

// Ship checks that Elasticsearch is reachable and sends batch as a single
// bulk request. An empty batch is not sent.
//
// Ship returns a *ConnectionError if the health check or the request fails
// or times out, a *BulkRequestError if the request is rejected as a whole,
// and a *PartialFailureError, together with the counts, if any operation
// failed for a reason other than a duplicate id.
func (s *Shipper) Ship(ctx context.Context, batch Batch) (BulkResult, error) {
	if s.closed.Load() {
		return BulkResult{}, ErrClosed
	}
	if batch.Len() == 0 {
		return BulkResult{}, nil
	}

	logger := s.config.Logger
	var tx *apm.Transaction
	if s.apmTracingEnabled() {
		tx = s.config.Tracer.StartTransaction("esbulkout.ship", "output")
		tx.Context.SetLabel("documents", batch.Len())
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if s.otelTracingEnabled() {
		ctx, span = s.tracer.Start(ctx, "esbulkout.ship", trace.WithAttributes(
			attribute.Int("documents", batch.Len()),
		))
		defer span.End()
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	parent := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	result, err := s.ship(ctx, parent, batch, logger)
	if err != nil {
		logger.Error("bulk indexing request failed", zap.Error(err))
		if tx != nil {
			tx.Outcome = "failure"
			apm.CaptureError(ctx, err).Send()
		}
		if s.otelTracingEnabled() && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}
		return result, err
	}
	if tx != nil {
		tx.Outcome = "success"
	}
	if s.otelTracingEnabled() && span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
	return result, nil
}

// ship sends batch within ctx. parent is the caller's context: a failure
// caused by the caller giving up leaves the shared client in place.
func (s *Shipper) ship(ctx, parent context.Context, batch Batch, logger *zap.Logger) (BulkResult, error) {
	h, err := s.client()
	if err != nil {
		return BulkResult{}, &ConnectionError{Addresses: s.addresses, Err: err}
	}
	if err := ping(ctx, h.transport); err != nil {
		s.invalidate(parent, h)
		return BulkResult{}, &ConnectionError{Addresses: s.addresses, Err: err}
	}

	req := esapi.BulkRequest{
		Body:       batch.Body(),
		Header:     make(http.Header),
		FilterPath: []string{"items.*._index", "items.*._id", "items.*.status", "items.*.error.type", "items.*.error.reason"},
	}
	if batch.Compressed() {
		req.Header.Set("Content-Encoding", "gzip")
	}

	var res *esapi.Response
	took := timeFunc(func() {
		res, err = req.Do(ctx, h.transport)
	})
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	s.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	s.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if err != nil {
		s.invalidate(parent, h)
		return BulkResult{}, &ConnectionError{
			Addresses: s.addresses,
			Err:       fmt.Errorf("failed to execute the request: %w", err),
		}
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	s.metrics.bytesTotal.Add(context.Background(), int64(batch.Size()), attrs)
	s.metrics.bytesUncompressedTotal.Add(context.Background(), int64(batch.UncompressedSize()), attrs)

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		s.addProcessed(int64(batch.Len()), "Failed")
		return BulkResult{Failed: batch.Len()}, &BulkRequestError{StatusCode: res.StatusCode, Body: string(body)}
	}

	var resp bulkResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		err = fmt.Errorf("error decoding bulk response: %w", err)
		if ctx.Err() != nil {
			return BulkResult{}, &ConnectionError{Addresses: s.addresses, Err: err}
		}
		return BulkResult{}, err
	}
	if len(resp.Items) != batch.Len() {
		err := fmt.Errorf(
			"bulk response holds %d items, expected %d", len(resp.Items), batch.Len(),
		)
		if ctx.Err() != nil {
			return BulkResult{}, &ConnectionError{Addresses: s.addresses, Err: err}
		}
		return BulkResult{}, err
	}
	return s.interpret(batch, resp, logger)
}

// interpret counts the bulk response items. Version conflicts on create are
// expected on redelivery and reported as duplicates.
func (s *Shipper) interpret(batch Batch, resp bulkResponse, logger *zap.Logger) (BulkResult, error) {
	var result BulkResult
	var failed []OperationFailure
	for i, item := range resp.Items {
		op := batch.Operation(i)
		switch {
		case !item.failed():
			result.Created++
		case item.duplicate():
			result.Duplicates++
			logger.Debug("document already indexed",
				zap.String("index", op.Index),
				zap.String("ssp_id", op.SellerID),
				zap.String("auction_id", op.AuctionID),
			)
		default:
			f := OperationFailure{
				Position:  i,
				Index:     op.Index,
				ID:        op.ID,
				SellerID:  op.SellerID,
				AuctionID: op.AuctionID,
				Status:    item.Status,
				ErrorType: item.Error.Type,
				Reason:    item.Error.Reason,
			}
			failed = append(failed, f)
			logger.Error(fmt.Sprintf("failed to index document in '%s' (%s): %s",
				f.Index, f.ErrorType, f.Reason,
			),
				zap.Int("status", f.Status),
				zap.String("ssp_id", f.SellerID),
				zap.String("auction_id", f.AuctionID),
			)
		}
	}
	result.Failed = len(failed)

	s.addProcessed(int64(result.Created), "Created")
	s.addProcessed(int64(result.Duplicates), "Duplicate")
	s.addProcessed(int64(result.Failed), "Failed")
	logger.Debug(
		"bulk request completed",
		zap.Int("docs_created", result.Created),
		zap.Int("docs_duplicate", result.Duplicates),
		zap.Int("docs_failed", result.Failed),
	)
	if len(failed) > 0 {
		return result, &PartialFailureError{Failed: failed}
	}
	return result, nil
}

func (s *Shipper) addProcessed(n int64, status string) {
	if n == 0 {
		return
	}
	s.metrics.docsProcessed.Add(
		context.Background(),
		n,
		metric.WithAttributeSet(s.config.MetricAttributes),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// Close drops the shared client. Ship calls made after Close return
// ErrClosed; calls already in flight complete.
func (s *Shipper) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.handle.Store(nil)
	return nil
}

// client returns the shared client handle, creating it if needed.
// Concurrent first callers share a single construction.
func (s *Shipper) client() (*clientHandle, error) {
	if h := s.handle.Load(); h != nil {
		return h, nil
	}
	v, err, _ := s.group.Do("client", func() (any, error) {
		if h := s.handle.Load(); h != nil {
			return h, nil
		}
		cfg := s.config.ClientConfig
		cfg.DisableRetry = true
		if s.config.Tracer != nil && cfg.Transport == nil {
			cfg.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)
		}
		transport, err := s.config.NewClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
		}
		h := &clientHandle{transport: transport}
		s.handle.Store(h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*clientHandle), nil
}

// invalidate drops h so that the next call builds a new client. A handle
// already replaced by another caller is left alone, as is any handle when
// parent is done.
func (s *Shipper) invalidate(parent context.Context, h *clientHandle) {
	if parent.Err() != nil {
		return
	}
	if s.handle.CompareAndSwap(h, nil) {
		s.config.Logger.Warn("dropping Elasticsearch client after connection failure")
	}
}

func ping(ctx context.Context, transport esapi.Transport) error {
	res, err := esapi.PingRequest{}.Do(ctx, transport)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.New("ping failed: " + res.Status())
	}
	return nil
}

func (s *Shipper) apmTracingEnabled() bool {
	return s.config.Tracer != nil && s.config.Tracer.Recording()
}

func (s *Shipper) otelTracingEnabled() bool {
	return s.tracer != nil
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
