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

package esbulkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.elastic.co/apm/v2/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8"

	"github.com/tenma-deliver/go-esbulkout"
	"github.com/tenma-deliver/go-esbulkout/esbulkouttest"
)

const testIndex = "logstash-2023.11.14"

// newBatch builds a batch of n documents, keyed ssp<i>/auc<i> for i
// starting at first.
func newBatch(t testing.TB, first, n int) esbulkout.Batch {
	t.Helper()
	builder, err := esbulkout.NewBatchBuilder(esbulkout.BatchBuilderConfig{})
	require.NoError(t, err)
	for i := first; i < first+n; i++ {
		sellerID, auctionID := fmt.Sprintf("ssp%d", i), fmt.Sprintf("auc%d", i)
		doc := newDocument(sellerID, auctionID)
		require.NoError(t, builder.Append(doc, esbulkout.ComputeID(sellerID, auctionID), testIndex, ""))
	}
	batch, err := builder.Build()
	require.NoError(t, err)
	return batch
}

func newShipper(t testing.TB, cfg esbulkout.ShipperConfig) *esbulkout.Shipper {
	t.Helper()
	shipper, err := esbulkout.NewShipper(cfg)
	require.NoError(t, err)
	return shipper
}

// countingNewClient returns a client constructor that counts its calls.
func countingNewClient(calls *atomic.Int64) func(elasticsearch.Config) (elastictransport.Interface, error) {
	return func(c elasticsearch.Config) (elastictransport.Interface, error) {
		calls.Add(1)
		client, err := elasticsearch.NewClient(c)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func TestShipperShip(t *testing.T) {
	store := esbulkouttest.NewStore()
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: esbulkouttest.NewMockElasticsearchClientConfig(t, store.HandleBulk),
	})

	result, err := shipper.Ship(context.Background(), newBatch(t, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, esbulkout.BulkResult{Created: 3}, result)
	assert.Equal(t, 3, store.Len())

	op, ok := store.Get(testIndex, esbulkout.ComputeID("ssp1", "auc1"))
	require.True(t, ok)
	assert.Equal(t, "ctx._source.bid = bid", op.Script)
	assert.Equal(t, map[string]any{
		"sspId":     "ssp1",
		"auctionId": "auc1",
		"time":      float64(1700000000),
	}, op.Bid)

	// Redelivery is idempotent.
	result, err = shipper.Ship(context.Background(), newBatch(t, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, esbulkout.BulkResult{Duplicates: 3}, result)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, 2, store.Requests())
}

func TestShipperEmptyBatch(t *testing.T) {
	var calls atomic.Int64
	store := esbulkouttest.NewStore()
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: esbulkouttest.NewMockElasticsearchClientConfig(t, store.HandleBulk),
		NewClient:    countingNewClient(&calls),
	})
	result, err := shipper.Ship(context.Background(), esbulkout.Batch{})
	require.NoError(t, err)
	assert.Equal(t, esbulkout.BulkResult{}, result)
	assert.Equal(t, 0, store.Requests())
	assert.Equal(t, int64(0), calls.Load())
}

func TestShipperPingFailure(t *testing.T) {
	var bulkCalls atomic.Int64
	config := esbulkouttest.NewMockElasticsearchClientConfigWithPing(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		func(w http.ResponseWriter, r *http.Request) {
			bulkCalls.Add(1)
			_, result := esbulkouttest.DecodeBulkRequest(r)
			json.NewEncoder(w).Encode(result)
		},
	)
	shipper := newShipper(t, esbulkout.ShipperConfig{ClientConfig: config})

	_, err := shipper.Ship(context.Background(), newBatch(t, 0, 3))
	var connErr *esbulkout.ConnectionError
	require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)
	assert.Equal(t, config.Addresses, connErr.Addresses)
	assert.Equal(t, int64(0), bulkCalls.Load())
}

func TestShipperUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: elasticsearch.Config{Addresses: []string{srv.URL}},
	})
	_, err := shipper.Ship(context.Background(), newBatch(t, 0, 1))
	var connErr *esbulkout.ConnectionError
	require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)
	assert.Contains(t, err.Error(), srv.URL)
}

func TestShipperTimeout(t *testing.T) {
	config := esbulkouttest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	})
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: config,
		Timeout:      50 * time.Millisecond,
	})

	start := time.Now()
	_, err := shipper.Ship(context.Background(), newBatch(t, 0, 1))
	var connErr *esbulkout.ConnectionError
	require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShipperPartialFailure(t *testing.T) {
	config := esbulkouttest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := esbulkouttest.DecodeBulkRequest(r)
		result.HasErrors = true

		item := result.Items[1]["create"]
		item.Status = http.StatusConflict
		item.Error.Type = "version_conflict_engine_exception"
		item.Error.Reason = "document already exists"
		result.Items[1]["create"] = item

		item = result.Items[2]["create"]
		item.Status = http.StatusBadRequest
		item.Error.Type = "mapper_parsing_exception"
		item.Error.Reason = "failed to parse field [price] of type [float]. Preview of field's value: 'x'"
		result.Items[2]["create"] = item

		json.NewEncoder(w).Encode(result)
	})
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: config,
		Logger:       zap.New(core),
	})

	result, err := shipper.Ship(context.Background(), newBatch(t, 0, 3))
	assert.Equal(t, esbulkout.BulkResult{Created: 1, Duplicates: 1, Failed: 1}, result)

	var partial *esbulkout.PartialFailureError
	require.True(t, errors.As(err, &partial), "expected PartialFailureError, got %v", err)
	assert.Equal(t, []esbulkout.OperationFailure{{
		Position:  2,
		Index:     testIndex,
		ID:        esbulkout.ComputeID("ssp2", "auc2"),
		SellerID:  "ssp2",
		AuctionID: "auc2",
		Status:    http.StatusBadRequest,
		ErrorType: "mapper_parsing_exception",
		Reason:    "failed to parse field [price] of type [float]",
	}}, partial.Failed)

	entries := observed.FilterMessage(
		"failed to index document in '" + testIndex + "' (mapper_parsing_exception): failed to parse field [price] of type [float]",
	).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "ssp2", entries[0].ContextMap()["ssp_id"])
	assert.Equal(t, "auc2", entries[0].ContextMap()["auction_id"])

	duplicates := observed.FilterMessage("document already indexed").All()
	require.Len(t, duplicates, 1)
	assert.Equal(t, "ssp1", duplicates[0].ContextMap()["ssp_id"])
}

func TestShipperBulkRequestError(t *testing.T) {
	config := esbulkouttest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"type":"internal_server_error"}}`))
	})
	shipper := newShipper(t, esbulkout.ShipperConfig{ClientConfig: config})

	result, err := shipper.Ship(context.Background(), newBatch(t, 0, 2))
	assert.Equal(t, esbulkout.BulkResult{Failed: 2}, result)
	var reqErr *esbulkout.BulkRequestError
	require.True(t, errors.As(err, &reqErr), "expected BulkRequestError, got %v", err)
	assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	assert.Contains(t, reqErr.Body, "internal_server_error")
}

func TestShipperSharedClient(t *testing.T) {
	var calls atomic.Int64
	store := esbulkouttest.NewStore()
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: esbulkouttest.NewMockElasticsearchClientConfig(t, store.HandleBulk),
		NewClient:    countingNewClient(&calls),
	})

	const N = 10
	batches := make([]esbulkout.Batch, N)
	for i := range batches {
		batches[i] = newBatch(t, i, 1)
	}
	results := make([]esbulkout.BulkResult, N)
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := shipper.Ship(context.Background(), batches[i])
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, N, store.Len())
	for _, result := range results {
		assert.Equal(t, esbulkout.BulkResult{Created: 1}, result)
	}
}

func TestShipperReconnect(t *testing.T) {
	var calls atomic.Int64
	var down atomic.Bool
	down.Store(true)
	store := esbulkouttest.NewStore()
	config := esbulkouttest.NewMockElasticsearchClientConfigWithPing(t,
		func(w http.ResponseWriter, r *http.Request) {
			if down.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		},
		store.HandleBulk,
	)
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: config,
		NewClient:    countingNewClient(&calls),
	})

	_, err := shipper.Ship(context.Background(), newBatch(t, 0, 2))
	var connErr *esbulkout.ConnectionError
	require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)

	down.Store(false)
	result, err := shipper.Ship(context.Background(), newBatch(t, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, esbulkout.BulkResult{Created: 2}, result)

	// A new client is built after the failure, then reused.
	_, err = shipper.Ship(context.Background(), newBatch(t, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestShipperMetrics(t *testing.T) {
	store := esbulkouttest.NewStore()
	rdr := sdkmetric.NewManualReader()
	attrs := attribute.NewSet(attribute.String("output", "bid"))
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig:     esbulkouttest.NewMockElasticsearchClientConfig(t, store.HandleBulk),
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: attrs,
	})

	first, second := newBatch(t, 0, 2), newBatch(t, 1, 2)
	_, err := shipper.Ship(context.Background(), first)
	require.NoError(t, err)
	result, err := shipper.Ship(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, esbulkout.BulkResult{Created: 1, Duplicates: 1}, result)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var asserted atomic.Int64
	assertCounter := esbulkouttest.NewAssertCounter(t, &asserted)
	var unexpectedMetrics []string
	esbulkouttest.AssertOTelMetrics(t, rm.ScopeMetrics[0].Metrics, func(m metricdata.Metrics) {
		switch m.Name {
		case "esbulkout.bulk_requests.count":
			assertCounter(m, 2, attrs)
		case "esbulkout.flushed.bytes":
			assertCounter(m, int64(first.Size()+second.Size()), attrs)
		case "esbulkout.flushed.uncompressed.bytes":
			assertCounter(m, int64(first.UncompressedSize()+second.UncompressedSize()), attrs)
		case "esbulkout.docs.processed":
			asserted.Add(1)
			processed := make(map[string]int64)
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				status, ok := dp.Attributes.Value("status")
				require.True(t, ok)
				processed[status.AsString()] = dp.Value
				output, ok := dp.Attributes.Value("output")
				require.True(t, ok)
				assert.Equal(t, "bid", output.AsString())
			}
			assert.Equal(t, map[string]int64{"Created": 3, "Duplicate": 1}, processed)
		case "esbulkout.flushed.latency":
			asserted.Add(1)
			histogram := m.Data.(metricdata.Histogram[float64])
			require.Len(t, histogram.DataPoints, 1)
			assert.Equal(t, uint64(2), histogram.DataPoints[0].Count)
		default:
			unexpectedMetrics = append(unexpectedMetrics, m.Name)
		}
	})
	assert.Empty(t, unexpectedMetrics)
	assert.Equal(t, int64(5), asserted.Load())
}

func TestShipperTracing(t *testing.T) {
	testShipperTracing(t, http.StatusOK, "success")
	testShipperTracing(t, http.StatusBadRequest, "failure")
}

func testShipperTracing(t *testing.T, statusCode int, expectedOutcome string) {
	config := esbulkouttest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusCode)
		_, result := esbulkouttest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: config,
		Logger:       zap.New(core),
		Tracer:       tracer.Tracer,
	})

	const N = 10
	_, _ = shipper.Ship(context.Background(), newBatch(t, 0, N))

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)

	assert.Equal(t, expectedOutcome, payloads.Transactions[0].Outcome)
	assert.Equal(t, "output", payloads.Transactions[0].Type)
	assert.Equal(t, "esbulkout.ship", payloads.Transactions[0].Name)
	assert.Equal(t, model.IfaceMapItem{Key: "documents", Value: float64(N)},
		payloads.Transactions[0].Context.Tags[0],
	)
	var spanNames []string
	for _, span := range payloads.Spans {
		spanNames = append(spanNames, span.Name)
	}
	assert.Contains(t, spanNames, "Elasticsearch: POST _bulk")

	correlatedLogs := observed.FilterFieldKey("transaction.id").All()
	assert.NotEmpty(t, correlatedLogs)
	for _, entry := range correlatedLogs {
		fields := entry.ContextMap()
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].ID), fields["transaction.id"])
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].TraceID), fields["trace.id"])
	}
}

func TestShipperOTelTracing(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		testShipperOTelTracing(t, http.StatusOK, sdktrace.Status{Code: codes.Ok})
	})
	t.Run("failure", func(t *testing.T) {
		testShipperOTelTracing(t, http.StatusBadRequest, sdktrace.Status{
			Code:        codes.Error,
			Description: "bulk indexing request failed",
		})
	})
}

func testShipperOTelTracing(t *testing.T, statusCode int, status sdktrace.Status) {
	config := esbulkouttest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusCode)
		_, result := esbulkouttest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig:   config,
		Logger:         zap.New(core),
		TracerProvider: tp,
	})

	const N = 10
	_, _ = shipper.Ship(context.Background(), newBatch(t, 0, N))

	spans := exp.GetSpans()
	require.NotEmpty(t, spans)
	gotSpan := spans[0]
	assert.Equal(t, "esbulkout.ship", gotSpan.Name)
	assert.Equal(t, status, gotSpan.Status)
	for _, a := range gotSpan.Attributes {
		if a.Key == "documents" {
			assert.Equal(t, int64(N), a.Value.AsInt64())
		}
	}

	correlatedLogs := observed.FilterFieldKey("traceId").All()
	require.NotEmpty(t, correlatedLogs)
	assert.Equal(t, gotSpan.SpanContext.TraceID().String(), correlatedLogs[0].ContextMap()["traceId"])
	assert.Equal(t, gotSpan.SpanContext.SpanID().String(), correlatedLogs[0].ContextMap()["spanId"])
}

func TestShipperCancelledKeepsClient(t *testing.T) {
	var calls atomic.Int64
	store := esbulkouttest.NewStore()
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: esbulkouttest.NewMockElasticsearchClientConfig(t, store.HandleBulk),
		NewClient:    countingNewClient(&calls),
		Timeout:      time.Minute,
	})

	_, err := shipper.Ship(context.Background(), newBatch(t, 0, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = shipper.Ship(ctx, newBatch(t, 1, 1))
	var connErr *esbulkout.ConnectionError
	require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)

	result, err := shipper.Ship(context.Background(), newBatch(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, esbulkout.BulkResult{Created: 1}, result)
	assert.Equal(t, int64(1), calls.Load())
}

func TestShipperTimeoutReadingResponse(t *testing.T) {
	config := esbulkouttest.NewMockElasticsearchClientConfig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"items":[`))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	})
	shipper := newShipper(t, esbulkout.ShipperConfig{
		ClientConfig: config,
		Timeout:      100 * time.Millisecond,
	})

	_, err := shipper.Ship(context.Background(), newBatch(t, 0, 2))
	var connErr *esbulkout.ConnectionError
	require.True(t, errors.As(err, &connErr), "expected ConnectionError, got %v", err)
}
