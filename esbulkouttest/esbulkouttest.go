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

// Package esbulkouttest provides a mock Elasticsearch server for testing
// code that ships bulk requests with esbulkout.
package esbulkouttest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkOperation is a create operation decoded from a /_bulk request body.
type BulkOperation struct {
	Index  string
	Type   string
	ID     string
	Script string

	// Bid holds the script's "bid" parameter, i.e. the document.
	Bid map[string]any
}

type bulkMeta struct {
	Create *struct {
		Index string `json:"_index"`
		Type  string `json:"_type"`
		ID    string `json:"_id"`
	} `json:"create"`
}

type bulkAction struct {
	Script string `json:"script"`
	Params struct {
		Bid map[string]any `json:"bid"`
	} `json:"params"`
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// operations and a response body reporting every operation as created.
func DecodeBulkRequest(r *http.Request) ([]BulkOperation, esutil.BulkIndexerResponse) {
	var body io.Reader = r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var ops []BulkOperation
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		var meta bulkMeta
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			panic(err)
		}
		if meta.Create == nil {
			panic(fmt.Errorf("expected create action, got %s", scanner.Text()))
		}
		if !scanner.Scan() {
			panic("expected action body")
		}
		var action bulkAction
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			panic(fmt.Errorf("invalid JSON: %s", scanner.Bytes()))
		}
		ops = append(ops, BulkOperation{
			Index:  meta.Create.Index,
			Type:   meta.Create.Type,
			ID:     meta.Create.ID,
			Script: action.Script,
			Bid:    action.Params.Bid,
		})

		item := esutil.BulkIndexerResponseItem{
			Index:      meta.Create.Index,
			DocumentID: meta.Create.ID,
			Status:     http.StatusCreated,
			Result:     "created",
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{"create": item})
	}
	return ops, result
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an elasticsearch.Config which
// sends /_bulk requests to bulkHandler and answers health checks. The httptest.Server will be closed
// via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	return NewMockElasticsearchClientConfigWithPing(t, nil, bulkHandler)
}

// NewMockElasticsearchClientConfigWithPing is like NewMockElasticsearchClientConfig, with health
// checks (HEAD /) sent to pingHandler. A nil pingHandler answers 200 OK.
func NewMockElasticsearchClientConfigWithPing(t testing.TB, pingHandler, bulkHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandlePing(mux, pingHandler)
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// HandlePing registers pingHandler with mux for handling health checks.
// A nil pingHandler answers 200 OK.
func HandlePing(mux *http.ServeMux, pingHandler http.HandlerFunc) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if pingHandler == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		pingHandler.ServeHTTP(w, r)
	})
}

// Store is an in-memory index that creates documents by id and answers
// 409 version conflicts for ids it already holds, like Elasticsearch does
// for create operations.
type Store struct {
	mu       sync.Mutex
	docs     map[string]BulkOperation
	requests int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{docs: make(map[string]BulkOperation)}
}

// HandleBulk is an http.HandlerFunc for /_bulk requests.
func (s *Store) HandleBulk(w http.ResponseWriter, r *http.Request) {
	ops, result := DecodeBulkRequest(r)

	s.mu.Lock()
	s.requests++
	for i, op := range ops {
		key := op.Index + "/" + op.ID
		if _, ok := s.docs[key]; !ok {
			s.docs[key] = op
			continue
		}
		result.HasErrors = true
		for action, item := range result.Items[i] {
			item.Status = http.StatusConflict
			item.Result = ""
			item.Error.Type = "version_conflict_engine_exception"
			item.Error.Reason = fmt.Sprintf("[%s]: version conflict, document already exists", op.ID)
			result.Items[i][action] = item
		}
	}
	s.mu.Unlock()

	json.NewEncoder(w).Encode(result)
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Requests returns the number of bulk requests received.
func (s *Store) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Get returns the operation that created the document id in index.
func (s *Store) Get(index, id string) (BulkOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.docs[index+"/"+id]
	return op, ok
}

// AssertOTelMetrics calls fn for each of the metrics, sorted by name.
func AssertOTelMetrics(t testing.TB, ms []metricdata.Metrics, fn func(m metricdata.Metrics)) {
	t.Helper()
	sorted := slices.Clone(ms)
	slices.SortFunc(sorted, func(a, b metricdata.Metrics) int {
		return strings.Compare(a.Name, b.Name)
	})
	for _, m := range sorted {
		fn(m)
	}
}

// NewAssertCounter returns a function asserting that an Int64 sum metric
// has a single data point with value v and attributes attrs. Each call
// increments asserted.
func NewAssertCounter(t testing.TB, asserted *atomic.Int64) func(metric metricdata.Metrics, v int64, attrs attribute.Set) {
	return func(metric metricdata.Metrics, v int64, attrs attribute.Set) {
		t.Helper()
		asserted.Add(1)
		counter := metric.Data.(metricdata.Sum[int64])
		require.Len(t, counter.DataPoints, 1, metric.Name)
		dp := counter.DataPoints[0]
		assert.Equal(t, v, dp.Value, metric.Name)
		assert.True(t, attrs.Equals(&dp.Attributes), "%s: unexpected attributes %v", metric.Name, dp.Attributes.ToSlice())
	}
}
