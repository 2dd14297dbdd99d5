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
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// updateScript sets the document's bid field to the supplied parameters,
// leaving the rest of the document to be built server-side.
const updateScript = "ctx._source.bid = bid"

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// BatchBuilderConfig holds configuration for BatchBuilder.
type BatchBuilderConfig struct {
	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). The special value -1 (gzip.DefaultCompression)
	// selects the default compression level.
	CompressionLevel int
}

// BulkOperation is one (metadata, action) pair of a batch.
type BulkOperation struct {
	Index     string
	Type      string
	ID        string
	SellerID  string
	AuctionID string
	Document  NormalizedDocument
}

// Batch is an encoded bulk request payload. A Batch is never modified once
// built.
type Batch struct {
	ops             []BulkOperation
	body            []byte
	compressed      bool
	uncompressedLen int
}

// Len returns the number of operations in the batch.
func (b Batch) Len() int {
	return len(b.ops)
}

// Operation returns the i'th operation, in append order.
func (b Batch) Operation(i int) BulkOperation {
	return b.ops[i]
}

// Compressed reports whether the payload is gzip encoded.
func (b Batch) Compressed() bool {
	return b.compressed
}

// Size returns the payload size in bytes, as sent on the wire.
func (b Batch) Size() int {
	return len(b.body)
}

// UncompressedSize returns the payload size before compression.
func (b Batch) UncompressedSize() int {
	return b.uncompressedLen
}

// Body returns a reader over the payload.
func (b Batch) Body() io.Reader {
	return bytes.NewReader(b.body)
}

// BatchBuilder accumulates bulk operations into a newline-delimited JSON
// payload. It is not safe for concurrent use.
type BatchBuilder struct {
	jsonw        fastjson.Writer
	writer       io.Writer
	gzipw        *gzip.Writer
	buf          bytes.Buffer
	ops          []BulkOperation
	uncompressed int
}

// NewBatchBuilder returns an empty BatchBuilder.
func NewBatchBuilder(cfg BatchBuilderConfig) (*BatchBuilder, error) {
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	b := &BatchBuilder{}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

// Len returns the number of operations appended since the last Build.
func (b *BatchBuilder) Len() int {
	return len(b.ops)
}

// Append encodes a create operation for doc, addressed by id in index.
// typeName is omitted from the metadata when empty.
func (b *BatchBuilder) Append(doc NormalizedDocument, id, index, typeName string) error {
	body, err := jsonCodec.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}

	b.jsonw.RawString(`{"create":{"_index":`)
	b.jsonw.String(index)
	if typeName != "" {
		b.jsonw.RawString(`,"_type":`)
		b.jsonw.String(typeName)
	}
	b.jsonw.RawString(`,"_id":`)
	b.jsonw.String(id)
	b.jsonw.RawString("}}\n")
	b.jsonw.RawString(`{"script":`)
	b.jsonw.String(updateScript)
	b.jsonw.RawString(`,"params":{"bid":`)
	n := len(b.jsonw.Bytes())
	_, err = b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
	if err != nil {
		return fmt.Errorf("failed to write bulk operation: %w", err)
	}
	if _, err := b.writer.Write(body); err != nil {
		return fmt.Errorf("failed to write bulk operation: %w", err)
	}
	if _, err := b.writer.Write([]byte("}}\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	b.uncompressed += n + len(body) + 3
	b.ops = append(b.ops, BulkOperation{
		Index:     index,
		Type:      typeName,
		ID:        id,
		SellerID:  doc.SellerID,
		AuctionID: doc.AuctionID,
		Document:  doc,
	})
	return nil
}

// Build returns the accumulated operations as a Batch and resets b, ready
// for a new batch.
func (b *BatchBuilder) Build() (Batch, error) {
	defer b.reset()
	if len(b.ops) == 0 {
		return Batch{}, nil
	}
	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return Batch{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}
	return Batch{
		ops:             b.ops,
		body:            bytes.Clone(b.buf.Bytes()),
		compressed:      b.gzipw != nil,
		uncompressedLen: b.uncompressed,
	}, nil
}

func (b *BatchBuilder) reset() {
	b.ops = nil
	b.uncompressed = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}
