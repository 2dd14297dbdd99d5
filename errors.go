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
	"errors"
	"fmt"
	"strings"
)

// ErrNotImplemented is returned when transforming a record kind that is
// recognised but has no transformer yet.
var ErrNotImplemented = errors.New("record kind not implemented")

// ErrClosed is returned by Write and Ship once the output has been closed.
var ErrClosed = errors.New("esbulkout: closed")

// ConnectionError is returned when Elasticsearch cannot be reached, either
// because the health check failed or because the bulk request could not be
// sent or timed out. The whole batch should be redelivered.
type ConnectionError struct {
	Addresses []string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot reach Elasticsearch cluster (%s): %v",
		strings.Join(e.Addresses, ","), e.Err,
	)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// InvalidRecordError is returned for a record that is missing a required
// field or holds a value of the wrong type. It carries whatever natural key
// could be read from the record.
type InvalidRecordError struct {
	Field     string
	Reason    string
	SellerID  string
	AuctionID string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record (ssp_id=%q auction_id=%q): field %q %s",
		e.SellerID, e.AuctionID, e.Field, e.Reason,
	)
}

// UnsupportedKindError is returned at configuration time for a log_type
// that is unknown or has no transformer.
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported log_type %q", e.Kind)
}

// OperationFailure describes a bulk item that Elasticsearch rejected.
type OperationFailure struct {
	// Position is the item's position in the batch, starting at 0.
	Position  int
	Index     string
	ID        string
	SellerID  string
	AuctionID string
	Status    int
	ErrorType string
	Reason    string
}

// PartialFailureError is returned when the bulk response reports per-item
// failures other than duplicate create conflicts.
type PartialFailureError struct {
	Failed []OperationFailure
}

func (e *PartialFailureError) Error() string {
	if len(e.Failed) == 0 {
		return "bulk request partially failed"
	}
	first := e.Failed[0]
	return fmt.Sprintf("bulk request partially failed: %d operation(s) failed, first in '%s' (%s): %s",
		len(e.Failed), first.Index, first.ErrorType, first.Reason,
	)
}

// BulkRequestError is returned when Elasticsearch answers the bulk request
// itself with a non-2xx status.
type BulkRequestError struct {
	StatusCode int
	Body       string
}

func (e *BulkRequestError) Error() string {
	return fmt.Sprintf("flush failed: [%d] %s", e.StatusCode, e.Body)
}
