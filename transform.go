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
	"fmt"
	"math"
	"strconv"
)

const (
	fieldBid          = "bid"
	fieldTime         = "time"
	fieldSellerID     = "sspId"
	fieldAuctionID    = "auctionId"
	fieldHost         = "host"
	fieldCurrency     = "currency"
	fieldPrice        = "price"
	fieldNoBidReason  = "noBidReason"
	fieldResponseTime = "responseTime"
	fieldBidType      = "bidType"
	fieldStatus       = "status"
	fieldImp          = "imp"
	fieldMedia        = "media"
	fieldDevice       = "device"
	fieldAd           = "ad"
)

// bidFieldKeys lists the top-level keys of a bid document.
var bidFieldKeys = []string{
	fieldTime, fieldSellerID, fieldAuctionID, fieldHost, fieldCurrency,
	fieldPrice, fieldNoBidReason, fieldResponseTime, fieldBidType,
	fieldStatus, fieldImp, fieldMedia, fieldDevice, fieldAd,
}

// Keys kept from each nested object of a bid record.
var (
	impKeys    = []string{"w", "h"}
	mediaKeys  = []string{"id", "name", "domain", "type"}
	deviceKeys = []string{"type", "os", "ua", "ip"}
	adKeys     = []string{"id", "creativeId", "adomain", "dealId"}
)

// NormalizedDocument is the fixed-shape projection of a RawRecord that is
// sent to Elasticsearch, together with the keys used to address it.
type NormalizedDocument struct {
	SellerID  string
	AuctionID string

	// EventTime is the record's own event time, in epoch seconds.
	EventTime int64

	// Fields holds the document body. Its key set does not depend on the
	// source record: absent values are nil and nested objects are always
	// maps.
	Fields map[string]any
}

// Transform maps raw into the document shape of the given kind.
//
// Kinds without a transformer return an error wrapping ErrNotImplemented,
// so that callers can tell them apart from records that are invalid.
func Transform(kind RecordKind, raw RawRecord) (NormalizedDocument, error) {
	switch kind {
	case KindBid:
		return transformBid(raw)
	case KindWin, KindImpression, KindRequestData, KindConversion:
		return NormalizedDocument{}, fmt.Errorf("transform %s: %w", kind, ErrNotImplemented)
	}
	return NormalizedDocument{}, &UnsupportedKindError{Kind: kindNames[kind]}
}

// transformBid accepts both the flat shape and {"bid": {...}}. With the
// nested shape, time may be carried by the outer record.
func transformBid(raw RawRecord) (NormalizedDocument, error) {
	bid := raw
	if nested, ok := raw.Map(fieldBid); ok {
		bid = nested
	}
	sellerID, auctionID := NaturalKey(raw)
	invalid := func(field, reason string) error {
		return &InvalidRecordError{
			Field:     field,
			Reason:    reason,
			SellerID:  sellerID,
			AuctionID: auctionID,
		}
	}
	if sellerID == "" {
		return NormalizedDocument{}, invalid(fieldSellerID, "is missing")
	}
	if auctionID == "" {
		return NormalizedDocument{}, invalid(fieldAuctionID, "is missing")
	}

	timeSrc := bid
	if _, present := bid.Get(fieldTime); !present {
		timeSrc = raw
	}
	if _, present := timeSrc.Get(fieldTime); !present {
		return NormalizedDocument{}, invalid(fieldTime, "is missing")
	}
	// Sub-second precision is dropped.
	seconds, ok := timeSrc.Float(fieldTime)
	if !ok || math.IsNaN(seconds) || seconds >= math.MaxInt64 || seconds < math.MinInt64 {
		return NormalizedDocument{}, invalid(fieldTime, "is not an epoch timestamp")
	}
	eventTime := int64(math.Floor(seconds))

	fields := map[string]any{
		fieldTime:         eventTime,
		fieldSellerID:     sellerID,
		fieldAuctionID:    auctionID,
		fieldHost:         optString(bid, fieldHost),
		fieldCurrency:     optString(bid, fieldCurrency),
		fieldPrice:        optFloat(bid, fieldPrice),
		fieldNoBidReason:  optInt(bid, fieldNoBidReason),
		fieldResponseTime: optInt(bid, fieldResponseTime),
		fieldBidType:      optString(bid, fieldBidType),
		fieldStatus:       optScalar(bid, fieldStatus),
		fieldImp:          project(bid, fieldImp, impKeys),
		fieldMedia:        project(bid, fieldMedia, mediaKeys),
		fieldDevice:       project(bid, fieldDevice, deviceKeys),
		fieldAd:           project(bid, fieldAd, adKeys),
	}
	return NormalizedDocument{
		SellerID:  sellerID,
		AuctionID: auctionID,
		EventTime: eventTime,
		Fields:    fields,
	}, nil
}

// NaturalKey returns the seller and auction ids of a bid record, empty when
// absent. With the nested shape, ids missing from the bid object are read
// from the outer record.
func NaturalKey(raw RawRecord) (sellerID, auctionID string) {
	bid := raw
	if nested, ok := raw.Map(fieldBid); ok {
		bid = nested
	}
	var ok bool
	if sellerID, ok = keyString(bid, fieldSellerID); !ok {
		sellerID, _ = keyString(raw, fieldSellerID)
	}
	if auctionID, ok = keyString(bid, fieldAuctionID); !ok {
		auctionID, _ = keyString(raw, fieldAuctionID)
	}
	return sellerID, auctionID
}

// keyString reads a natural key component. Numbers are formatted so that
// numeric ids address the same document as their string form.
func keyString(r RawRecord, key string) (string, bool) {
	if s, ok := r.String(key); ok {
		return s, s != ""
	}
	if i, ok := r.Int(key); ok {
		return strconv.FormatInt(i, 10), true
	}
	return "", false
}

func optString(r RawRecord, key string) any {
	if s, ok := r.String(key); ok {
		return s
	}
	return nil
}

func optFloat(r RawRecord, key string) any {
	if f, ok := r.Float(key); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return nil
}

func optInt(r RawRecord, key string) any {
	if i, ok := r.Int(key); ok {
		return i
	}
	return nil
}

func optScalar(r RawRecord, key string) any {
	v, ok := r.Get(key)
	if !ok {
		return nil
	}
	switch v.(type) {
	case map[string]any, RawRecord, []any:
		return nil
	}
	return v
}

// project copies the whitelisted scalar keys of the object stored under key.
// A missing object yields an empty map.
func project(r RawRecord, key string, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	obj, ok := r.Map(key)
	if !ok {
		return out
	}
	for _, k := range keys {
		out[k] = optScalar(obj, k)
	}
	return out
}
