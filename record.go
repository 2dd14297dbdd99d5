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
	"encoding/json"
	"math"
	"strconv"
)

// RecordKind identifies which transformer handles the records of an output.
type RecordKind int

const (
	// KindNone means no log_type is configured; all records are dropped.
	KindNone RecordKind = iota
	KindBid
	KindWin
	KindImpression
	KindRequestData
	KindConversion
)

var kindNames = map[RecordKind]string{
	KindNone:        "",
	KindBid:         "bid",
	KindWin:         "wn",
	KindImpression:  "imp",
	KindRequestData: "rd",
	KindConversion:  "cv",
}

// ParseRecordKind maps a log_type value to its RecordKind. The empty string
// maps to KindNone.
func ParseRecordKind(s string) (RecordKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindNone, &UnsupportedKindError{Kind: s}
}

func (k RecordKind) String() string {
	if name, ok := kindNames[k]; ok {
		if name == "" {
			return "none"
		}
		return name
	}
	return "RecordKind(" + strconv.Itoa(int(k)) + ")"
}

// Implemented reports whether records of kind k can be transformed.
func (k RecordKind) Implemented() bool {
	return k == KindNone || k == KindBid
}

// RawRecord is a decoded event record. Values are whatever the decoder
// produced: strings, numbers (float64, int64, json.Number...), booleans,
// nested maps and slices.
type RawRecord map[string]any

// Get returns the value stored under key. ok is false when the key is
// absent or its value is nil.
func (r RawRecord) Get(key string) (any, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns the string stored under key.
func (r RawRecord) String(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the number stored under key. Numeric strings are accepted.
func (r RawRecord) Float(key string) (float64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns the integer stored under key. Floats are accepted when they
// hold a whole number.
func (r RawRecord) Int(key string) (int64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, true
		}
	}
	f, ok := r.Float(key)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// Map returns the nested object stored under key.
func (r RawRecord) Map(key string) (RawRecord, bool) {
	v, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	switch m := v.(type) {
	case RawRecord:
		return m, true
	case map[string]any:
		return RawRecord(m), true
	}
	return nil, false
}
