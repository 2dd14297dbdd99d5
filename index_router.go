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
	"strconv"
	"time"

	"github.com/cactus/gostrftime"
)

// IndexRouter names the index a document is written to from the document's
// event time.
type IndexRouter struct {
	// Prefix is prepended to the formatted date, separated by a dash.
	Prefix string

	// DateFormat holds a strftime pattern, e.g. "%Y.%m.%d".
	DateFormat string

	// Location is the time zone used to format event times.
	//
	// If Location is nil, UTC is used.
	Location *time.Location
}

// Route returns "{Prefix}-{formatted date}" for the event time given in
// epoch seconds.
func (r IndexRouter) Route(epochSeconds int64) (string, error) {
	if epochSeconds <= 0 {
		return "", &InvalidRecordError{
			Field:  fieldTime,
			Reason: "must be a positive epoch, got " + strconv.FormatInt(epochSeconds, 10),
		}
	}
	if r.DateFormat == "" {
		return "", errors.New("empty date format")
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	t := time.Unix(epochSeconds, 0).In(loc)
	return r.Prefix + "-" + gostrftime.Format(r.DateFormat, t), nil
}

// Route is a shorthand for IndexRouter{prefix, dateFormat, time.UTC}.Route.
func Route(epochSeconds int64, prefix, dateFormat string) (string, error) {
	return IndexRouter{Prefix: prefix, DateFormat: dateFormat}.Route(epochSeconds)
}
