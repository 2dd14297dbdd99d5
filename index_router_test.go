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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenma-deliver/go-esbulkout"
)

func TestRoute(t *testing.T) {
	index, err := esbulkout.Route(1700000000, "logstash", "%Y.%m.%d")
	require.NoError(t, err)
	assert.Equal(t, "logstash-2023.11.14", index)

	index, err = esbulkout.Route(1700000000, "bids", "%Y%m")
	require.NoError(t, err)
	assert.Equal(t, "bids-202311", index)
}

func TestIndexRouterLocation(t *testing.T) {
	// 2023-11-14T22:13:20Z is already the 15th in UTC+9.
	router := esbulkout.IndexRouter{
		Prefix:     "logstash",
		DateFormat: "%Y.%m.%d",
		Location:   time.FixedZone("JST", 9*60*60),
	}
	index, err := router.Route(1700000000)
	require.NoError(t, err)
	assert.Equal(t, "logstash-2023.11.15", index)
}

func TestRouteSameDay(t *testing.T) {
	start := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC).Unix()
	for _, offset := range []int64{0, 1, 3600, 86399} {
		index, err := esbulkout.Route(start+offset, "logstash", "%Y.%m.%d")
		require.NoError(t, err)
		assert.Equal(t, "logstash-2023.11.14", index)
	}
	index, err := esbulkout.Route(start+86400, "logstash", "%Y.%m.%d")
	require.NoError(t, err)
	assert.Equal(t, "logstash-2023.11.15", index)
}

func TestRouteOrderedByTime(t *testing.T) {
	var prev string
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := 0; i < 24*400; i++ {
		index, err := esbulkout.Route(ts, "logstash", "%Y.%m.%d")
		require.NoError(t, err)
		if index < prev {
			t.Fatalf("index %q for %d sorts before %q", index, ts, prev)
		}
		prev = index
		ts += 3 * 3600
	}
}

func TestRouteInvalidTime(t *testing.T) {
	for _, epoch := range []int64{0, -1} {
		_, err := esbulkout.Route(epoch, "logstash", "%Y.%m.%d")
		var invalid *esbulkout.InvalidRecordError
		require.True(t, errors.As(err, &invalid), "expected InvalidRecordError, got %v", err)
		assert.Equal(t, "time", invalid.Field)
	}
}
