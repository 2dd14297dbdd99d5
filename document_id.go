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
	"crypto/sha256"
	"encoding/hex"
)

// ComputeID returns the document id for the natural key (key1, key2): the
// lowercase hex SHA-256 of the two keys concatenated without a delimiter.
func ComputeID(key1, key2 string) string {
	h := sha256.New()
	h.Write([]byte(key1))
	h.Write([]byte(key2))
	return hex.EncodeToString(h.Sum(nil))
}
