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

// Package esbulkout indexes batches of bid log records into Elasticsearch
// using the bulk API.
//
// Records are transformed into a fixed document shape, addressed by the
// SHA-256 of their natural key (seller id + auction id) and routed to a
// daily index named after the record's own event time. Every document is
// sent as a create operation, so redelivering a batch after a failure never
// produces duplicates: the second delivery is reported as skipped.
//
// The package does not buffer or retry on its own. Callers deliver a batch
// to Output.Write, and redeliver it when Write returns an error.
package esbulkout
