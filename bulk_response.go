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
	"net/http"
	"strings"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
)

// bulkResponse holds the per-item outcomes of a bulk request, in request
// order.
type bulkResponse struct {
	Items []bulkResponseItem
}

type bulkResponseItem struct {
	Index  string
	ID     string
	Status int

	Error struct {
		Type   string
		Reason string
	}
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("esbulkout.bulkResponse", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		resp := (*bulkResponse)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			if s != "items" {
				i.Skip()
				return true
			}
			i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
				return i.ReadMapCB(func(i *jsoniter.Iterator, _ string) bool {
					var item bulkResponseItem
					i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
						switch s {
						case "_index":
							item.Index = i.ReadString()
						case "_id":
							item.ID = i.ReadString()
						case "status":
							item.Status = i.ReadInt()
						case "error":
							i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
								switch s {
								case "type":
									item.Error.Type = i.ReadString()
								case "reason":
									// Drop the field value preview appended by
									// Elasticsearch to mapping errors.
									item.Error.Reason, _, _ = strings.Cut(
										i.ReadString(), ". Preview",
									)
								default:
									i.Skip()
								}
								return true
							})
						default:
							i.Skip()
						}
						return true
					})
					resp.Items = append(resp.Items, item)
					return true
				})
			})
			// no need to proceed further, return early
			return false
		})
	})
}

// duplicate reports whether the item failed only because a document with
// the same id already exists.
func (item bulkResponseItem) duplicate() bool {
	return item.Status == http.StatusConflict || item.Error.Type == "version_conflict_engine_exception"
}

func (item bulkResponseItem) failed() bool {
	return item.Error.Type != "" || item.Status > 201
}
