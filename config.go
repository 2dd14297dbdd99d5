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
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds configuration for Output.
//
// Fields tagged with koanf can be loaded from a file or the environment
// with LoadConfig; the remaining fields can only be set from code.
type Config struct {
	// Host and Port locate the Elasticsearch node when Hosts is empty.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Hosts holds a comma-separated list of host:port pairs. It takes
	// precedence over Host and Port.
	Hosts string `koanf:"hosts"`

	// Scheme is used for addresses that do not carry one.
	Scheme string `koanf:"scheme"`

	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// LogstashPrefix and LogstashDateFormat name the daily target index:
	// "{LogstashPrefix}-{strftime(LogstashDateFormat, event time)}".
	LogstashPrefix     string `koanf:"logstash_prefix"`
	LogstashDateFormat string `koanf:"logstash_dateformat"`

	// TypeName is sent as the _type of every bulk operation. It is omitted
	// when empty, which Elasticsearch 8 requires.
	TypeName string `koanf:"type_name"`

	// IndexName is reserved; the bulk path routes by date.
	IndexName string `koanf:"index_name"`

	// LogType selects the record kind: bid, wn, imp, rd or cv. When empty
	// every record is dropped.
	LogType string `koanf:"log_type"`

	// IncludeTagKey stores each record's tag in its document, under TagKey.
	IncludeTagKey bool   `koanf:"include_tag_key"`
	TagKey        string `koanf:"tag_key"`

	// Timezone is used to format event times into index names: "UTC",
	// "Local" or an IANA zone name.
	Timezone string `koanf:"timezone"`

	// RequestTimeout bounds both the health check and the bulk request.
	//
	// If RequestTimeout is zero, the default of 30 seconds will be used.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// CompressionLevel holds the gzip compression level of bulk request
	// bodies, from -1 to 9. Zero disables compression.
	CompressionLevel int `koanf:"compression_level"`

	// Logger holds an optional Logger to use for logging dropped records
	// and bulk requests.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger `koanf:"-"`

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	Tracer *apm.Tracer `koanf:"-"`

	// TracerProvider holds an optional OTel TracerProvider. When set, each
	// bulk request is also recorded as an OTel span.
	TracerProvider trace.TracerProvider `koanf:"-"`

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record metrics.
	//
	// If unset, the global OTel MeterProvider will be used.
	MeterProvider metric.MeterProvider `koanf:"-"`

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set `koanf:"-"`

	// ClientConfig, if non-nil, is used as the base go-elasticsearch
	// configuration. Addresses and credentials are filled from the options
	// above when empty.
	ClientConfig *elasticsearch.Config `koanf:"-"`
}

// DefaultConfig returns a Config holding the default option values.
func DefaultConfig() Config {
	return Config{
		Host:               "localhost",
		Port:               9200,
		Scheme:             "http",
		LogstashPrefix:     "logstash",
		LogstashDateFormat: "%Y.%m.%d",
		TypeName:           "tenma-deliver",
		IndexName:          "tenma-deliver",
		TagKey:             "tag",
		Timezone:           "UTC",
		RequestTimeout:     30 * time.Second,
	}
}

// Addresses returns the Elasticsearch node URLs.
func (c Config) Addresses() []string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	var hosts []string
	for _, h := range strings.Split(c.Hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		hosts = []string{net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
	}
	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		if strings.Contains(h, "://") {
			addrs[i] = h
		} else {
			addrs[i] = scheme + "://" + h
		}
	}
	return addrs
}

// Validate checks c for static misconfiguration. A log_type without a
// transformer is reported as an *UnsupportedKindError.
func (c Config) Validate() error {
	kind, err := ParseRecordKind(c.LogType)
	if err != nil {
		return err
	}
	if !kind.Implemented() {
		return &UnsupportedKindError{Kind: c.LogType}
	}
	if c.Hosts == "" && (c.Host == "" || c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("invalid host %q and port %d", c.Host, c.Port)
	}
	if c.LogstashDateFormat == "" {
		return errors.New("logstash_dateformat must not be empty")
	}
	if c.IncludeTagKey && c.TagKey == "" {
		return errors.New("tag_key must not be empty when include_tag_key is set")
	}
	if c.IncludeTagKey && slices.Contains(bidFieldKeys, c.TagKey) {
		return fmt.Errorf("tag_key %q would overwrite a document field", c.TagKey)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout)
	}
	if c.CompressionLevel < -1 || c.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			c.CompressionLevel,
		)
	}
	if _, err := c.location(); err != nil {
		return err
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	switch c.Timezone {
	case "", "UTC":
		return time.UTC, nil
	case "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// clientConfig returns the go-elasticsearch configuration for c.
func (c Config) clientConfig() elasticsearch.Config {
	var cfg elasticsearch.Config
	if c.ClientConfig != nil {
		cfg = *c.ClientConfig
	}
	if len(cfg.Addresses) == 0 && len(cfg.CloudID) == 0 {
		cfg.Addresses = c.Addresses()
	}
	if cfg.Username == "" && cfg.Password == "" {
		cfg.Username = c.User
		cfg.Password = c.Password
	}
	return cfg
}
