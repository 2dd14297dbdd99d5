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

package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tenma-deliver/go-esbulkout"
)

// KafkaConfig holds configuration for Kafka.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// BatchSize is the maximum number of messages handled at once.
	//
	// If BatchSize is zero, DefaultBatchSize will be used.
	BatchSize int

	// FlushInterval is the longest a partial batch waits for more
	// messages.
	//
	// If FlushInterval is zero, the default of 1 second will be used.
	FlushInterval time.Duration

	// Retry bounds the redelivery of a batch the handler failed. Offsets of
	// a batch dropped after the last try are committed.
	Retry RetryConfig

	// Logger holds an optional Logger. If Logger is nil, logging will be
	// disabled.
	Logger *zap.Logger
}

// messageReader is the subset of *kafka.Reader used by Kafka.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka consumes events from a topic as a member of a consumer group.
//
// Offsets are committed only once the handler accepted the batch holding
// them, or the batch was dropped after exhausting its retries. A failed
// batch is handed over again after a backoff.
type Kafka struct {
	reader  messageReader
	handler Handler
	config  KafkaConfig
}

// NewKafka returns a Kafka source. The reader connects lazily.
func NewKafka(cfg KafkaConfig, handler Handler) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return newKafka(reader, cfg, handler)
}

func newKafka(reader messageReader, cfg KafkaConfig, handler Handler) (*Kafka, error) {
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must not be negative, got %d", cfg.BatchSize)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.With(zap.String("topic", cfg.Topic))
	return &Kafka{reader: reader, handler: handler, config: cfg}, nil
}

// Run consumes until ctx is cancelled, then closes the reader. Messages of
// a batch still pending at that point are not committed and will be
// delivered again.
func (k *Kafka) Run(ctx context.Context) error {
	k.config.Logger.Info("consumer started")
	defer k.reader.Close()

	var pending []kafka.Message
	var deadline time.Time
	for {
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(pending) > 0 {
			fetchCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				k.config.Logger.Info("consumer stopping", zap.Error(ctx.Err()))
				return nil
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				k.config.Logger.Error("failed to fetch message", zap.Error(err))
				continue
			}
		} else {
			if len(pending) == 0 {
				deadline = time.Now().Add(k.config.FlushInterval)
			}
			pending = append(pending, msg)
			if len(pending) < k.config.BatchSize && time.Now().Before(deadline) {
				continue
			}
		}
		if len(pending) == 0 {
			continue
		}
		if err := k.flush(ctx, pending); err != nil {
			if ctx.Err() != nil {
				k.config.Logger.Info("consumer stopping", zap.Error(ctx.Err()))
				return nil
			}
			return err
		}
		pending = pending[:0]
	}
}

// flush delivers msgs to the handler, then commits them.
func (k *Kafka) flush(ctx context.Context, msgs []kafka.Message) error {
	entries := make([]esbulkout.Entry, 0, len(msgs))
	for _, msg := range msgs {
		// Bare records are tagged with the message key, if any.
		tag := k.config.Topic
		if len(msg.Key) > 0 {
			tag = string(msg.Key)
		}
		entry, err := DecodeEntry(msg.Value, tag)
		if err != nil {
			k.config.Logger.Warn("skipping undecodable message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, entry)
	}

	if err := deliver(ctx, k.handler, entries, k.config.Retry, k.config.Logger); err != nil {
		return err
	}

	last := msgs[len(msgs)-1]
	if err := k.reader.CommitMessages(ctx, msgs...); err != nil {
		// The batch is redelivered after a rebalance or restart.
		k.config.Logger.Error("failed to commit messages",
			zap.Int("messages", len(msgs)),
			zap.Int("partition", last.Partition),
			zap.Int64("offset", last.Offset),
			zap.Error(err),
		)
		return nil
	}
	k.config.Logger.Debug("batch committed",
		zap.Int("messages", len(msgs)),
		zap.Int("partition", last.Partition),
		zap.Int64("offset", last.Offset),
	)
	return nil
}
