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

// Command esbulkout indexes bid log events read from stdin or a Kafka topic
// into daily Elasticsearch indices.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tenma-deliver/go-esbulkout"
	"github.com/tenma-deliver/go-esbulkout/internal/source"
)

type options struct {
	configPath    string
	source        string
	tag           string
	batchSize     int
	flushInterval time.Duration
	logLevel      string
	apmTracing    bool
	maxTries      uint

	kafkaBrokers []string
	kafkaTopic   string
	kafkaGroupID string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "esbulkout",
		Short: "Index bid log events into Elasticsearch",
		Long: `esbulkout reads tagged bid log events and indexes them into daily
Elasticsearch indices with one bulk request per batch.

Documents are created with ids derived from the seller and auction ids, so
a batch can be delivered again without creating duplicates.

Options not exposed as flags are read from the configuration file and from
` + esbulkout.EnvPrefix + `* environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&opts.source, "source", "stdin", "Event source (stdin, kafka)")
	flags.StringVar(&opts.tag, "tag", "esbulkout", "Tag given to events that carry none")
	flags.IntVar(&opts.batchSize, "batch-size", source.DefaultBatchSize, "Maximum number of events per bulk request")
	flags.DurationVar(&opts.flushInterval, "flush-interval", time.Second, "Longest time a partial batch waits (kafka)")
	flags.UintVar(&opts.maxTries, "max-tries", source.DefaultMaxTries, "Deliveries of a failing batch before it is dropped")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.apmTracing, "apm-tracing", false, "Trace bulk requests with Elastic APM, configured by ELASTIC_APM_* variables")
	flags.StringSliceVar(&opts.kafkaBrokers, "kafka-brokers", []string{"localhost:9092"}, "Kafka brokers")
	flags.StringVar(&opts.kafkaTopic, "kafka-topic", "", "Kafka topic to consume")
	flags.StringVar(&opts.kafkaGroupID, "kafka-group", "esbulkout", "Kafka consumer group")
	return cmd
}

func run(ctx context.Context, opts options) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := esbulkout.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg.Logger = logger
	if opts.apmTracing {
		cfg.Tracer = apm.DefaultTracer()
		defer cfg.Tracer.Flush(nil)
	}
	output, err := esbulkout.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer output.Close()

	handler := newHandler(output, logger)
	retry := source.RetryConfig{MaxTries: opts.maxTries}
	var runSource func(context.Context) error
	switch opts.source {
	case "stdin":
		s, err := source.NewJSONLines(os.Stdin, handler, source.JSONLinesConfig{
			Tag:       opts.tag,
			BatchSize: opts.batchSize,
			Retry:     retry,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		runSource = s.Run
	case "kafka":
		s, err := source.NewKafka(source.KafkaConfig{
			Brokers:       opts.kafkaBrokers,
			Topic:         opts.kafkaTopic,
			GroupID:       opts.kafkaGroupID,
			BatchSize:     opts.batchSize,
			FlushInterval: opts.flushInterval,
			Retry:         retry,
			Logger:        logger,
		}, handler)
		if err != nil {
			return err
		}
		runSource = s.Run
	default:
		return fmt.Errorf("unknown source %q, expected stdin or kafka", opts.source)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return runSource(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case <-done:
		}
		return nil
	})
	logger.Info("esbulkout started",
		zap.String("source", opts.source),
		zap.String("log_type", cfg.LogType),
		zap.Strings("addresses", cfg.Addresses()),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newHandler writes each batch to output. Connection and bulk request
// failures are returned so that the source delivers the batch again, up
// to --max-tries times; documents rejected one by one would be rejected
// again and are only logged.
func newHandler(output *esbulkout.Output, logger *zap.Logger) source.Handler {
	return func(ctx context.Context, entries []esbulkout.Entry) error {
		result, err := output.Write(ctx, entries)
		var partial *esbulkout.PartialFailureError
		if errors.As(err, &partial) {
			logger.Warn("documents rejected by Elasticsearch",
				zap.Int("docs_created", result.Created),
				zap.Int("docs_failed", result.Failed),
			)
			return nil
		}
		return err
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
