// Package stream feeds the Event Index from the Kafka event topics. The
// gateway indexes synchronously on accept; this consumer covers events
// accepted by other gateway instances and replays the index after a backend
// swap, since the topics retain what the index may have lost.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudparity/parity/internal/bloom"
	"github.com/cloudparity/parity/internal/index"
	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/pkg/config"
	"github.com/cloudparity/parity/pkg/kafka"
	"github.com/cloudparity/parity/pkg/metrics"
)

type Indexer struct {
	consumer *kafka.Consumer
	index    index.Index
	filter   *bloom.TimeWindowedFilter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Indexer)

func WithMetrics(m *metrics.Metrics) Option {
	return func(ix *Indexer) {
		ix.metrics = m
	}
}

// NewIndexer creates an Indexer consuming every event topic under the given
// prefix as one consumer group.
func NewIndexer(kafkaCfg config.KafkaConfig, topicPrefix string, idx index.Index, filter *bloom.TimeWindowedFilter, opts ...Option) *Indexer {
	ix := &Indexer{
		index:  idx,
		filter: filter,
		logger: slog.Default().With("component", "stream-indexer"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.consumer = kafka.NewConsumer(kafkaCfg, ingest.Topics(topicPrefix), ix.handleMessage)
	return ix
}

// Start enters the consume loop until ctx is cancelled.
func (ix *Indexer) Start(ctx context.Context) error {
	return ix.consumer.Start(ctx)
}

func (ix *Indexer) Close() error {
	return ix.consumer.Close()
}

// handleMessage indexes one event from the stream. Undecodable messages are
// dropped with a warning so a poison message cannot block the partition;
// index backend failures are returned so the offset stays uncommitted.
func (ix *Indexer) handleMessage(ctx context.Context, key, value []byte) error {
	ev, err := kafka.DecodeJSON[ingest.Event](value)
	if err != nil {
		ix.logger.Warn("dropping undecodable message", "key", string(key), "error", err)
		return nil
	}
	if ev.EventID == "" || ev.Source == "" {
		ix.logger.Warn("dropping message without event identity", "key", string(key))
		return nil
	}

	if err := ix.index.IndexEvent(ctx, ev.EventID, ev.Source, ev.IndexMetadata()); err != nil {
		return fmt.Errorf("indexing event %s from %s: %w", ev.EventID, ev.Source, err)
	}
	if ix.filter != nil {
		ix.filter.Add(ev.EventID + ":" + ev.Source)
	}
	if ix.metrics != nil {
		ix.metrics.EventsIndexedTotal.WithLabelValues(ix.index.Backend()).Inc()
	}

	ix.logger.Debug("event indexed from stream",
		"event_id", ev.EventID,
		"source", ev.Source,
		"event_type", ev.EventType,
	)
	return nil
}
