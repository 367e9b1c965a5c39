// Package gateway accepts canonical events, drops provider redeliveries, and
// fans accepted events out to the event store, the Event Index, and Kafka.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudparity/parity/internal/bloom"
	"github.com/cloudparity/parity/internal/index"
	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/internal/ingest/validator"
	"github.com/cloudparity/parity/pkg/config"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/kafka"
	"github.com/cloudparity/parity/pkg/logger"
	"github.com/cloudparity/parity/pkg/metrics"
	"github.com/cloudparity/parity/pkg/redis"
	"github.com/cloudparity/parity/pkg/resilience"
)

// EventWriter persists accepted events.
type EventWriter interface {
	Insert(ctx context.Context, ev ingest.Event) error
}

// Publisher hands accepted events to the stream.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Gateway is the single entry point for events from every provider. The
// same business event must arrive once from each cloud; a repeat delivery
// from one cloud is dropped, and everything else is a reconciliation
// concern downstream.
type Gateway struct {
	dedup    *redis.Client
	events   EventWriter
	idx      index.Index
	producer Publisher
	filter   *bloom.TimeWindowedFilter
	breaker  *resilience.CircuitBreaker
	metrics  *metrics.Metrics
	cfg      config.GatewayConfig
	prefix   string
	logger   *slog.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithMetrics wires ingestion counters into the gateway.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a Gateway. Zero config fields fall back to a 1 hour dedup TTL
// and a batch cap of 100.
func New(dedup *redis.Client, events EventWriter, idx index.Index, producer Publisher,
	filter *bloom.TimeWindowedFilter, cfg config.GatewayConfig, topicPrefix string, opts ...Option) *Gateway {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	g := &Gateway{
		dedup:    dedup,
		events:   events,
		idx:      idx,
		producer: producer,
		filter:   filter,
		breaker:  resilience.NewCircuitBreaker("kafka-publish", resilience.CircuitBreakerConfig{}),
		cfg:      cfg,
		prefix:   topicPrefix,
		logger:   logger.WithComponent("ingest-gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxBatchSize returns the largest batch the gateway accepts in one request.
func (g *Gateway) MaxBatchSize() int {
	return g.cfg.MaxBatchSize
}

// Accept validates, deduplicates, and persists one event. On success the
// event is in the store and the index, and has been offered to Kafka; a
// publish failure is logged and counted but never fails the ingestion.
func (g *Gateway) Accept(ctx context.Context, ev *ingest.Event) (*ingest.Accepted, error) {
	if err := validator.ValidateEvent(ev); err != nil {
		g.countRejected("validation")
		return nil, err
	}
	ev.Normalize(time.Now())

	key := ev.EventID + ":" + ev.Source
	if g.filter != nil {
		g.countBloom(g.filter.Contains(key))
	}

	// The SET NX is the dedup authority; the bloom check above only
	// observes re-delivery pressure.
	fresh, err := g.dedup.SetNX(ctx, dedupKey(ev.EventID, ev.Source), "1", g.cfg.DedupTTL)
	if err != nil {
		g.countRejected("backend_unavailable")
		return nil, fmt.Errorf("%w: dedup store: %v", pkgerrors.ErrBackendUnavailable, err)
	}
	if !fresh {
		g.logger.Warn("duplicate delivery dropped",
			"event_id", ev.EventID,
			"source", ev.Source,
		)
		g.countRejected("duplicate")
		return nil, fmt.Errorf("%w: event %s from %s already accepted", pkgerrors.ErrDuplicateEvent, ev.EventID, ev.Source)
	}

	if err := g.events.Insert(ctx, *ev); err != nil {
		// Release the dedup marker so the provider's retry can land.
		if delErr := g.dedup.Del(ctx, dedupKey(ev.EventID, ev.Source)); delErr != nil {
			g.logger.Error("failed to release dedup marker after store error",
				"event_id", ev.EventID,
				"source", ev.Source,
				"error", delErr,
			)
		}
		return nil, fmt.Errorf("persisting event %s: %w", ev.EventID, err)
	}

	if err := g.idx.IndexEvent(ctx, ev.EventID, ev.Source, ev.IndexMetadata()); err != nil {
		// The index is an acceleration structure; the stream consumer will
		// re-index this event from Kafka.
		g.logger.Warn("index write failed",
			"event_id", ev.EventID,
			"source", ev.Source,
			"backend", g.idx.Backend(),
			"error", err,
		)
	} else if g.metrics != nil {
		g.metrics.EventsIndexedTotal.WithLabelValues(g.idx.Backend()).Inc()
	}

	if g.filter != nil {
		g.filter.Add(key)
	}

	g.publish(ctx, ev)

	if g.metrics != nil {
		g.metrics.EventsIngestedTotal.WithLabelValues(ev.Source, ev.EventType).Inc()
	}
	g.logger.Info("event accepted",
		"event_id", ev.EventID,
		"source", ev.Source,
		"event_type", ev.EventType,
	)
	return &ingest.Accepted{
		EventID: ev.EventID,
		Source:  ev.Source,
		Status:  "accepted",
	}, nil
}

func (g *Gateway) publish(ctx context.Context, ev *ingest.Event) {
	event := kafka.Event{
		Topic: ingest.Topic(g.prefix, ev.EventType),
		Key:   ev.EventID,
		Value: ev,
	}
	err := g.breaker.Execute(func() error {
		return g.producer.Publish(ctx, event)
	})
	if g.metrics != nil {
		g.metrics.CircuitBreakerState.WithLabelValues("kafka-publish").Set(g.breaker.GetState().Value())
	}
	if err != nil {
		g.logger.Error("event accepted but not published",
			"event_id", ev.EventID,
			"topic", event.Topic,
			"error", err,
		)
		if g.metrics != nil {
			g.metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		}
		return
	}
	if g.metrics != nil {
		g.metrics.EventsPublishedTotal.WithLabelValues("success").Inc()
	}
}

func (g *Gateway) countRejected(reason string) {
	if g.metrics != nil {
		g.metrics.EventsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

func (g *Gateway) countBloom(maybeSeen bool) {
	if g.metrics == nil {
		return
	}
	outcome := "definite_no"
	if maybeSeen {
		outcome = "maybe_seen"
	}
	g.metrics.BloomChecksTotal.WithLabelValues(outcome).Inc()
}

func dedupKey(eventID, source string) string {
	return fmt.Sprintf("event:dedup:%s:%s", eventID, source)
}
