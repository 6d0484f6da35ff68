// Package events publishes run lifecycle events to NATS.
//
// Every event appended to a run's log is mirrored onto the bus as JSON
// under runs.<run_id>.<category>.<event> (the category and event come
// from the event type, e.g. "phase.entered"). Publication is strictly
// best-effort: it never blocks or fails the state machine, and a nil
// connection disables it entirely.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/runstate"
	"github.com/fyrsmithlabs/conductd/internal/sanitize"
)

const instrumentationName = "github.com/fyrsmithlabs/conductd/internal/events"

// SubjectPrefix roots every run event subject.
const SubjectPrefix = "runs"

// Subject builds the NATS subject for one event type of one run.
//
// Example: Subject("0b7c...", "gate.opened") -> "runs.0b7c....gate.opened"
func Subject(runID string, eventType runstate.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sanitize.SubjectToken(runID), eventType)
}

// RunWildcard matches every event of one run, for SSE bridging.
func RunWildcard(runID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, sanitize.SubjectToken(runID))
}

// Connect dials NATS with the house connection options.
func Connect(url string, maxReconnects int, reconnectWait time.Duration) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher mirrors run events onto the bus.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
	meter  metric.Meter

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

// NewPublisher creates a publisher. A nil connection yields a disabled
// publisher whose Publish is a no-op.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		nc:     nc,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p
}

// initMetrics initializes OpenTelemetry metrics.
func (p *Publisher) initMetrics() {
	var err error

	p.publishedCounter, err = p.meter.Int64Counter(
		"conductd.events.published",
		metric.WithDescription("Total number of run events published to the bus"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create published counter", zap.Error(err))
	}

	p.droppedCounter, err = p.meter.Int64Counter(
		"conductd.events.dropped",
		metric.WithDescription("Total number of run events that failed to publish"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create dropped counter", zap.Error(err))
	}
}

// Enabled reports whether the publisher has a live connection.
func (p *Publisher) Enabled() bool {
	return p != nil && p.nc != nil
}

// Publish mirrors one event onto the bus. Failures are logged and
// counted, never returned: the durable log is the source of truth and
// the bus is a best-effort mirror.
func (p *Publisher) Publish(e runstate.Event) {
	if !p.Enabled() {
		return
	}

	subject := Subject(e.RunID, e.Type)
	data, err := json.Marshal(e)
	if err != nil {
		p.drop(subject, err)
		return
	}

	if err := p.nc.Publish(subject, data); err != nil {
		p.drop(subject, err)
		return
	}

	if p.publishedCounter != nil {
		p.publishedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", string(e.Type)),
		))
	}
}

func (p *Publisher) drop(subject string, err error) {
	p.logger.Warn("dropping run event",
		zap.String("subject", subject),
		zap.Error(err))
	if p.droppedCounter != nil {
		p.droppedCounter.Add(context.Background(), 1)
	}
}
