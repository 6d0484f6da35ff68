// Package gate parks runs at human-approval checkpoints.
//
// The executor opens a gate and blocks on its decision; the HTTP API and
// CLI deliver decisions. A gate is in-memory only while awaited — the
// durable record lives in the run's event log, so a daemon restart
// re-opens any gate that was pending.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/conductd/internal/gate"

var (
	// ErrNoPendingGate indicates no gate is awaiting a decision for the
	// run.
	ErrNoPendingGate = errors.New("no pending gate for run")

	// ErrGateAlreadyPending indicates the run already has an open gate.
	// The state machine opens at most one gate at a time, so hitting
	// this is a programming error.
	ErrGateAlreadyPending = errors.New("run already has a pending gate")
)

// Decision is a human's answer to a pending gate.
type Decision struct {
	Approve   bool      `json:"approve"`
	Feedback  string    `json:"feedback,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// PendingGate describes a gate currently awaiting a decision.
type PendingGate struct {
	RunID    string    `json:"run_id"`
	Gate     string    `json:"gate"`
	Phase    string    `json:"phase"`
	OpenedAt time.Time `json:"opened_at"`
}

// Controller tracks pending gates across runs.
type Controller struct {
	mu      sync.Mutex
	pending map[string]*waiter

	logger *zap.Logger
	meter  metric.Meter

	openedCounter  metric.Int64Counter
	decidedCounter metric.Int64Counter
}

type waiter struct {
	info PendingGate
	ch   chan Decision
}

// NewController creates a gate controller.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		pending: make(map[string]*waiter),
		logger:  logger,
		meter:   otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c
}

// initMetrics initializes OpenTelemetry metrics.
func (c *Controller) initMetrics() {
	var err error

	c.openedCounter, err = c.meter.Int64Counter(
		"conductd.gate.opened",
		metric.WithDescription("Total number of gates opened"),
		metric.WithUnit("{gate}"),
	)
	if err != nil {
		c.logger.Warn("failed to create gate opened counter", zap.Error(err))
	}

	c.decidedCounter, err = c.meter.Int64Counter(
		"conductd.gate.decided",
		metric.WithDescription("Total number of gate decisions delivered"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		c.logger.Warn("failed to create gate decided counter", zap.Error(err))
	}
}

// Await registers the run's pending gate and blocks until a decision
// arrives or ctx is cancelled. Cancellation deregisters the in-memory
// waiter and returns ctx.Err(); the gate remains pending in the run's
// durable state, so a later resume re-opens it.
func (c *Controller) Await(ctx context.Context, runID, gateName, phase string) (*Decision, error) {
	w := &waiter{
		info: PendingGate{RunID: runID, Gate: gateName, Phase: phase, OpenedAt: time.Now().UTC()},
		ch:   make(chan Decision, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[runID]; exists {
		c.mu.Unlock()
		return nil, ErrGateAlreadyPending
	}
	c.pending[runID] = w
	c.mu.Unlock()

	if c.openedCounter != nil {
		c.openedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gate", gateName),
		))
	}
	c.logger.Info("gate opened",
		zap.String("run_id", runID),
		zap.String("gate", gateName),
		zap.String("phase", phase))

	defer func() {
		c.mu.Lock()
		if c.pending[runID] == w {
			delete(c.pending, runID)
		}
		c.mu.Unlock()
	}()

	select {
	case d := <-w.ch:
		return &d, nil
	case <-ctx.Done():
		c.logger.Info("gate wait cancelled, gate remains pending",
			zap.String("run_id", runID),
			zap.String("gate", gateName))
		return nil, ctx.Err()
	}
}

// Decide delivers a decision to the run's pending gate.
func (c *Controller) Decide(runID string, d Decision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	c.mu.Lock()
	w, ok := c.pending[runID]
	if ok {
		delete(c.pending, runID)
	}
	c.mu.Unlock()

	if !ok {
		return ErrNoPendingGate
	}

	if c.decidedCounter != nil {
		c.decidedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("gate", w.info.Gate),
			attribute.Bool("approved", d.Approve),
		))
	}
	c.logger.Info("gate decided",
		zap.String("run_id", runID),
		zap.String("gate", w.info.Gate),
		zap.Bool("approved", d.Approve))

	w.ch <- d
	return nil
}

// Pending returns the run's pending gate, if any.
func (c *Controller) Pending(runID string) (*PendingGate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[runID]
	if !ok {
		return nil, false
	}
	info := w.info
	return &info, true
}

// List returns every pending gate, for inspection surfaces.
func (c *Controller) List() []PendingGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingGate, 0, len(c.pending))
	for _, w := range c.pending {
		out = append(out, w.info)
	}
	return out
}
