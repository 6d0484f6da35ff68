package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/agent"
	"github.com/fyrsmithlabs/conductd/internal/artifact"
	"github.com/fyrsmithlabs/conductd/internal/consult"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/gate"
	"github.com/fyrsmithlabs/conductd/internal/gitops"
	"github.com/fyrsmithlabs/conductd/internal/protocol"
	"github.com/fyrsmithlabs/conductd/internal/runstate"
	"github.com/fyrsmithlabs/conductd/internal/sanitize"
	"github.com/fyrsmithlabs/conductd/internal/secrets"
	"github.com/fyrsmithlabs/conductd/internal/verify"
)

var (
	// ErrManagerClosed indicates the manager is shutting down and
	// accepts no new runs.
	ErrManagerClosed = errors.New("run manager is closed")

	// ErrRunActive indicates the run already has a live executor.
	ErrRunActive = errors.New("run already has a live executor")
)

// Services are the collaborators shared by every run the daemon hosts.
// Run state stores are per-run and never appear here.
type Services struct {
	Runner    agent.Runner
	Checks    *verify.Runner
	Reviewers *consult.Service
	Gates     *gate.Controller
	Git       *gitops.Service
	Artifacts *artifact.Store
	Scrubber  secrets.Scrubber
	Events    *events.Publisher
}

// ManagerConfig shapes the run manager.
type ManagerConfig struct {
	// StoreDir is the directory holding one event log per run.
	StoreDir string

	// Executor carries the per-run policy knobs.
	Executor Config
}

// StartParams describe a new run.
type StartParams struct {
	ProtocolPath string
	ProjectID    string
	ProjectTitle string

	// PlanPhases seed per_plan_phase phases; optional.
	PlanPhases []runstate.PlanPhase
}

// Manager hosts the daemon's runs: one executor goroutine per run, each
// with an isolated store. It creates runs, resumes them after a restart,
// and routes gate decisions to whichever executor is waiting.
type Manager struct {
	cfg      ManagerConfig
	services Services
	logger   *zap.Logger
	metrics  *Metrics

	mu     sync.Mutex
	runs   map[string]*managedRun
	closed bool
	wg     sync.WaitGroup
}

type managedRun struct {
	store  *runstate.Store
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a run manager.
func NewManager(services Services, cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("store directory is required")
	}
	if services.Gates == nil {
		return nil, errors.New("gate controller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Executor.ApplyDefaults()

	return &Manager{
		cfg:      cfg,
		services: services,
		logger:   logger,
		metrics:  NewMetrics(),
		runs:     make(map[string]*managedRun),
	}, nil
}

// StartRun validates the protocol and project, creates the run's event
// log, and launches its executor. The returned state is the projection
// right after run.started.
func (m *Manager) StartRun(params StartParams) (*runstate.RunState, error) {
	def, err := protocol.LoadFile(params.ProtocolPath)
	if err != nil {
		return nil, err
	}
	projectID, err := sanitize.ProjectID(params.ProjectID)
	if err != nil {
		return nil, err
	}
	protocolPath, err := filepath.Abs(params.ProtocolPath)
	if err != nil {
		return nil, fmt.Errorf("resolving protocol path: %w", err)
	}

	runID := uuid.NewString()
	store, err := runstate.Open(m.cfg.StoreDir, runID, m.logger)
	if err != nil {
		return nil, err
	}

	if err := store.Append(runstate.Event{Type: runstate.EventRunStarted, RunStarted: &runstate.RunStartedEvent{
		Protocol:        def.Name,
		ProtocolVersion: def.Version,
		ProtocolPath:    protocolPath,
		ProjectID:       projectID,
		ProjectTitle:    params.ProjectTitle,
		PlanPhases:      params.PlanPhases,
	}}); err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := m.launch(def, store); err != nil {
		_ = store.Close()
		return nil, err
	}

	m.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("protocol", def.Name),
		zap.String("project_id", projectID))
	return store.Snapshot(), nil
}

// Resume reopens a run's log and relaunches its executor. Finished runs
// are left alone.
func (m *Manager) Resume(runID string) error {
	m.mu.Lock()
	_, active := m.runs[runID]
	m.mu.Unlock()
	if active {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}

	store, err := runstate.Open(m.cfg.StoreDir, runID, m.logger)
	if err != nil {
		return err
	}
	st := store.State()
	if st.RunID == "" {
		_ = store.Close()
		return fmt.Errorf("run %s: %w", runID, ErrNoRun)
	}
	if st.Finished() {
		_ = store.Close()
		return nil
	}

	def, err := protocol.LoadFile(st.ProtocolPath)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("resuming run %s: %w", runID, err)
	}

	if err := m.launch(def, store); err != nil {
		_ = store.Close()
		return err
	}

	m.logger.Info("run resumed",
		zap.String("run_id", runID),
		zap.String("phase", st.Phase),
		zap.String("step", string(st.Step)))
	return nil
}

// ResumeAll resumes every unfinished run in the store directory,
// returning how many came back. Individual failures are logged and
// skipped so one broken log cannot hold the daemon down.
func (m *Manager) ResumeAll() (int, error) {
	ids, err := runstate.ListRuns(m.cfg.StoreDir)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		st, err := runstate.ReadState(m.cfg.StoreDir, id)
		if err != nil {
			m.logger.Warn("skipping unreadable run log", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if st.Finished() {
			continue
		}
		if err := m.Resume(id); err != nil {
			m.logger.Warn("run did not resume", zap.String("run_id", id), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// launch builds the run's executor and starts its goroutine.
func (m *Manager) launch(def *protocol.Definition, store *runstate.Store) error {
	exec, err := New(def, Deps{
		Store:     store,
		Runner:    m.services.Runner,
		Checks:    m.services.Checks,
		Reviewers: m.services.Reviewers,
		Gates:     m.services.Gates,
		Git:       m.services.Git,
		Artifacts: m.services.Artifacts,
		Scrubber:  m.services.Scrubber,
		Events:    m.services.Events,
	}, m.cfg.Executor, m.logger)
	if err != nil {
		return err
	}

	runID := store.RunID()
	ctx, cancel := context.WithCancel(context.Background())
	run := &managedRun{store: store, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrManagerClosed
	}
	if _, dup := m.runs[runID]; dup {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	m.runs[runID] = run
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.RunsStarted.Inc()
	m.metrics.ActiveRuns.Inc()
	go m.drive(ctx, runID, run, exec)
	return nil
}

// drive runs one executor to completion, records how it ended, and
// releases the run's slot.
func (m *Manager) drive(ctx context.Context, runID string, run *managedRun, exec *Executor) {
	defer m.wg.Done()
	defer m.metrics.ActiveRuns.Dec()
	defer run.cancel()

	err := exec.Run(ctx)

	switch {
	case err == nil:
		status := run.store.State().Status
		m.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.logger.Info("run suspended", zap.String("run_id", runID))
	default:
		m.logger.Error("run failed", zap.String("run_id", runID), zap.Error(err))
		// Best effort: without this the log replays the same fatal
		// error on every restart.
		if appendErr := run.store.Append(runstate.Event{Type: runstate.EventRunFinished, RunFinished: &runstate.RunFinishedEvent{
			Outcome: runstate.RunFailed,
			Reason:  err.Error(),
		}}); appendErr != nil {
			m.logger.Error("could not record run failure", zap.String("run_id", runID), zap.Error(appendErr))
		}
		m.metrics.RunsFinished.WithLabelValues(string(runstate.StatusFailed)).Inc()
	}

	if err := run.store.Close(); err != nil {
		m.logger.Warn("closing run log", zap.String("run_id", runID), zap.Error(err))
	}
	close(run.done)

	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

// Get returns the run's current projection: a live snapshot when an
// executor holds the run, otherwise the state replayed from disk.
func (m *Manager) Get(runID string) (*runstate.RunState, error) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if ok {
		return run.store.Snapshot(), nil
	}
	return runstate.ReadState(m.cfg.StoreDir, runID)
}

// List returns the projection of every known run, live or finished.
func (m *Manager) List() ([]*runstate.RunState, error) {
	ids, err := runstate.ListRuns(m.cfg.StoreDir)
	if err != nil {
		return nil, err
	}

	states := make([]*runstate.RunState, 0, len(ids))
	for _, id := range ids {
		st, err := m.Get(id)
		if err != nil {
			m.logger.Warn("skipping unreadable run log", zap.String("run_id", id), zap.Error(err))
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// Decide routes a gate decision to the run's waiting executor.
func (m *Manager) Decide(runID string, approve bool, feedback string) error {
	decision := runstate.DecisionRejected
	if approve {
		decision = runstate.DecisionApproved
	}
	if err := m.services.Gates.Decide(runID, gate.Decision{Approve: approve, Feedback: feedback}); err != nil {
		return err
	}
	m.metrics.GateDecisions.WithLabelValues(decision).Inc()
	return nil
}

// PendingGate reports the run's open gate, if any executor is waiting at
// one.
func (m *Manager) PendingGate(runID string) (*gate.PendingGate, bool) {
	return m.services.Gates.Pending(runID)
}

// Stop cancels every live run and waits for their executors to park.
// Run state stays on disk; a later ResumeAll picks the runs back up.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, run := range m.runs {
		run.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for executors: %w", ctx.Err())
	}
}

// Wait blocks until the run's executor exits; false when no executor is
// live for the run. Used by tests and the daemon's drain path.
func (m *Manager) Wait(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case <-run.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}
