package runstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const eventsFile = "events.jsonl"

var (
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("run store is closed")

	// ErrRunNotFound indicates no log exists for the run id.
	ErrRunNotFound = errors.New("run not found")
)

// Store is the durable event log for one run. Append assigns sequence
// numbers, writes one JSON line, and fsyncs before returning, then folds
// the event into the projection. One Store instance per run; the
// executor is the sole appender.
type Store struct {
	runID  string
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	seq    uint64
	state  *RunState
	events []Event
}

// Open creates or resumes the log for runID under dir. An existing log
// is replayed into the projection; a torn trailing line from a crash
// mid-write is truncated away before appending resumes.
func Open(dir, runID string, logger *zap.Logger) (*Store, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	path := filepath.Join(runDir, eventsFile)

	events, validBytes, err := readLog(path)
	if err != nil {
		return nil, err
	}

	if fi, statErr := os.Stat(path); statErr == nil && fi.Size() > validBytes {
		logger.Warn("truncating torn tail of run log",
			zap.String("run_id", runID),
			zap.Int64("file_size", fi.Size()),
			zap.Int64("valid_bytes", validBytes))
		if err := os.Truncate(path, validBytes); err != nil {
			return nil, fmt.Errorf("truncating torn run log: %w", err)
		}
	}

	state, err := Rebuild(events)
	if err != nil {
		return nil, fmt.Errorf("replaying run log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}

	var seq uint64
	if len(events) > 0 {
		seq = events[len(events)-1].Seq
	}

	return &Store{
		runID:  runID,
		path:   path,
		logger: logger,
		file:   f,
		seq:    seq,
		state:  state,
		events: events,
	}, nil
}

// Append durably records one event. The event becomes visible in the
// projection only after it is on disk.
func (s *Store) Append(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrClosed
	}
	if err := validateEvent(&e); err != nil {
		return err
	}

	e.Seq = s.seq + 1
	e.RunID = s.runID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing run log: %w", err)
	}

	s.seq = e.Seq
	if err := s.state.Apply(&e); err != nil {
		return fmt.Errorf("applying event: %w", err)
	}
	s.events = append(s.events, e)
	return nil
}

// RunID returns the run this store belongs to.
func (s *Store) RunID() string {
	return s.runID
}

// State returns the live projection. Only the appending executor may use
// it; other readers take Snapshot.
func (s *Store) State() *RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a deep copy of the projection.
func (s *Store) Snapshot() *RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Events returns a copy of the replayed and appended events.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Close syncs and closes the log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// ReadState replays a run's log read-only, without taking the writer.
func ReadState(dir, runID string) (*RunState, error) {
	path := filepath.Join(dir, runID, eventsFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	events, _, err := readLog(path)
	if err != nil {
		return nil, err
	}
	return Rebuild(events)
}

// ReadEvents replays a run's log read-only and returns the raw events.
func ReadEvents(dir, runID string) ([]Event, error) {
	path := filepath.Join(dir, runID, eventsFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	events, _, err := readLog(path)
	return events, err
}

// ListRuns returns the run ids with a log under dir, sorted.
func ListRuns(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, entry.Name(), eventsFile)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// readLog parses complete lines from the log. It returns the events, the
// byte offset of the last complete line, and an error on mid-file
// corruption. Bytes after the final newline are a torn write and are not
// parsed.
func readLog(path string) ([]Event, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("reading run log: %w", err)
	}

	var (
		events []Event
		offset int64
	)
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl]
		if len(bytes.TrimSpace(line)) > 0 {
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, 0, fmt.Errorf("corrupt run log %s at byte %d: %w", path, offset, err)
			}
			if want := uint64(len(events) + 1); e.Seq != want {
				return nil, 0, fmt.Errorf("run log %s sequence gap: got %d, want %d", path, e.Seq, want)
			}
			events = append(events, e)
		}
		offset += int64(nl + 1)
		data = data[nl+1:]
	}
	return events, offset, nil
}

// validateEvent checks the payload matches the event type before anything
// is written.
func validateEvent(e *Event) error {
	var ok bool
	switch e.Type {
	case EventRunStarted:
		ok = e.RunStarted != nil
	case EventPhaseEntered:
		ok = e.PhaseEntered != nil
	case EventBuildStarted:
		ok = e.BuildStarted != nil
	case EventSignalReceived:
		ok = e.SignalReceived != nil
	case EventArtifactRecorded:
		ok = e.ArtifactRecorded != nil
	case EventVerifyStarted:
		ok = e.VerifyStarted != nil
	case EventCheckResult:
		ok = e.CheckResult != nil
	case EventConsultResult:
		ok = e.ConsultResult != nil
	case EventIterationAdvanced:
		ok = e.IterationAdvanced != nil
	case EventFeedbackFolded:
		ok = e.FeedbackFolded != nil
	case EventPhaseOutcome:
		ok = e.PhaseOutcome != nil
	case EventGateOpened:
		ok = e.GateOpened != nil
	case EventGateDecided:
		ok = e.GateDecided != nil
	case EventPlanDefined:
		ok = e.PlanDefined != nil
	case EventPlanAdvanced:
		ok = e.PlanAdvanced != nil
	case EventRunFinished:
		ok = e.RunFinished != nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("event type %s missing payload", e.Type)
	}
	return nil
}
