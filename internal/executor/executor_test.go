package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/agent"
	"github.com/fyrsmithlabs/conductd/internal/artifact"
	"github.com/fyrsmithlabs/conductd/internal/consult"
	"github.com/fyrsmithlabs/conductd/internal/gate"
	"github.com/fyrsmithlabs/conductd/internal/gitops"
	"github.com/fyrsmithlabs/conductd/internal/protocol"
	"github.com/fyrsmithlabs/conductd/internal/runstate"
	"github.com/fyrsmithlabs/conductd/internal/secrets"
	"github.com/fyrsmithlabs/conductd/internal/verify"
)

const testRunID = "run-1"

// fakeRunner scripts agent behavior per BUILD attempt and records every
// request it saw.
type fakeRunner struct {
	mu    sync.Mutex
	calls []agent.Request
	run   func(call int, req agent.Request) (*agent.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.run == nil {
		return &agent.Result{Signal: protocol.Signal{Kind: protocol.SignalPhaseComplete}}, nil
	}
	return f.run(n, req)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) request(i int) agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeChecker replays scripted exit codes per command; the last code
// repeats once the script runs out. Unscripted commands pass.
type fakeChecker struct {
	mu    sync.Mutex
	codes map[string][]int
	calls map[string]int
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{codes: map[string][]int{}, calls: map[string]int{}}
}

func (f *fakeChecker) script(command string, codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[command] = codes
}

func (f *fakeChecker) executions(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[command]
}

func (f *fakeChecker) Check(_ context.Context, command string) (*verify.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[command]
	f.calls[command] = n + 1

	codes, ok := f.codes[command]
	if !ok || len(codes) == 0 {
		return &verify.Execution{ExitCode: 0, Output: "ok"}, nil
	}
	if n >= len(codes) {
		n = len(codes) - 1
	}
	code := codes[n]
	out := "ok"
	if code != 0 {
		out = fmt.Sprintf("%s: assertion failed", command)
	}
	return &verify.Execution{ExitCode: code, Output: out}, nil
}

// fakeReviewer scripts verdicts and records which identities were asked.
type fakeReviewer struct {
	mu     sync.Mutex
	calls  []consult.Request
	review func(req consult.Request) (*consult.Response, error)
}

func (f *fakeReviewer) Review(_ context.Context, req consult.Request) (*consult.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.review == nil {
		return &consult.Response{Verdict: consult.VerdictApprove}, nil
	}
	return f.review(req)
}

func (f *fakeReviewer) asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.Reviewer
	}
	return ids
}

// fakeScrubber replaces a marker string and records what it was fed.
type fakeScrubber struct {
	mu     sync.Mutex
	seen   []string
	secret string
}

func (f *fakeScrubber) Scrub(content string) *secrets.Result {
	f.mu.Lock()
	f.seen = append(f.seen, content)
	f.mu.Unlock()

	scrubbed := strings.ReplaceAll(content, f.secret, "[REDACTED]")
	res := &secrets.Result{Original: content, Scrubbed: scrubbed}
	if scrubbed != content {
		res.Findings = []secrets.Redaction{{RuleID: "test-rule"}}
		res.TotalFindings = 1
	}
	return res
}

func (f *fakeScrubber) Check(content string) *secrets.Result {
	return &secrets.Result{Original: content, Scrubbed: content}
}

func (f *fakeScrubber) IsEnabled() bool { return true }

// harness wires an executor over fakes and temp dirs.
type harness struct {
	def      *protocol.Definition
	stateDir string
	workDir  string
	store    *runstate.Store
	art      *artifact.Store
	runner   *fakeRunner
	checker  *fakeChecker
	reviewer *fakeReviewer
	gates    *gate.Controller
	scrubber secrets.Scrubber
	git      *gitops.Service
	cfg      Config
}

func newHarness(t *testing.T, def string) *harness {
	t.Helper()
	h := &harness{
		stateDir: t.TempDir(),
		workDir:  t.TempDir(),
		runner:   &fakeRunner{},
		checker:  newFakeChecker(),
		reviewer: &fakeReviewer{},
		gates:    gate.NewController(zap.NewNop()),
	}
	h.art = artifact.NewStore(h.workDir)

	d, err := protocol.Load([]byte(def), "test")
	require.NoError(t, err)
	h.def = d
	return h
}

// start opens the run log and appends run.started.
func (h *harness) start(t *testing.T, plan ...runstate.PlanPhase) {
	t.Helper()
	s, err := runstate.Open(h.stateDir, testRunID, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Append(runstate.Event{Type: runstate.EventRunStarted, RunStarted: &runstate.RunStartedEvent{
		Protocol:     h.def.Name,
		ProjectID:    "billing_api",
		ProjectTitle: "Billing API",
		PlanPhases:   plan,
	}}))
	h.store = s
}

func (h *harness) executor(t *testing.T) *Executor {
	t.Helper()
	checks, err := verify.NewRunner(h.checker, verify.RetryConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	var reviewers *consult.Service
	if h.reviewer != nil {
		reviewers, err = consult.NewService(h.reviewer, consult.Config{
			Timeout:           5 * time.Second,
			RequestsPerMinute: 60000,
			Burst:             1000,
		}, zap.NewNop())
		require.NoError(t, err)
	}

	exec, err := New(h.def, Deps{
		Store:     h.store,
		Runner:    h.runner,
		Checks:    checks,
		Reviewers: reviewers,
		Gates:     h.gates,
		Git:       h.git,
		Artifacts: h.art,
		Scrubber:  h.scrubber,
	}, h.cfg, zap.NewNop())
	require.NoError(t, err)
	return exec
}

// runAsync drives the executor in the background so the test can play
// the human at gates.
func (h *harness) runAsync(t *testing.T, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	exec := h.executor(t)
	go func() { done <- exec.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func (h *harness) decideGate(t *testing.T, approve bool, feedback string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.gates.Pending(testRunID)
		return ok
	}, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, h.gates.Decide(testRunID, gate.Decision{Approve: approve, Feedback: feedback}))
}

// completeAndWriteArtifact is the scripted happy-path agent: write the
// declared artifact, then signal completion.
func (h *harness) completeAndWriteArtifact(content string) func(int, agent.Request) (*agent.Result, error) {
	return func(_ int, req agent.Request) (*agent.Result, error) {
		rel := fmt.Sprintf("specs/%s.md", "billing_api")
		if req.PlanPhase != "" {
			rel = fmt.Sprintf("plans/%s.md", req.PlanPhase)
		}
		if err := h.art.Write(rel, []byte(content)); err != nil {
			return nil, err
		}
		return &agent.Result{Signal: protocol.Signal{Kind: protocol.SignalPhaseComplete}}, nil
	}
}

func countEvents(t *testing.T, s *runstate.Store, typ runstate.EventType) int {
	t.Helper()
	n := 0
	for _, e := range s.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

const specifyOnly = `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 3
    build:
      prompt: "Write the specification for {project_id}"
      artifact: "specs/{project_id}.md"
    checks:
      lint: "run lint"
`

func TestNew_RequiresDeps(t *testing.T) {
	h := newHarness(t, specifyOnly)
	h.start(t)

	checks, err := verify.NewRunner(h.checker, verify.RetryConfig{}, zap.NewNop())
	require.NoError(t, err)

	base := Deps{
		Store:     h.store,
		Runner:    h.runner,
		Checks:    checks,
		Gates:     h.gates,
		Artifacts: h.art,
	}

	tests := []struct {
		name    string
		mutate  func(d *Deps)
		wantErr string
	}{
		{"missing store", func(d *Deps) { d.Store = nil }, "store"},
		{"missing runner", func(d *Deps) { d.Runner = nil }, "runner"},
		{"missing checks", func(d *Deps) { d.Checks = nil }, "verification"},
		{"missing gates", func(d *Deps) { d.Gates = nil }, "gate"},
		{"missing artifacts", func(d *Deps) { d.Artifacts = nil }, "artifact"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base
			tt.mutate(&deps)
			_, err := New(h.def, deps, Config{}, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("nil definition", func(t *testing.T) {
		_, err := New(nil, base, Config{}, zap.NewNop())
		require.Error(t, err)
	})

	t.Run("reviewers required when verify configured", func(t *testing.T) {
		def, err := protocol.Load([]byte(`
name: p
phases:
  - id: specify
    type: build_verify
    build: {prompt: "p", artifact: "a.md"}
    verify: {type: spec, models: [alpha]}
`), "test")
		require.NoError(t, err)
		_, err = New(def, base, Config{}, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "consultation")
	})

	t.Run("git required for commit side effects", func(t *testing.T) {
		def, err := protocol.Load([]byte(`
name: p
phases:
  - id: specify
    type: once
    build: {prompt: "p"}
    on_complete: {commit: true}
`), "test")
		require.NoError(t, err)
		_, err = New(def, base, Config{}, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "git")
	})
}

func TestRun_CompletesOnFirstCleanIteration(t *testing.T) {
	h := newHarness(t, specifyOnly)
	h.start(t)
	h.runner.run = h.completeAndWriteArtifact("# Spec")

	waitRun(t, h.runAsync(t, context.Background()))

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Equal(t, "completed", st.Outcomes["specify"])
	assert.Equal(t, 1, h.runner.count())
	assert.Equal(t, []string{"specs/billing_api.md"}, st.Artifacts)

	req := h.runner.request(0)
	assert.Equal(t, "Write the specification for billing_api", req.Prompt)
	assert.Equal(t, 0, req.Iteration)
}

func TestRun_ExhaustsIterationBudget(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 2
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    checks:
      lint: "run lint"
    gate:
      name: specify-approval
`)
	h.start(t)
	h.runner.run = h.completeAndWriteArtifact("# Spec")
	h.checker.script("run lint", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.runAsync(t, ctx)

	require.Eventually(t, func() bool {
		_, ok := h.gates.Pending(testRunID)
		return ok
	}, 10*time.Second, 5*time.Millisecond)

	// Exactly two attempts, never a third.
	assert.Equal(t, 2, h.runner.count())
	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusAwaitingGate, st.Status)
	assert.Equal(t, "unresolved", st.Outcomes["specify"])

	var opened *runstate.GateOpenedEvent
	for _, e := range h.store.Events() {
		if e.Type == runstate.EventGateOpened {
			opened = e.GateOpened
		}
	}
	require.NotNil(t, opened)
	assert.True(t, opened.Unresolved)

	cancel()
	<-done
}

func TestRun_SecondIterationPromptCarriesDiagnostics(t *testing.T) {
	h := newHarness(t, specifyOnly)
	h.start(t)
	h.runner.run = h.completeAndWriteArtifact("# Spec")
	h.checker.script("run lint", 1, 0)

	waitRun(t, h.runAsync(t, context.Background()))

	require.Equal(t, 2, h.runner.count())
	second := h.runner.request(1)
	assert.Equal(t, 1, second.Iteration)
	assert.Contains(t, second.Prompt, "## Feedback from the previous attempt")
	assert.Contains(t, second.Prompt, `Check "lint" failed`)
	assert.Contains(t, second.Prompt, "run lint: assertion failed")

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Equal(t, "completed", st.Outcomes["specify"])
}

func TestRun_BlockedSignalConsumesIteration(t *testing.T) {
	h := newHarness(t, specifyOnly)
	h.start(t)
	write := h.completeAndWriteArtifact("# Spec")
	h.runner.run = func(call int, req agent.Request) (*agent.Result, error) {
		if call == 0 {
			return &agent.Result{Signal: protocol.Signal{
				Kind:   protocol.SignalBlocked,
				Reason: "missing credentials for the billing sandbox",
			}}, nil
		}
		return write(call, req)
	}

	waitRun(t, h.runAsync(t, context.Background()))

	require.Equal(t, 2, h.runner.count())
	second := h.runner.request(1)
	assert.Contains(t, second.Prompt, "Build attempt blocked")
	assert.Contains(t, second.Prompt, "missing credentials for the billing sandbox")

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
}

func TestRun_SignalTimeoutTreatedAsBlocked(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 1
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    gate:
      name: specify-approval
`)
	h.start(t)
	h.runner.run = func(int, agent.Request) (*agent.Result, error) {
		return nil, agent.ErrSignalTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.runAsync(t, ctx)

	require.Eventually(t, func() bool {
		_, ok := h.gates.Pending(testRunID)
		return ok
	}, 10*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.runner.count())
	st := h.store.Snapshot()
	assert.Equal(t, "unresolved", st.Outcomes["specify"])
	assert.Contains(t, st.Feedback, "no terminal signal")

	var sig *runstate.SignalReceivedEvent
	for _, e := range h.store.Events() {
		if e.Type == runstate.EventSignalReceived {
			sig = e.SignalReceived
		}
	}
	require.NotNil(t, sig)
	assert.True(t, sig.Missing)
	assert.Equal(t, string(protocol.SignalBlocked), sig.Kind)

	cancel()
	<-done
}

func TestRun_PreApprovedArtifactSkipsBuild(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha, beta]
    gate:
      name: specify-approval
      next: plan
  - id: plan
    type: once
    build:
      prompt: "Write the plan"
`)
	h.start(t)
	require.NoError(t, h.art.Write("specs/billing_api.md", []byte(`---
approved: 2026-08-12
validated: [alpha, beta, gamma]
---
# Spec
`)))

	waitRun(t, h.runAsync(t, context.Background()))

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Equal(t, "approved", st.Outcomes["specify"])
	assert.Equal(t, "completed", st.Outcomes["plan"])

	// Zero agent spawns and zero reviewer requests for specify; the
	// plan phase accounts for the single build.
	assert.Equal(t, 1, h.runner.count())
	assert.Equal(t, "plan", h.runner.request(0).Phase)
	assert.Empty(t, h.reviewer.asked())

	// The gate was granted automatically.
	require.Len(t, st.GateLog, 1)
	assert.True(t, st.GateLog[0].Auto)
	assert.Equal(t, runstate.DecisionApproved, st.GateLog[0].Decision)
}

func TestRun_PreApprovalNeedsReviewerCoverage(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha, beta]
`)
	h.start(t)
	// Validated set misses beta, so the short-circuit must not fire.
	require.NoError(t, h.art.Write("specs/billing_api.md", []byte(`---
approved: 2026-08-12
validated: [alpha]
---
# Spec
`)))
	h.runner.run = h.completeAndWriteArtifact("# Spec v2")

	waitRun(t, h.runAsync(t, context.Background()))

	assert.Equal(t, 1, h.runner.count())
	assert.ElementsMatch(t, []string{"alpha", "beta"}, h.reviewer.asked())
	st := h.store.Snapshot()
	assert.Equal(t, "completed", st.Outcomes["specify"])
}

func TestRun_TwoIterationReviewScenario(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 2
    build:
      prompt: "Write the specification for {project_title}"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha, beta]
      parallel: true
    checks:
      lint: "run lint"
    on_complete:
      commit: true
    gate:
      name: specify-approval
      next: plan
  - id: plan
    type: once
    build:
      prompt: "Write the plan for {project_id}"
`)
	h.start(t)

	_, err := gogit.PlainInit(h.workDir, false)
	require.NoError(t, err)
	h.git = gitops.NewService(gitops.Config{}, zap.NewNop())

	h.runner.run = h.completeAndWriteArtifact("# Spec")
	h.reviewer.review = func(req consult.Request) (*consult.Response, error) {
		if req.Reviewer == "alpha" && req.Iteration == 0 {
			return &consult.Response{
				Verdict:  consult.VerdictRequestChanges,
				Feedback: "tighten the rollout scope",
			}, nil
		}
		return &consult.Response{Verdict: consult.VerdictApprove}, nil
	}

	ctx := context.Background()
	done := h.runAsync(t, ctx)

	h.decideGate(t, true, "ship it")
	waitRun(t, done)

	// Two specify attempts, one plan attempt.
	require.Equal(t, 3, h.runner.count())
	second := h.runner.request(1)
	assert.Equal(t, "specify", second.Phase)
	assert.Contains(t, second.Prompt, "Reviewer alpha requested changes")
	assert.Contains(t, second.Prompt, "tighten the rollout scope")
	assert.NotContains(t, second.Prompt, "Reviewer beta")
	assert.Equal(t, "plan", h.runner.request(2).Phase)

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Equal(t, "completed", st.Outcomes["specify"])
	assert.Equal(t, "completed", st.Outcomes["plan"])
	require.Len(t, st.GateLog, 1)
	assert.Equal(t, runstate.DecisionApproved, st.GateLog[0].Decision)
	assert.Equal(t, "ship it", st.GateLog[0].Reason)

	// The phase work was committed before the gate.
	repo, err := gogit.PlainOpen(h.workDir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "conductd: phase specify completed", commit.Message)
	assert.Equal(t, "conductd", commit.Author.Name)
}

func TestRun_GateRejectionBuysOneMoreAttempt(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 1
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    checks:
      lint: "run lint"
    gate:
      name: specify-approval
`)
	h.start(t)
	h.runner.run = h.completeAndWriteArtifact("# Spec")
	h.checker.script("run lint", 1)

	done := h.runAsync(t, context.Background())

	// Budget of one: unresolved at the gate after a single attempt.
	h.decideGate(t, false, "the error budget section is missing")

	// The rejection re-enters BUILD once more; it fails again and the
	// gate reopens.
	h.decideGate(t, true, "")
	waitRun(t, done)

	require.Equal(t, 2, h.runner.count())
	second := h.runner.request(1)
	assert.Equal(t, 1, second.Iteration)
	assert.Contains(t, second.Prompt, `Gate "specify-approval" rejected`)
	assert.Contains(t, second.Prompt, "the error budget section is missing")
	// The failing check's diagnostics ride along with the human's note.
	assert.Contains(t, second.Prompt, `Check "lint" failed`)

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	require.Len(t, st.GateLog, 2)
	assert.Equal(t, runstate.DecisionRejected, st.GateLog[0].Decision)
	assert.Equal(t, runstate.DecisionApproved, st.GateLog[1].Decision)
}

func TestRun_OncePhaseRejectionRebuildsWithoutIteration(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: brainstorm
    type: once
    build:
      prompt: "Brainstorm approaches"
    gate:
      name: brainstorm-approval
`)
	h.start(t)

	done := h.runAsync(t, context.Background())
	h.decideGate(t, false, "explore an event-driven variant")
	h.decideGate(t, true, "")
	waitRun(t, done)

	require.Equal(t, 2, h.runner.count())
	second := h.runner.request(1)
	assert.Equal(t, 0, second.Iteration)
	assert.Contains(t, second.Prompt, "explore an event-driven variant")

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Zero(t, countEvents(t, h.store, runstate.EventIterationAdvanced))
}

func TestRun_ResumesMidVerifyWithoutRebuilding(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 3
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha, beta]
    checks:
      lint: "run lint"
`)

	// Craft the log of a daemon that crashed mid-VERIFY on iteration 1:
	// the artifact is recorded and alpha already answered.
	s, err := runstate.Open(h.stateDir, testRunID, zap.NewNop())
	require.NoError(t, err)
	for _, e := range []runstate.Event{
		{Type: runstate.EventRunStarted, RunStarted: &runstate.RunStartedEvent{
			Protocol: "feature-dev", ProjectID: "billing_api",
		}},
		{Type: runstate.EventPhaseEntered, PhaseEntered: &runstate.PhaseEnteredEvent{Phase: "specify", Type: "build_verify"}},
		{Type: runstate.EventBuildStarted, BuildStarted: &runstate.BuildStartedEvent{Phase: "specify", Iteration: 0}},
		{Type: runstate.EventSignalReceived, SignalReceived: &runstate.SignalReceivedEvent{Phase: "specify", Iteration: 0, Kind: "PHASE_COMPLETE"}},
		{Type: runstate.EventVerifyStarted, VerifyStarted: &runstate.VerifyStartedEvent{Phase: "specify", Iteration: 0}},
		{Type: runstate.EventIterationAdvanced, IterationAdvanced: &runstate.IterationAdvancedEvent{Phase: "specify", Iteration: 1, Feedback: "first cut was rejected"}},
		{Type: runstate.EventBuildStarted, BuildStarted: &runstate.BuildStartedEvent{Phase: "specify", Iteration: 1}},
		{Type: runstate.EventSignalReceived, SignalReceived: &runstate.SignalReceivedEvent{Phase: "specify", Iteration: 1, Kind: "PHASE_COMPLETE"}},
		{Type: runstate.EventArtifactRecorded, ArtifactRecorded: &runstate.ArtifactRecordedEvent{Phase: "specify", Iteration: 1, Path: "specs/billing_api.md"}},
		{Type: runstate.EventVerifyStarted, VerifyStarted: &runstate.VerifyStartedEvent{Phase: "specify", Iteration: 1}},
		{Type: runstate.EventConsultResult, ConsultResult: &runstate.ConsultResultEvent{Phase: "specify", Iteration: 1, Reviewer: "alpha", Verdict: "APPROVE"}},
	} {
		require.NoError(t, s.Append(e))
	}
	require.NoError(t, s.Close())
	require.NoError(t, h.art.Write("specs/billing_api.md", []byte("# Spec, iteration 1")))

	// Reopen as a restarted daemon would.
	s, err = runstate.Open(h.stateDir, testRunID, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.store = s

	st := h.store.Snapshot()
	require.Equal(t, runstate.StepVerify, st.Step)
	require.Equal(t, 1, st.Iteration)

	waitRun(t, h.runAsync(t, context.Background()))

	// BUILD was not re-run; only the missing reviewer was asked; the
	// recorded artifact fed the consultation.
	assert.Equal(t, 0, h.runner.count())
	require.Equal(t, []string{"beta"}, h.reviewer.asked())
	assert.Equal(t, "specs/billing_api.md", h.reviewer.calls[0].ArtifactPath)
	assert.Equal(t, "# Spec, iteration 1", h.reviewer.calls[0].Artifact)

	final := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, final.Status)
	assert.Equal(t, "completed", final.Outcomes["specify"])
}

func TestRun_ResumesAfterSignalBeforeVerifyStarted(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 3
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha]
    checks:
      lint: "run lint"
`)

	// Craft the log of a daemon that crashed after the completion signal
	// and artifact landed on disk but before verify.started did.
	s, err := runstate.Open(h.stateDir, testRunID, zap.NewNop())
	require.NoError(t, err)
	for _, e := range []runstate.Event{
		{Type: runstate.EventRunStarted, RunStarted: &runstate.RunStartedEvent{
			Protocol: "feature-dev", ProjectID: "billing_api",
		}},
		{Type: runstate.EventPhaseEntered, PhaseEntered: &runstate.PhaseEnteredEvent{Phase: "specify", Type: "build_verify"}},
		{Type: runstate.EventBuildStarted, BuildStarted: &runstate.BuildStartedEvent{Phase: "specify", Iteration: 0}},
		{Type: runstate.EventSignalReceived, SignalReceived: &runstate.SignalReceivedEvent{Phase: "specify", Iteration: 0, Kind: "PHASE_COMPLETE"}},
		{Type: runstate.EventArtifactRecorded, ArtifactRecorded: &runstate.ArtifactRecordedEvent{Phase: "specify", Iteration: 0, Path: "specs/billing_api.md"}},
	} {
		require.NoError(t, s.Append(e))
	}
	require.NoError(t, s.Close())
	require.NoError(t, h.art.Write("specs/billing_api.md", []byte("# Spec, iteration 0")))

	s, err = runstate.Open(h.stateDir, testRunID, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.store = s

	st := h.store.Snapshot()
	require.Equal(t, runstate.StepBuild, st.Step)
	require.NotNil(t, st.Attempt)

	waitRun(t, h.runAsync(t, context.Background()))

	// The completed BUILD is not re-run; the resumed daemon goes straight
	// to VERIFY with the recorded artifact.
	assert.Equal(t, 0, h.runner.count())
	require.Equal(t, []string{"alpha"}, h.reviewer.asked())
	assert.Equal(t, "# Spec, iteration 0", h.reviewer.calls[0].Artifact)

	final := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, final.Status)
	assert.Equal(t, "completed", final.Outcomes["specify"])
}

func TestRun_PerPlanPhaseAdvancesIndex(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
plan_phase_checks:
  smoke: "run smoke"
phases:
  - id: implement
    type: per_plan_phase
    build:
      prompt: "Implement {plan_phase_title}"
      artifact: "plans/{plan_phase_id}.md"
`)
	h.start(t,
		runstate.PlanPhase{ID: "m1", Title: "Milestone one"},
		runstate.PlanPhase{ID: "m2", Title: "Milestone two"},
	)
	h.runner.run = h.completeAndWriteArtifact("done")

	waitRun(t, h.runAsync(t, context.Background()))

	require.Equal(t, 2, h.runner.count())
	assert.Equal(t, "m1", h.runner.request(0).PlanPhase)
	assert.Contains(t, h.runner.request(0).Prompt, "Milestone one")
	assert.Equal(t, "m2", h.runner.request(1).PlanPhase)

	// Protocol-level plan-phase checks ran once per sub-phase.
	assert.Equal(t, 2, h.checker.executions("run smoke"))

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Equal(t, "completed", st.Outcomes["implement"])
	assert.ElementsMatch(t, []string{"plans/m1.md", "plans/m2.md"}, st.Artifacts)
}

func TestRun_PerPlanPhaseFailureRoutesOnFail(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: implement
    type: per_plan_phase
    build:
      prompt: "Implement {plan_phase_id}"
    checks:
      tests: "run tests"
    transition:
      on_fail: replan
  - id: replan
    type: once
    build:
      prompt: "Revise the plan"
`)
	h.start(t, runstate.PlanPhase{ID: "m1", Title: "Milestone one"})
	h.checker.script("run tests", 1)

	waitRun(t, h.runAsync(t, context.Background()))

	st := h.store.Snapshot()
	assert.Equal(t, "failed", st.Outcomes["implement"])
	assert.Equal(t, "completed", st.Outcomes["replan"])

	// The replan agent saw the failing check's diagnostics.
	require.Equal(t, 2, h.runner.count())
	replan := h.runner.request(1)
	assert.Equal(t, "replan", replan.Phase)
	assert.Contains(t, replan.Prompt, `Check "tests" failed`)
}

func TestRun_ConsultUnavailableExcludedFromQuorum(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha, beta]
`)
	h.start(t)
	h.runner.run = h.completeAndWriteArtifact("# Spec")
	h.reviewer.review = func(req consult.Request) (*consult.Response, error) {
		if req.Reviewer == "alpha" {
			return nil, fmt.Errorf("reviewer backend unreachable")
		}
		return &consult.Response{Verdict: consult.VerdictApprove}, nil
	}

	waitRun(t, h.runAsync(t, context.Background()))

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Equal(t, "completed", st.Outcomes["specify"])
	assert.Equal(t, 1, h.runner.count())

	// The outage is recorded even though it did not block.
	var verdicts []string
	for _, e := range h.store.Events() {
		if e.Type == runstate.EventConsultResult {
			verdicts = append(verdicts, e.ConsultResult.Verdict)
		}
	}
	assert.ElementsMatch(t, []string{"UNAVAILABLE", "APPROVE"}, verdicts)
}

func TestRun_ConsultUnavailableBlocksUnderBlockPolicy(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 1
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha]
    gate:
      name: specify-approval
`)
	h.start(t)
	h.cfg.OnUnavailable = consult.OnUnavailableBlock
	h.runner.run = h.completeAndWriteArtifact("# Spec")
	h.reviewer.review = func(consult.Request) (*consult.Response, error) {
		return nil, fmt.Errorf("reviewer backend unreachable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.runAsync(t, ctx)

	require.Eventually(t, func() bool {
		_, ok := h.gates.Pending(testRunID)
		return ok
	}, 10*time.Second, 5*time.Millisecond)

	st := h.store.Snapshot()
	assert.Equal(t, "unresolved", st.Outcomes["specify"])
	assert.Contains(t, st.Feedback, "Reviewer alpha was unavailable")

	cancel()
	<-done
}

func TestRun_CheckRetriesDoNotConsumeIterations(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    max_iterations: 3
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    checks:
      flaky:
        command: "run flaky"
        on_fail: retry
        max_retries: 2
`)
	h.start(t)
	h.runner.run = h.completeAndWriteArtifact("# Spec")
	h.checker.script("run flaky", 1, 1, 0)

	waitRun(t, h.runAsync(t, context.Background()))

	// One BUILD attempt; the retries happened inside the check runner.
	assert.Equal(t, 1, h.runner.count())
	assert.Equal(t, 3, h.checker.executions("run flaky"))

	st := h.store.Snapshot()
	assert.Equal(t, runstate.StatusCompleted, st.Status)
	assert.Equal(t, 0, st.Iteration)

	for _, e := range h.store.Events() {
		if e.Type == runstate.EventCheckResult {
			assert.True(t, e.CheckResult.Passed)
			assert.Equal(t, 2, e.CheckResult.Retries)
		}
	}
}

func TestRun_FeedbackBundleIsScrubbed(t *testing.T) {
	h := newHarness(t, specifyOnly)
	h.start(t)
	h.scrubber = &fakeScrubber{secret: "hunter2"}
	write := h.completeAndWriteArtifact("# Spec")
	h.runner.run = func(call int, req agent.Request) (*agent.Result, error) {
		if call == 0 {
			return &agent.Result{Signal: protocol.Signal{
				Kind:   protocol.SignalBlocked,
				Reason: "the token hunter2 was rejected upstream",
			}}, nil
		}
		return write(call, req)
	}

	waitRun(t, h.runAsync(t, context.Background()))

	require.Equal(t, 2, h.runner.count())
	second := h.runner.request(1)
	assert.Contains(t, second.Prompt, "[REDACTED]")
	assert.NotContains(t, second.Prompt, "hunter2")

	// The durable log never saw the redacted value either.
	for _, e := range h.store.Events() {
		if e.Type == runstate.EventIterationAdvanced {
			assert.NotContains(t, e.IterationAdvanced.Feedback, "hunter2")
		}
	}
}

func TestRun_CancelledAtGateResumes(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    gate:
      name: specify-approval
`)
	h.start(t)
	h.runner.run = h.completeAndWriteArtifact("# Spec")

	ctx, cancel := context.WithCancel(context.Background())
	done := h.runAsync(t, ctx)

	require.Eventually(t, func() bool {
		_, ok := h.gates.Pending(testRunID)
		return ok
	}, 10*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled run did not stop")
	}

	// Reopen from disk as a restarted daemon would: the gate comes
	// back pending without a rebuild.
	require.NoError(t, h.store.Close())
	s, err := runstate.Open(h.stateDir, testRunID, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.store = s

	st := h.store.Snapshot()
	require.Equal(t, runstate.StatusAwaitingGate, st.Status)
	require.True(t, st.GatePending)

	done = h.runAsync(t, context.Background())
	h.decideGate(t, true, "")
	waitRun(t, done)

	assert.Equal(t, 1, h.runner.count())
	assert.Equal(t, runstate.StatusCompleted, h.store.Snapshot().Status)
	// No second gate.opened event was appended for the resumed gate.
	assert.Equal(t, 1, countEvents(t, h.store, runstate.EventGateOpened))
}

func TestRun_EmptyPlanSurfacesAtGate(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: implement
    type: per_plan_phase
    build:
      prompt: "Implement {plan_phase_id}"
    gate:
      name: implement-approval
`)
	h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.runAsync(t, ctx)

	require.Eventually(t, func() bool {
		_, ok := h.gates.Pending(testRunID)
		return ok
	}, 10*time.Second, 5*time.Millisecond)

	st := h.store.Snapshot()
	assert.Equal(t, "unresolved", st.Outcomes["implement"])
	assert.Zero(t, h.runner.count())

	cancel()
	<-done
}

func TestRun_GateRequiresUnmetForcesHumanDecision(t *testing.T) {
	h := newHarness(t, `
name: feature-dev
phases:
  - id: specify
    type: build_verify
    build:
      prompt: "Write the specification"
      artifact: "specs/{project_id}.md"
    verify:
      type: spec
      models: [alpha]
    gate:
      name: specify-approval
      requires: [plan]
      next: plan
  - id: plan
    type: once
    build:
      prompt: "Write the plan"
`)
	h.start(t)
	// Pre-approved artifact, but the required plan phase has no outcome
	// yet: the gate must wait for a human instead of auto-granting.
	require.NoError(t, h.art.Write("specs/billing_api.md", []byte(`---
approved: 2026-08-12
validated: [alpha]
---
# Spec
`)))

	done := h.runAsync(t, context.Background())
	h.decideGate(t, true, "")
	waitRun(t, done)

	st := h.store.Snapshot()
	require.Len(t, st.GateLog, 1)
	assert.False(t, st.GateLog[0].Auto)
	assert.Equal(t, runstate.StatusCompleted, st.Status)
}
