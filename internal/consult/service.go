package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/conductd/internal/consult"

// Request asks one reviewer identity for a verdict.
type Request struct {
	RunID      string
	Phase      string
	Iteration  int
	Reviewer   string
	ReviewType string

	// ArtifactPath locates the artifact; Artifact carries its content.
	ArtifactPath string
	Artifact     string
}

// Response is a reviewer's parsed verdict and feedback.
type Response struct {
	Verdict  Verdict
	Feedback string
}

// Reviewer produces one verdict for an artifact. Implementations must
// honor ctx cancellation and return within their own bounded time.
type Reviewer interface {
	Review(ctx context.Context, req Request) (*Response, error)
}

// Result records one reviewer's outcome inside an aggregate.
type Result struct {
	Reviewer string        `json:"reviewer"`
	Verdict  Verdict       `json:"verdict"`
	Feedback string        `json:"feedback,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Outcome aggregates every configured reviewer's result for one VERIFY
// step, in the order the protocol lists them.
type Outcome struct {
	Results []Result `json:"results"`
}

// Approved reports whether the phase may proceed under the given
// UNAVAILABLE policy: no REQUEST_CHANGES among responders, and, under
// the block policy, no UNAVAILABLE either.
func (o *Outcome) Approved(policy string) bool {
	for _, r := range o.Results {
		switch r.Verdict {
		case VerdictRequestChanges:
			return false
		case VerdictUnavailable:
			if policy == OnUnavailableBlock {
				return false
			}
		}
	}
	return true
}

// Unavailable counts reviewers that produced no verdict.
func (o *Outcome) Unavailable() int {
	n := 0
	for _, r := range o.Results {
		if r.Verdict == VerdictUnavailable {
			n++
		}
	}
	return n
}

// Feedback concatenates blocking reviewers' feedback, tagged by reviewer
// identity, for the next BUILD prompt. Under the block policy an
// UNAVAILABLE reviewer contributes a line naming the outage so the next
// attempt does not mistake silence for approval.
func (o *Outcome) Feedback(policy string) string {
	var b strings.Builder
	for _, r := range o.Results {
		text := r.Feedback
		if r.Verdict == VerdictUnavailable {
			text = r.Error
		}
		b.WriteString(FeedbackSection(r.Reviewer, r.Verdict, text, policy))
	}
	return b.String()
}

// FeedbackSection formats one reviewer's blocking contribution to the
// feedback bundle; empty for verdicts that do not block under the
// policy. For UNAVAILABLE verdicts text is the failure reason.
func FeedbackSection(reviewer string, verdict Verdict, text, policy string) string {
	switch verdict {
	case VerdictRequestChanges:
		var b strings.Builder
		fmt.Fprintf(&b, "### Reviewer %s requested changes\n", reviewer)
		if fb := strings.TrimSpace(text); fb != "" {
			b.WriteString(fb)
			b.WriteString("\n")
		}
		return b.String()
	case VerdictUnavailable:
		if policy == OnUnavailableBlock {
			return fmt.Sprintf("### Reviewer %s was unavailable: %s\n", reviewer, text)
		}
	}
	return ""
}

// Config shapes the aggregator.
type Config struct {
	// Timeout bounds each individual reviewer request.
	Timeout time.Duration

	// RequestsPerMinute and Burst rate-limit dispatch per reviewer
	// identity.
	RequestsPerMinute float64
	Burst             int
}

// Service fans a review request out to reviewer identities and joins
// their verdicts.
type Service struct {
	reviewer Reviewer
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	tracer trace.Tracer
	meter  metric.Meter

	verdictCounter metric.Int64Counter
}

// NewService creates an aggregator. The reviewer is required.
func NewService(reviewer Reviewer, cfg Config, logger *zap.Logger) (*Service, error) {
	if reviewer == nil {
		return nil, errors.New("reviewer is required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("reviewer timeout must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}

	s := &Service{
		reviewer: reviewer,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.verdictCounter, err = s.meter.Int64Counter(
		"conductd.consult.verdicts",
		metric.WithDescription("Total number of reviewer verdicts collected"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		s.logger.Warn("failed to create verdict counter", zap.Error(err))
	}
}

// Consult dispatches one request per reviewer identity. When parallel is
// set the requests fan out concurrently and the call joins on all of
// them; otherwise they run in listed order. A reviewer that errors or
// times out is recorded as UNAVAILABLE and never blocks the others. The
// returned error is reserved for cancellation of the whole consult.
func (s *Service) Consult(ctx context.Context, reviewers []string, parallel bool, req Request) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "consult.consult")
	defer span.End()

	outcome := &Outcome{Results: make([]Result, len(reviewers))}
	if len(reviewers) == 0 {
		return outcome, nil
	}

	if parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, identity := range reviewers {
			g.Go(func() error {
				outcome.Results[i] = s.ask(gctx, identity, req)
				return nil
			})
		}
		// Goroutines only ever return nil; the join is what matters.
		_ = g.Wait()
	} else {
		for i, identity := range reviewers {
			outcome.Results[i] = s.ask(ctx, identity, req)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range outcome.Results {
		if s.verdictCounter != nil {
			s.verdictCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reviewer", r.Reviewer),
				attribute.String("verdict", string(r.Verdict)),
			))
		}
	}

	return outcome, nil
}

// ask rate-limits, bounds, and executes one reviewer request, folding
// every failure mode into an UNAVAILABLE result.
func (s *Service) ask(ctx context.Context, identity string, req Request) Result {
	start := time.Now()
	req.Reviewer = identity

	res := Result{Reviewer: identity}

	if err := s.limiter(identity).Wait(ctx); err != nil {
		res.Verdict = VerdictUnavailable
		res.Error = fmt.Sprintf("rate limit wait: %v", err)
		res.Duration = time.Since(start)
		return res
	}

	reviewCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.reviewer.Review(reviewCtx, req)
	res.Duration = time.Since(start)

	if err != nil {
		s.logger.Warn("reviewer unavailable",
			zap.String("run_id", req.RunID),
			zap.String("phase", req.Phase),
			zap.String("reviewer", identity),
			zap.Error(err))
		res.Verdict = VerdictUnavailable
		res.Error = err.Error()
		return res
	}

	res.Verdict = resp.Verdict
	res.Feedback = resp.Feedback
	return res
}

// limiter returns the per-identity rate limiter, creating it on first
// use.
func (s *Service) limiter(identity string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[identity]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerMinute/60.0), s.cfg.Burst)
		s.limiters[identity] = l
	}
	return l
}
