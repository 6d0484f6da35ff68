// Package gitops applies a phase's on_complete side effects to the
// project's git repository: staging and committing produced artifacts,
// and optionally pushing the current branch.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/conductd/internal/gitops"

// ErrNotRepository indicates the project directory is not a git
// repository. Commit side effects are skipped, not fatal.
var ErrNotRepository = errors.New("project directory is not a git repository")

// Config shapes commit authorship and push behavior.
type Config struct {
	AuthorName  string
	AuthorEmail string
	Remote      string
	PushTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AuthorName == "" {
		c.AuthorName = "conductd"
	}
	if c.AuthorEmail == "" {
		c.AuthorEmail = "conductd@localhost"
	}
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = time.Minute
	}
}

// CommitResult reports what a commit produced.
type CommitResult struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Pushed  bool   `json:"pushed"`

	// Clean is set when there was nothing to commit; Hash is empty.
	Clean bool `json:"clean,omitempty"`
}

// Service performs commit and push operations against one repository
// root.
type Service struct {
	cfg    Config
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	commitCounter metric.Int64Counter
	pushCounter   metric.Int64Counter
}

// NewService creates a git side-effect service.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	s := &Service{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.commitCounter, err = s.meter.Int64Counter(
		"conductd.gitops.commits",
		metric.WithDescription("Total number of commits created"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		s.logger.Warn("failed to create commit counter", zap.Error(err))
	}

	s.pushCounter, err = s.meter.Int64Counter(
		"conductd.gitops.pushes",
		metric.WithDescription("Total number of branches pushed"),
		metric.WithUnit("{push}"),
	)
	if err != nil {
		s.logger.Warn("failed to create push counter", zap.Error(err))
	}
}

// Commit stages everything under the repository at repoPath and commits
// it with the given message. An up-to-date worktree yields a Clean
// result rather than an error. When push is set the current branch is
// pushed to the configured remote afterward.
func (s *Service) Commit(ctx context.Context, repoPath, message string, push bool) (*CommitResult, error) {
	ctx, span := s.tracer.Start(ctx, "gitops.commit")
	defer span.End()

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, repoPath)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	if status.IsClean() {
		s.logger.Info("worktree clean, nothing to commit",
			zap.String("repo", repoPath))
		return &CommitResult{Clean: true, Message: message}, nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, fmt.Errorf("staging changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.cfg.AuthorName,
			Email: s.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}

	if s.commitCounter != nil {
		s.commitCounter.Add(ctx, 1)
	}
	s.logger.Info("committed",
		zap.String("repo", repoPath),
		zap.String("hash", hash.String()),
		zap.String("message", message))

	result := &CommitResult{Hash: hash.String(), Message: message}

	if push {
		if err := s.push(ctx, repo); err != nil {
			// The commit landed; a failed push is reported but does not
			// roll anything back.
			return result, fmt.Errorf("pushing to %s: %w", s.cfg.Remote, err)
		}
		result.Pushed = true
	}

	return result, nil
}

// push sends the current branch to the configured remote, bounded by the
// push timeout.
func (s *Service) push(ctx context.Context, repo *git.Repository) error {
	pushCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()

	err := repo.PushContext(pushCtx, &git.PushOptions{RemoteName: s.cfg.Remote})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		err = nil
	}
	if err != nil {
		return err
	}

	if s.pushCounter != nil {
		s.pushCounter.Add(ctx, 1)
	}
	s.logger.Info("pushed", zap.String("remote", s.cfg.Remote))
	return nil
}

// CurrentBranch reports the checked-out branch name, or empty when it
// cannot be determined (detached HEAD, not a repository).
func CurrentBranch(repoPath string) string {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
