package secrets

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"
)

const previewLen = 4

// Config controls scrubber construction.
type Config struct {
	// Enabled toggles scrubbing. When false, New returns a NoopScrubber.
	Enabled bool

	// ProjectPath is a directory that may contain a .gitleaks.toml
	// allowlist. Empty skips the project allowlist.
	ProjectPath string

	// UserAllowlist is the full path to a user allowlist TOML file.
	// Empty skips the user allowlist.
	UserAllowlist string
}

// DefaultConfig returns a Config with scrubbing enabled and no allowlists.
func DefaultConfig() *Config {
	return &Config{Enabled: true}
}

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// Check detects secrets without redacting.
	Check(content string) *Result

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

// scrubber is the Gitleaks-backed implementation. The detector is built
// once at construction and is safe for concurrent use.
type scrubber struct {
	config   *Config
	detector *detect.Detector
}

// New creates a Scrubber with the given configuration. If config is nil,
// DefaultConfig() is used. A disabled config yields a NoopScrubber.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if !cfg.Enabled {
		return &NoopScrubber{}, nil
	}

	allowlist, err := LoadAllowlists(cfg.ProjectPath, cfg.UserAllowlist)
	if err != nil {
		return nil, fmt.Errorf("loading allowlists: %w", err)
	}

	detector, err := newDetector(allowlist)
	if err != nil {
		return nil, err
	}

	return &scrubber{
		config:   cfg,
		detector: detector,
	}, nil
}

// MustNew creates a Scrubber, panicking on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub redacts secrets from the content.
func (s *scrubber) Scrub(content string) *Result {
	start := time.Now()

	findings := detectString(s.detector, content)
	result := buildResult(content, findings)

	if len(findings) > 0 {
		result.Scrubbed = replaceFindings(content, findings)
	}

	result.Duration = time.Since(start)
	return result
}

// Check detects secrets without redacting.
func (s *scrubber) Check(content string) *Result {
	start := time.Now()

	findings := detectString(s.detector, content)
	result := buildResult(content, findings)

	result.Duration = time.Since(start)
	return result
}

// IsEnabled returns true; disabled configs produce a NoopScrubber instead.
func (s *scrubber) IsEnabled() bool {
	return true
}

// replaceFindings replaces secrets with [REDACTED:rule-id:preview]
// markers. Findings are applied in reverse document order so earlier
// replacements do not shift later column indices.
func replaceFindings(content string, findings []finding) string {
	sorted := make([]finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].line != sorted[j].line {
			return sorted[i].line > sorted[j].line
		}
		return sorted[i].startCol > sorted[j].startCol
	})

	lines := strings.Split(content, "\n")

	for _, f := range sorted {
		if f.line < 1 || f.line > len(lines) {
			continue
		}

		line := lines[f.line-1]
		marker := fmt.Sprintf("[REDACTED:%s:%s]", f.ruleID, extractPreview(f.match, previewLen))

		if f.startCol >= 0 && f.endCol <= len(line) {
			lines[f.line-1] = line[:f.startCol] + marker + line[f.endCol:]
		}
	}

	return strings.Join(lines, "\n")
}

// extractPreview returns the first n characters of a string.
func extractPreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// buildResult converts findings into a Result with metadata only.
func buildResult(content string, findings []finding) *Result {
	result := &Result{
		Original:      content,
		Scrubbed:      content,
		Findings:      make([]Redaction, 0, len(findings)),
		ByRule:        make(map[string]int),
		TotalFindings: len(findings),
	}

	for _, f := range findings {
		result.Findings = append(result.Findings, Redaction{
			RuleID:      f.ruleID,
			Description: f.ruleDesc,
			Line:        f.line,
			Column:      f.startCol,
			OriginalLen: len(f.match),
			Preview:     extractPreview(f.match, previewLen),
		})
		result.ByRule[f.ruleID]++
	}

	return result
}

// NoopScrubber passes content through unchanged, for disabled mode and
// tests.
type NoopScrubber struct{}

// Scrub returns content unchanged.
func (n *NoopScrubber) Scrub(content string) *Result {
	return &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Redaction, 0),
		ByRule:   make(map[string]int),
	}
}

// Check returns content unchanged.
func (n *NoopScrubber) Check(content string) *Result {
	return n.Scrub(content)
}

// IsEnabled returns false.
func (n *NoopScrubber) IsEnabled() bool {
	return false
}

var _ Scrubber = (*scrubber)(nil)
var _ Scrubber = (*NoopScrubber)(nil)
