package secrets

import (
	"fmt"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// finding is a detected secret with location information. The match value
// never leaves this package; results expose only metadata.
type finding struct {
	ruleID   string
	ruleDesc string
	line     int
	startCol int
	endCol   int
	match    string
}

// newDetector builds a Gitleaks detector from the default rule set with
// the allowlist merged in. Construction parses the embedded rule config,
// so callers build once and reuse.
func newDetector(allowlist *Allowlist) (*detect.Detector, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}
	return detector, nil
}

// detectString scans content and converts Gitleaks findings to the
// package-local type.
func detectString(detector *detect.Detector, content string) []finding {
	gitleaksFindings := detector.DetectString(content)

	result := make([]finding, 0, len(gitleaksFindings))
	for _, f := range gitleaksFindings {
		result = append(result, finding{
			ruleID:   f.RuleID,
			ruleDesc: f.Description,
			line:     f.StartLine,
			startCol: f.StartColumn,
			endCol:   f.EndColumn,
			match:    f.Secret,
		})
	}
	return result
}

// applyAllowlist merges allowlist patterns into the Gitleaks config.
// Patterns are pre-validated in loadTOML, so compilation failure here is
// a programming error.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "conductd user/project allowlist",
	}

	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}
