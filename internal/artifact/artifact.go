// Package artifact reads and writes phase artifacts under a workspace
// root and understands the approval metadata that lets a phase skip its
// build/verify cycle.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrPathEscapes indicates an artifact path points outside the
	// workspace root.
	ErrPathEscapes = errors.New("artifact path escapes workspace root")

	// ErrMalformedMetadata indicates front matter that exists but cannot
	// be parsed. Callers treat the artifact as not pre-approved.
	ErrMalformedMetadata = errors.New("malformed artifact metadata")
)

// Render substitutes {name} placeholders in a path or prompt pattern.
// Unknown placeholders are left in place so they stay visible instead of
// silently disappearing.
func Render(pattern string, vars map[string]string) string {
	if len(vars) == 0 {
		return pattern
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(pattern)
}

// Metadata is the approval front matter embedded in an artifact:
//
//	---
//	approved: 2026-08-12
//	validated: [reviewer-a, reviewer-b]
//	---
//
// Presence of a parseable approved date with a validated set covering the
// phase's reviewers triggers the pre-approved short-circuit.
type Metadata struct {
	Approved  string   `yaml:"approved"`
	Validated []string `yaml:"validated"`
}

// ApprovedOn parses the approved field as a date.
func (m *Metadata) ApprovedOn() (time.Time, bool) {
	if m == nil || m.Approved == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, m.Approved); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Covers reports whether the validated set is a superset of reviewers.
func (m *Metadata) Covers(reviewers []string) bool {
	if m == nil {
		return false
	}
	validated := make(map[string]struct{}, len(m.Validated))
	for _, v := range m.Validated {
		validated[v] = struct{}{}
	}
	for _, r := range reviewers {
		if _, ok := validated[r]; !ok {
			return false
		}
	}
	return true
}

var frontMatterDelim = []byte("---")

// ParseMetadata extracts approval front matter from artifact content.
// The second return is false when no front matter block exists.
func ParseMetadata(content []byte) (*Metadata, bool, error) {
	rest, ok := bytes.CutPrefix(content, frontMatterDelim)
	if !ok {
		return nil, false, nil
	}
	rest, ok = bytes.CutPrefix(rest, []byte("\n"))
	if !ok {
		return nil, false, nil
	}

	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return nil, true, fmt.Errorf("%w: unterminated front matter", ErrMalformedMetadata)
	}

	var meta Metadata
	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return &meta, true, nil
}

// Store reads and writes artifacts under a workspace root.
type Store struct {
	root string
}

// NewStore returns a store rooted at the given workspace directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the workspace root.
func (s *Store) Root() string {
	return s.root
}

// Resolve joins a rendered artifact path with the root, rejecting paths
// that escape it.
func (s *Store) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("artifact path is empty")
	}
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}
	return filepath.Join(s.root, rel), nil
}

// Exists reports whether the artifact file exists.
func (s *Store) Exists(rel string) (bool, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read returns the artifact content.
func (s *Store) Read(rel string) ([]byte, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write stores artifact content, creating parent directories. The
// content lands under a temporary name first and is renamed into place,
// so a reader never observes a half-written artifact.
func (s *Store) Write(rel string, content []byte) error {
	path, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("setting artifact permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming artifact into place: %w", err)
	}
	return nil
}

// Metadata loads and parses the artifact's approval front matter. The
// boolean is false when the artifact has no front matter block.
func (s *Store) Metadata(rel string) (*Metadata, bool, error) {
	content, err := s.Read(rel)
	if err != nil {
		return nil, false, err
	}
	return ParseMetadata(content)
}

// IsPreApproved reports whether the artifact exists and carries an
// approved date with a validated set covering reviewers. Malformed
// metadata is reported as not approved along with the parse error, so
// the caller can log it and fall through to a normal build.
func (s *Store) IsPreApproved(rel string, reviewers []string) (bool, *Metadata, error) {
	exists, err := s.Exists(rel)
	if err != nil || !exists {
		return false, nil, err
	}

	meta, found, err := s.Metadata(rel)
	if err != nil {
		return false, nil, err
	}
	if !found {
		return false, nil, nil
	}

	if _, ok := meta.ApprovedOn(); !ok {
		return false, meta, nil
	}
	if !meta.Covers(reviewers) {
		return false, meta, nil
	}
	return true, meta, nil
}
