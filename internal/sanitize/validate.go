// Package sanitize provides shared identifier sanitization and input validation.
package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Validation errors for security checks.
var (
	// ErrPathTraversal indicates a path contains directory traversal sequences.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrInvalidProjectID indicates the project ID format is invalid.
	ErrInvalidProjectID = errors.New("invalid project ID format")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// identifierPattern matches valid sanitized identifiers: lowercase
// alphanumeric with underscores and hyphens, max 64 chars.
var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}[a-z0-9]?$`)

// ValidatePath checks a path for security issues:
//   - No directory traversal (..)
//   - Resolves to absolute path and validates it stays within expected root
//   - Returns the cleaned, absolute path or an error
//
// If allowedRoot is empty, only traversal checks are performed.
// If allowedRoot is provided, the path must resolve within that directory.
func ValidatePath(path, allowedRoot string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	// Check for obvious traversal patterns before any processing
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
	}

	// Clean the path to normalize it
	cleanPath := filepath.Clean(path)

	// Re-check after cleaning (handles edge cases like "foo/../..")
	if strings.Contains(cleanPath, "..") {
		return "", fmt.Errorf("%w: resolves to traversal", ErrPathTraversal)
	}

	// If path is not absolute, make it absolute for consistent validation
	absPath := cleanPath
	if !filepath.IsAbs(cleanPath) {
		var err error
		absPath, err = filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
	}

	// If allowed root is specified, ensure path is within it
	if allowedRoot != "" {
		absRoot, err := filepath.Abs(allowedRoot)
		if err != nil {
			return "", fmt.Errorf("failed to resolve allowed root: %w", err)
		}

		rel, err := filepath.Rel(absRoot, absPath)
		if err != nil {
			return "", fmt.Errorf("%w: path outside allowed root", ErrPathTraversal)
		}

		// If relative path starts with "..", it's outside the root
		if strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("%w: path escapes allowed root", ErrPathTraversal)
		}
	}

	return absPath, nil
}

// ValidateProjectID checks that a project ID conforms to expected format.
// Project IDs are used in artifact paths and subject tokens, so they
// must be lowercase alphanumeric with underscores/hyphens, 1-64 chars.
func ValidateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}

	// Check for path traversal characters
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: contains path characters", ErrInvalidProjectID)
	}

	// Validate format
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: must be lowercase alphanumeric with underscores or hyphens (1-64 chars)", ErrInvalidProjectID)
	}

	return nil
}

// ProjectID sanitizes a user-provided project ID and validates the
// result. This is the recommended way to process project IDs arriving
// at the API boundary. Input with nothing usable in it is rejected
// rather than silently collapsed to the default identifier.
func ProjectID(id string) (string, error) {
	sanitized := Identifier(id)
	if sanitized == DefaultIdentifier && id != DefaultIdentifier {
		return "", fmt.Errorf("%w: nothing usable in %q", ErrInvalidProjectID, id)
	}

	if err := ValidateProjectID(sanitized); err != nil {
		return "", err
	}

	return sanitized, nil
}
