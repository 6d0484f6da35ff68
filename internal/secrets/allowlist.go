package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist contains path and content regex patterns excluded from
// secret detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlists loads and merges the project and user allowlists using
// union logic. Missing files are silently skipped. Invalid TOML or regex
// patterns return errors.
//
// projectPath is a directory expected to contain .gitleaks.toml; userPath
// is the full path to a user allowlist file. Either may be empty.
func LoadAllowlists(projectPath, userPath string) (*Allowlist, error) {
	merged := &Allowlist{
		Paths:   []string{},
		Regexes: []string{},
	}

	if projectPath != "" {
		projectFile := filepath.Join(projectPath, ".gitleaks.toml")
		project, err := loadTOML(projectFile)
		switch {
		case err == nil:
			merged.Paths = append(merged.Paths, project.Paths...)
			merged.Regexes = append(merged.Regexes, project.Regexes...)
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if userPath != "" {
		user, err := loadTOML(userPath)
		switch {
		case err == nil:
			merged.Paths = append(merged.Paths, user.Paths...)
			merged.Regexes = append(merged.Regexes, user.Regexes...)
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	return merged, nil
}

// loadTOML loads and validates a single allowlist file. Every pattern is
// compiled here so later detector construction cannot hit a bad regex.
func loadTOML(path string) (*Allowlist, error) {
	var config struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range config.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid path pattern %q in %s: %v",
				ErrInvalidRegex, pattern, path, err)
		}
	}
	for _, pattern := range config.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid content pattern %q in %s: %v",
				ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   config.Allowlist.Paths,
		Regexes: config.Allowlist.Regexes,
	}, nil
}
