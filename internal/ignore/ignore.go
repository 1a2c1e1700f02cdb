// Package ignore decides which device paths a pull must leave untouched.
//
// Rules are normalized paths. A rule in file form ("/main.py") excludes that
// exact path; a rule in directory form ("/secrets/") excludes everything
// below it. Optionally every path with a segment starting with "." is
// excluded, and a gitignore-style pattern file can add further exclusions.
package ignore

import (
	"fmt"
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/schaermu/ugit/internal/paths"
)

// Set is an immutable, precomputed collection of ignore rules.
type Set struct {
	rules    []string
	dotFiles bool
	lines    []string
	patterns *gitignore.GitIgnore
}

// Option configures a Set.
type Option func(*Set) error

// WithPatterns adds gitignore-style patterns.
func WithPatterns(lines ...string) Option {
	return func(s *Set) error {
		s.lines = append(s.lines, lines...)
		return nil
	}
}

// WithPatternFile adds the gitignore-style patterns found in file.
func WithPatternFile(file string) Option {
	return func(s *Set) error {
		if file == "" {
			return nil
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read ignore file %s: %w", file, err)
		}
		s.lines = append(s.lines, strings.Split(string(data), "\n")...)
		return nil
	}
}

// New builds a Set. self is always the first rule so the running program
// never overwrites or deletes itself; it is skipped when empty.
func New(self string, rules []string, dotFiles bool, opts ...Option) (*Set, error) {
	s := &Set{
		rules:    make([]string, 0, len(rules)+1),
		dotFiles: dotFiles,
	}
	if self != "" {
		s.rules = append(s.rules, paths.NormalizeAs(self, false))
	}
	for _, r := range rules {
		s.rules = append(s.rules, paths.Normalize(r))
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.lines) > 0 {
		s.patterns = gitignore.CompileIgnoreLines(s.lines...)
	}
	return s, nil
}

// Rules returns the normalized rules in order.
func (s *Set) Rules() []string {
	out := make([]string, len(s.rules))
	copy(out, s.rules)
	return out
}

// Ignored reports whether path must be skipped.
func (s *Set) Ignored(path string) bool {
	if IsIgnored(s.rules, path, s.dotFiles) {
		return true
	}
	if s.patterns != nil {
		return s.patterns.MatchesPath(strings.TrimPrefix(path, "/"))
	}
	return false
}

// IsIgnored applies normalized rules to a normalized path.
func IsIgnored(rules []string, path string, dotFiles bool) bool {
	for _, r := range rules {
		if r == path {
			return true
		}
	}

	for _, r := range rules {
		if strings.HasSuffix(r, "/") && strings.HasPrefix(path, r) {
			return true
		}
	}

	if dotFiles {
		for _, part := range strings.Split(path, "/") {
			if strings.HasPrefix(part, ".") {
				return true
			}
		}
	}

	return false
}
