// Package filter decides which calls netwatch observes and which pages it
// instruments.
package filter

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Config holds include/exclude patterns and an optional response expression.
type Config struct {
	IncludeHosts []string `yaml:"includeHosts,omitempty" json:"includeHosts,omitempty"` // Observe only these hosts (empty = all)
	ExcludeHosts []string `yaml:"excludeHosts,omitempty" json:"excludeHosts,omitempty"` // Never observe these hosts
	IncludePaths []string `yaml:"includePaths,omitempty" json:"includePaths,omitempty"` // Observe only matching paths (empty = all)
	ExcludePaths []string `yaml:"excludePaths,omitempty" json:"excludePaths,omitempty"` // Never observe matching paths

	// When is an expr-lang boolean expression evaluated against responses,
	// e.g. `status >= 400 || contentType contains "json"`.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// Subject is the data a filter decision is made on.
type Subject struct {
	Method      string `expr:"method"`
	URL         string `expr:"url"`
	Host        string `expr:"host"`
	Path        string `expr:"path"`
	Status      int    `expr:"status"`
	ContentType string `expr:"contentType"`
}

// NewSubject fills Host and Path from rawURL. Relative URLs keep an empty host.
func NewSubject(method, rawURL string) Subject {
	s := Subject{Method: method, URL: rawURL}
	if u, err := url.Parse(rawURL); err == nil {
		s.Host = u.Host
		s.Path = u.Path
	}
	if s.Path == "" {
		s.Path = "/"
	}
	return s
}

// Filter is a compiled Config. The zero value and a nil *Filter match everything.
type Filter struct {
	cfg  Config
	when *vm.Program
}

// New validates the glob patterns and compiles the expression.
func New(cfg Config) (*Filter, error) {
	for _, group := range [][]string{cfg.IncludeHosts, cfg.ExcludeHosts, cfg.IncludePaths, cfg.ExcludePaths} {
		for _, p := range group {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("invalid glob pattern %q", p)
			}
		}
	}

	f := &Filter{cfg: cfg}
	if strings.TrimSpace(cfg.When) != "" {
		prog, err := expr.Compile(cfg.When, expr.Env(Subject{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
		f.when = prog
	}
	return f, nil
}

// MustNew is New for static configurations; it panics on error.
func MustNew(cfg Config) *Filter {
	f, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// Config returns the configuration the filter was built from.
func (f *Filter) Config() Config {
	if f == nil {
		return Config{}
	}
	return f.cfg
}

// AllowRequest applies the host and path patterns.
// Precedence:
// 1. If matches ANY exclude pattern → not observed
// 2. If include patterns exist AND matches NONE → not observed
// 3. Otherwise → observed
func (f *Filter) AllowRequest(s Subject) bool {
	if f == nil {
		return true
	}
	host := normalizeHost(s.Host)

	for _, pattern := range f.cfg.ExcludeHosts {
		if matchHost(pattern, host) {
			return false
		}
	}
	for _, pattern := range f.cfg.ExcludePaths {
		if matchPath(pattern, s.Path) {
			return false
		}
	}

	if len(f.cfg.IncludeHosts) > 0 && !anyMatch(f.cfg.IncludeHosts, host, matchHost) {
		return false
	}
	if len(f.cfg.IncludePaths) > 0 && !anyMatch(f.cfg.IncludePaths, s.Path, matchPath) {
		return false
	}
	return true
}

// AllowResponse applies the patterns and then the When expression. An
// expression that fails at runtime counts as a non-match.
func (f *Filter) AllowResponse(s Subject) bool {
	if !f.AllowRequest(s) {
		return false
	}
	if f.when == nil {
		return true
	}
	out, err := expr.Run(f.when, s)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func anyMatch(patterns []string, s string, match func(string, string) bool) bool {
	for _, p := range patterns {
		if match(p, s) {
			return true
		}
	}
	return false
}

// matchHost is case-insensitive; a host without a dot-separated match for
// the pattern simply does not match.
func matchHost(pattern, host string) bool {
	ok, _ := doublestar.Match(strings.ToLower(pattern), host)
	return ok
}

// matchPath is case-sensitive. "*" stays within one segment, "**" spans segments.
func matchPath(pattern, path string) bool {
	ok, _ := doublestar.Match(pattern, path)
	return ok
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
