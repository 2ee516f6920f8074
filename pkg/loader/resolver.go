package loader

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnavailable means the environment that resolves payload URLs is gone
// or not ready. Loaders treat it as "do nothing".
var ErrUnavailable = errors.New("resource resolution unavailable")

// Resolver turns a resource name into a loadable URL.
type Resolver interface {
	ResolveURL(name string) (string, error)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(name string) (string, error)

// ResolveURL implements Resolver.
func (f ResolverFunc) ResolveURL(name string) (string, error) { return f(name) }

// StaticResolver resolves names against a fixed base, which may be an
// absolute URL ("http://127.0.0.1:8080/") or a path ("/__netwatch/").
type StaticResolver struct {
	Base string
}

// ResolveURL implements Resolver.
func (s StaticResolver) ResolveURL(name string) (string, error) {
	if s.Base == "" {
		return "", ErrUnavailable
	}
	if name == "" {
		return "", fmt.Errorf("empty resource name")
	}
	base, err := url.Parse(s.Base)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref, err := url.Parse(strings.TrimPrefix(name, "/"))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
