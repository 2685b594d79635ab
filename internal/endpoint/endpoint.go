package endpoint

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// RetryCount bounds how many times Resolve asks a resolver for a fresh address.
const RetryCount = 10

var ErrNoEndpoints = errors.New("no endpoints configured")

// Resolver hands out server base URLs.
type Resolver interface {
	Endpoint() (string, error)
	Count() int
}

// Static always returns the same URL.
type Static string

func (s Static) Endpoint() (string, error) {
	if s == "" {
		return "", ErrNoEndpoints
	}
	return string(s), nil
}

func (s Static) Count() int {
	if s == "" {
		return 0
	}
	return 1
}

// RoundRobin cycles over a fixed list of URLs.
type RoundRobin struct {
	mu   sync.Mutex
	urls []string
	next int
}

func NewRoundRobin(urls ...string) *RoundRobin {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return &RoundRobin{urls: out}
}

func (r *RoundRobin) Endpoint() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.urls) == 0 {
		return "", ErrNoEndpoints
	}
	u := r.urls[r.next]
	r.next = (r.next + 1) % len(r.urls)
	return u, nil
}

func (r *RoundRobin) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

// Picker remembers the last address it returned so that consecutive calls
// move to a different server whenever more than one is available.
type Picker struct {
	mu       sync.Mutex
	resolver Resolver
	last     string
}

func NewPicker(r Resolver) *Picker {
	return &Picker{resolver: r}
}

// Resolve returns a normalized base URL (scheme included, no trailing slash).
func (p *Picker) Resolve() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < RetryCount; i++ {
		u, err := p.resolver.Endpoint()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(u) == "" {
			return "", errors.New("resolver returned an empty endpoint")
		}
		if u != p.last || p.resolver.Count() < 2 {
			p.last = u
			return Normalize(u), nil
		}
	}
	return "", fmt.Errorf("failed to get endpoint address after trying %d times", RetryCount)
}

// Parse builds a resolver from a flag value: one URL or a comma separated list.
func Parse(value string) Resolver {
	parts := strings.Split(value, ",")
	if len(parts) == 1 {
		return Static(strings.TrimSpace(parts[0]))
	}
	return NewRoundRobin(parts...)
}

// Normalize adds the http scheme when missing and strips a trailing slash.
func Normalize(u string) string {
	u = strings.TrimSpace(u)
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}
