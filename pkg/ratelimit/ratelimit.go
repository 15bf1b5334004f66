// Package ratelimit admits at most one request per client identity within a
// fixed window.
//
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// UnknownIdentity is the shared identity of every client that did not declare
// a host.
//
const UnknownIdentity = "unknown"

const (
	DefaultWindow     = time.Second
	DefaultMaxClients = 1024
)

// Limiter remembers when each client identity was last admitted.
//
// The table is bounded: once more than maxClients identities have been seen,
// the least recently admitted one is forgotten (and will be admitted right
// away on its next request).
//
type Limiter struct {
	window time.Duration

	mu       sync.Mutex
	lastSeen *lru.Cache[string, time.Time]
}

type Option func(l *limiterOpts)

type limiterOpts struct {
	window     time.Duration
	maxClients int
}

// WithWindow overrides the default one second window.
//
func WithWindow(v time.Duration) Option {
	return func(o *limiterOpts) {
		o.window = v
	}
}

// WithMaxClients bounds the number of identities tracked.
//
func WithMaxClients(v int) Option {
	return func(o *limiterOpts) {
		o.maxClients = v
	}
}

func New(opts ...Option) (*Limiter, error) {
	o := &limiterOpts{
		window:     DefaultWindow,
		maxClients: DefaultMaxClients,
	}

	for _, opt := range opts {
		opt(o)
	}

	cache, err := lru.New[string, time.Time](o.maxClients)
	if err != nil {
		return nil, fmt.Errorf("lru new: %w", err)
	}

	return &Limiter{
		window:   o.window,
		lastSeen: cache,
	}, nil
}

// Admit reports whether a request from identity at now may proceed, recording
// now as the last accepted time when it does. A denied request leaves the
// recorded time untouched.
//
func (l *Limiter) Admit(identity string, now time.Time) bool {
	if identity == "" {
		identity = UnknownIdentity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, found := l.lastSeen.Peek(identity); found && now.Sub(last) < l.window {
		return false
	}

	l.lastSeen.Add(identity, now)

	return true
}

// Len is the number of identities currently tracked.
//
func (l *Limiter) Len() int {
	return l.lastSeen.Len()
}
