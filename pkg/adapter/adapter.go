// Package adapter defines the contract between the pipeline and the systems
// it ingests from. An Adapter fetches one page of raw items per call and
// reports the cursor the next call should resume from; it never writes
// storage and never advances checkpoints itself.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/feedspine/feedspine/pkg/feed"
)

// ErrUnknownAdapter is returned when opening an adapter type that was never
// registered.
var ErrUnknownAdapter = errors.New("unknown adapter type")

// FetchResult is one page of raw items plus the cursor state that makes the
// page durable. Checkpoint is only persisted by the caller after every item
// on the page has been reconciled.
type FetchResult struct {
	Items      []feed.RawItem
	Checkpoint feed.Checkpoint
	HasMore    bool
}

// Adapter fetches pages from one configured source. Fetch is atomic: on error
// no partial page is returned and the caller must not advance the checkpoint.
// A nil checkpoint means the source has never been fetched.
type Adapter interface {
	Fetch(ctx context.Context, cp *feed.Checkpoint) (*FetchResult, error)
}

// Config is the per-source slice of configuration an adapter factory needs.
type Config struct {
	SourceID   string
	URL        string
	PageSize   int
	Properties map[string]string
}

// Factory builds an Adapter for one source. The shared Client carries the
// rate limiter and timeout policy.
type Factory func(cfg Config, client *Client) (Adapter, error)

// Registry maps adapter type names to factories. Registration is explicit at
// startup; there is no package-level default registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory under the given type name, replacing any previous
// registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open builds an adapter of the given type for the given source config.
func (r *Registry) Open(name string, cfg Config, client *Client) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return f(cfg, client)
}

// Names returns the registered adapter type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
