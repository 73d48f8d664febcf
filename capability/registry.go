// Package capability holds the registry of named, invocable units the
// orchestration loop dispatches to.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknown is returned (wrapped in *UnknownError) when a name is not
// registered.
var ErrUnknown = errors.New("unknown capability")

// UnknownError reports a lookup of an unregistered capability.
type UnknownError struct {
	Name      string
	Available []string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

func (e *UnknownError) Unwrap() error { return ErrUnknown }

// Capability is anything the loop can invoke. Expected-but-invalid input
// should be reported in the returned text rather than as an error.
type Capability interface {
	Invoke(ctx context.Context, args Args) (string, error)
}

// Func adapts a plain function to the Capability interface.
type Func func(ctx context.Context, args Args) (string, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, args Args) (string, error) {
	return f(ctx, args)
}

// Descriptor pairs a capability with the metadata shown to the reasoner.
// The description should include a readable argument schema.
type Descriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Capability  Capability `json:"-"`
}

// Registry maps capability names to descriptors. It is safe for
// concurrent use.
type Registry struct {
	entries map[string]Descriptor
	mu      sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Descriptor),
	}
}

// Register adds or replaces a descriptor. The last registration wins.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name] = d
}

// RegisterFunc is shorthand for registering a Func.
func (r *Registry) RegisterFunc(name, description string, fn Func) {
	r.Register(Descriptor{Name: name, Description: description, Capability: fn})
}

// Unregister removes a capability from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Lookup returns the descriptor for name. Unknown names yield an
// *UnknownError that matches ErrUnknown.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, &UnknownError{Name: name, Available: r.Names()}
	}
	return d, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Descriptors returns all descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted names of all registered capabilities.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clone returns a copy of the registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewRegistry()
	for name, d := range r.entries {
		clone.entries[name] = d
	}
	return clone
}

// MergeFrom copies all descriptors from other into this registry.
// Existing names are overwritten.
func (r *Registry) MergeFrom(other *Registry) {
	if other == nil || other == r {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range other.entries {
		r.entries[name] = d
	}
}

// Listing renders "- name: description" lines for prompts.
func (r *Registry) Listing() string {
	var b strings.Builder
	for i, d := range r.Descriptors() {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s: %s", d.Name, d.Description)
	}
	return b.String()
}
