package skills

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/martinemde/dmagent/capability"
)

// ActiveSet is the set of bundles active for one session. Activating a
// bundle merges its capabilities into the session registry; deactivating
// restores whatever the bundle's capabilities had replaced.
type ActiveSet struct {
	mu        sync.Mutex
	library   *Library
	registry  *capability.Registry
	maxActive int
	logger    *zap.Logger

	active   []*Bundle
	replaced map[string]*capability.Descriptor // nil entry: name was unregistered before
}

// ActiveSetOption configures an ActiveSet.
type ActiveSetOption func(*ActiveSet)

// WithActiveSetLogger sets the logger.
func WithActiveSetLogger(logger *zap.Logger) ActiveSetOption {
	return func(a *ActiveSet) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewActiveSet creates an empty set over library that contributes
// capabilities to registry.
func NewActiveSet(library *Library, registry *capability.Registry, maxActive int, opts ...ActiveSetOption) *ActiveSet {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	a := &ActiveSet{
		library:   library,
		registry:  registry,
		maxActive: maxActive,
		logger:    zap.NewNop(),
		replaced:  make(map[string]*capability.Descriptor),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Activate replaces the active set with the named bundles. Unknown and
// duplicate names are skipped, and at most maxActive bundles are
// activated. It returns the names actually activated.
func (a *ActiveSet) Activate(names []string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.deactivateLocked()

	seen := map[string]bool{}
	var activated []string
	for _, name := range names {
		if len(a.active) >= a.maxActive {
			break
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		b, ok := a.library.Get(name)
		if !ok {
			a.logger.Warn("cannot activate unknown skill", zap.String("skill", name))
			continue
		}
		if b.OnActivate != nil {
			b.OnActivate()
		}
		for _, d := range b.Capabilities {
			a.mergeLocked(d)
		}
		a.active = append(a.active, b)
		activated = append(activated, b.Name)
	}
	if len(activated) > 0 {
		a.logger.Info("skills activated", zap.Strings("skills", activated))
	}
	return activated
}

func (a *ActiveSet) mergeLocked(d capability.Descriptor) {
	if a.registry == nil {
		return
	}
	if _, tracked := a.replaced[d.Name]; !tracked {
		if prev, err := a.registry.Lookup(d.Name); err == nil {
			a.replaced[d.Name] = &prev
		} else {
			a.replaced[d.Name] = nil
		}
	}
	a.registry.Register(d)
}

// Deactivate clears the active set, calling each bundle's deactivation
// hook and removing its capabilities.
func (a *ActiveSet) Deactivate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deactivateLocked()
}

func (a *ActiveSet) deactivateLocked() {
	for _, b := range a.active {
		if b.OnDeactivate != nil {
			b.OnDeactivate()
		}
	}
	if a.registry != nil {
		for name, prev := range a.replaced {
			if prev == nil {
				a.registry.Unregister(name)
			} else {
				a.registry.Register(*prev)
			}
		}
	}
	a.active = nil
	a.replaced = make(map[string]*capability.Descriptor)
}

// Names returns the active bundle names in activation order.
func (a *ActiveSet) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, len(a.active))
	for i, b := range a.active {
		names[i] = b.Name
	}
	return names
}

// PromptAdditions joins the prompt text of every active bundle under a
// heading per bundle.
func (a *ActiveSet) PromptAdditions() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var parts []string
	for _, b := range a.active {
		if strings.TrimSpace(b.PromptAddition) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Expert skill: %s\n%s", b.DisplayName, b.PromptAddition))
	}
	return strings.Join(parts, "\n\n")
}

// Capabilities returns the descriptors contributed by active bundles.
func (a *ActiveSet) Capabilities() []capability.Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []capability.Descriptor
	for _, b := range a.active {
		out = append(out, b.Capabilities...)
	}
	return out
}
