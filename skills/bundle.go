// Package skills scores expert bundles against a task, activates the best
// matches, and contributes their prompt text and capabilities to a session.
package skills

import (
	"fmt"
	"regexp"

	"github.com/martinemde/dmagent/capability"
)

// DefaultPriority applies to records that do not set one.
const DefaultPriority = 10

// Bundle is an expert skill: matching rules, prompt text, and optional
// capabilities. Activation never mutates a bundle.
type Bundle struct {
	Name           string   `yaml:"name" json:"name"`
	DisplayName    string   `yaml:"display_name" json:"display_name"`
	Description    string   `yaml:"description" json:"description"`
	Keywords       []string `yaml:"keywords" json:"keywords"`
	Patterns       []string `yaml:"patterns" json:"patterns"`
	Priority       int      `yaml:"priority" json:"priority"` // lower wins ties
	PromptAddition string   `yaml:"prompt_addition" json:"prompt_addition"`
	Version        string   `yaml:"version" json:"version"`

	Capabilities []capability.Descriptor `yaml:"-" json:"-"`
	OnActivate   func()                  `yaml:"-" json:"-"`
	OnDeactivate func()                  `yaml:"-" json:"-"`

	compiled []*regexp.Regexp
	ready    bool
}

// Compile prepares the bundle's patterns for matching. Patterns are
// case-insensitive; invalid ones are skipped and returned as errors.
func (b *Bundle) Compile() []error {
	var errs []error
	b.compiled = b.compiled[:0]
	for _, p := range b.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			errs = append(errs, fmt.Errorf("skill %s: pattern %q: %w", b.Name, p, err))
			continue
		}
		b.compiled = append(b.compiled, re)
	}
	b.ready = true
	return errs
}

func (b *Bundle) regexps() []*regexp.Regexp {
	if !b.ready {
		b.Compile()
	}
	return b.compiled
}

func (b *Bundle) applyDefaults() {
	if b.DisplayName == "" {
		b.DisplayName = b.Name
	}
	if b.Version == "" {
		b.Version = "1.0.0"
	}
}

// Info is a summary of a bundle for listings.
type Info struct {
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name"`
	Description     string   `json:"description"`
	Keywords        []string `json:"keywords"`
	Priority        int      `json:"priority"`
	Version         string   `json:"version"`
	CapabilityCount int      `json:"capability_count"`
	Active          bool     `json:"active"`
}
