package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Library holds every loaded bundle, keyed by name. It is safe for
// concurrent use.
type Library struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle
	logger  *zap.Logger
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

// WithLibraryLogger sets the logger used for load warnings.
func WithLibraryLogger(logger *zap.Logger) LibraryOption {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLibrary creates an empty Library.
func NewLibrary(opts ...LibraryOption) *Library {
	l := &Library{
		bundles: make(map[string]*Bundle),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add registers b, replacing any bundle with the same name. Invalid
// patterns are logged and skipped.
func (l *Library) Add(b *Bundle) error {
	if b == nil || strings.TrimSpace(b.Name) == "" {
		return errors.New("skill bundle requires a name")
	}
	b.applyDefaults()
	for _, err := range b.Compile() {
		l.logger.Warn("skipping invalid skill pattern", zap.Error(err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bundles[b.Name] = b
	return nil
}

// LoadBuiltin adds the built-in bundles and returns how many were added.
func (l *Library) LoadBuiltin() int {
	n := 0
	for _, b := range Builtin() {
		if err := l.Add(b); err == nil {
			n++
		}
	}
	return n
}

// bundleRecord is the declarative on-disk format. Priority is a pointer so
// an omitted value can take the default.
type bundleRecord struct {
	Name           string   `yaml:"name" json:"name"`
	DisplayName    string   `yaml:"display_name" json:"display_name"`
	Description    string   `yaml:"description" json:"description"`
	Keywords       []string `yaml:"keywords" json:"keywords"`
	Patterns       []string `yaml:"patterns" json:"patterns"`
	Priority       *int     `yaml:"priority" json:"priority"`
	PromptAddition string   `yaml:"prompt_addition" json:"prompt_addition"`
	Version        string   `yaml:"version" json:"version"`
}

// LoadFile parses one bundle record. Files ending in .json are decoded as
// JSON, everything else as YAML.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill file: %w", err)
	}
	var rec bundleRecord
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &rec)
	} else {
		err = yaml.Unmarshal(data, &rec)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse skill file %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(rec.Name) == "" {
		return nil, fmt.Errorf("skill file %s has no name", filepath.Base(path))
	}
	priority := DefaultPriority
	if rec.Priority != nil {
		priority = *rec.Priority
	}
	return &Bundle{
		Name:           strings.TrimSpace(rec.Name),
		DisplayName:    rec.DisplayName,
		Description:    rec.Description,
		Keywords:       rec.Keywords,
		Patterns:       rec.Patterns,
		Priority:       priority,
		PromptAddition: rec.PromptAddition,
		Version:        rec.Version,
	}, nil
}

// LoadDir adds every *.yaml, *.yml, and *.json record in dir, in name
// order. A missing directory loads nothing. Files that fail to parse are
// logged and skipped.
func (l *Library) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read skills directory: %w", err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		b, err := LoadFile(path)
		if err != nil {
			l.logger.Warn("failed to load custom skill", zap.String("file", path), zap.Error(err))
			continue
		}
		if err := l.Add(b); err != nil {
			l.logger.Warn("failed to add custom skill", zap.String("file", path), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Get returns the bundle registered under name.
func (l *Library) Get(name string) (*Bundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[name]
	return b, ok
}

// All returns every bundle sorted by name.
func (l *Library) All() []*Bundle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Bundle, 0, len(l.bundles))
	for _, b := range l.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of loaded bundles.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bundles)
}

// Info summarizes every bundle, flagging those named in active.
func (l *Library) Info(active []string) []Info {
	isActive := make(map[string]bool, len(active))
	for _, n := range active {
		isActive[n] = true
	}
	var out []Info
	for _, b := range l.All() {
		out = append(out, Info{
			Name:            b.Name,
			DisplayName:     b.DisplayName,
			Description:     b.Description,
			Keywords:        b.Keywords,
			Priority:        b.Priority,
			Version:         b.Version,
			CapabilityCount: len(b.Capabilities),
			Active:          isActive[b.Name],
		})
	}
	return out
}
