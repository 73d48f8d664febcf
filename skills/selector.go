package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/dmagent/reasoner"
)

const (
	DefaultMaxActive     = 3
	DefaultMinScore      = 0.05
	DefaultKeywordWeight = 1.0
	DefaultPatternWeight = 1.5
)

// SelectorConfig holds the scoring weights and selection limits.
type SelectorConfig struct {
	MaxActive     int
	MinScore      float64
	KeywordWeight float64
	PatternWeight float64

	// LLMFallback asks Reasoner to pick bundles when none clears MinScore.
	LLMFallback bool
	Reasoner    reasoner.Reasoner
}

// DefaultSelectorConfig returns the standard weights and limits.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MaxActive:     DefaultMaxActive,
		MinScore:      DefaultMinScore,
		KeywordWeight: DefaultKeywordWeight,
		PatternWeight: DefaultPatternWeight,
	}
}

// Scored is a bundle name with its match score.
type Scored struct {
	Name     string
	Score    float64
	priority int
}

// Selector picks bundles for a task.
type Selector struct {
	cfg    SelectorConfig
	logger *zap.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSelectorLogger sets the logger.
func WithSelectorLogger(logger *zap.Logger) SelectorOption {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSelector creates a Selector. Zero weights and a non-positive
// MaxActive take their defaults.
func NewSelector(cfg SelectorConfig, opts ...SelectorOption) *Selector {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.KeywordWeight == 0 {
		cfg.KeywordWeight = DefaultKeywordWeight
	}
	if cfg.PatternWeight == 0 {
		cfg.PatternWeight = DefaultPatternWeight
	}
	s := &Selector{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Selector) Config() SelectorConfig { return s.cfg }

// Score computes keywordFraction*KeywordWeight + patternFraction*PatternWeight.
// Keywords match as case-insensitive substrings; patterns are
// case-insensitive regular expressions.
func (s *Selector) Score(task string, b *Bundle) float64 {
	return s.cfg.KeywordWeight*keywordScore(strings.ToLower(task), b.Keywords) +
		s.cfg.PatternWeight*patternScore(task, b)
}

func keywordScore(taskLower string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(taskLower, strings.ToLower(kw)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// patternScore divides by the declared pattern count, so invalid patterns
// count as misses.
func patternScore(task string, b *Bundle) float64 {
	if len(b.Patterns) == 0 {
		return 0
	}
	hits := 0
	for _, re := range b.regexps() {
		if re.MatchString(task) {
			hits++
		}
	}
	return float64(hits) / float64(len(b.Patterns))
}

// Rank scores every bundle and returns those with a positive score of at
// least MinScore, best first. Ties go to the lower priority value, then
// the name.
func (s *Selector) Rank(task string, bundles []*Bundle) []Scored {
	var out []Scored
	for _, b := range bundles {
		score := s.Score(task, b)
		if score <= 0 || score < s.cfg.MinScore {
			continue
		}
		out = append(out, Scored{Name: b.Name, Score: score, priority: b.Priority})
	}
	sortScored(out)
	return out
}

// Select returns at most MaxActive bundle names for task. When nothing
// clears the threshold and LLM fallback is enabled, the reasoner is asked
// to choose; any failure there yields no selection.
func (s *Selector) Select(ctx context.Context, task string, bundles []*Bundle) []string {
	if strings.TrimSpace(task) == "" || len(bundles) == 0 {
		return nil
	}

	ranked := s.Rank(task, bundles)
	if len(ranked) == 0 && s.cfg.LLMFallback && s.cfg.Reasoner != nil {
		ranked = s.llmSelect(ctx, task, bundles)
	}
	if len(ranked) > s.cfg.MaxActive {
		ranked = ranked[:s.cfg.MaxActive]
	}

	names := make([]string, len(ranked))
	for i, r := range ranked {
		names[i] = r.Name
	}
	return names
}

func (s *Selector) llmSelect(ctx context.Context, task string, bundles []*Bundle) []Scored {
	byName := make(map[string]*Bundle, len(bundles))
	var listing strings.Builder
	for _, b := range bundles {
		byName[b.Name] = b
		fmt.Fprintf(&listing, "- %s: %s\n", b.Name, b.Description)
	}

	prompt := fmt.Sprintf("Pick the skills most relevant to the task below (at most %d).\n"+
		"Reply with skill names only, separated by commas, and nothing else.\n\n"+
		"Task: %s\n\nAvailable skills:\n%s", s.cfg.MaxActive, task, listing.String())
	conv := []reasoner.Message{
		reasoner.SystemMessage("You are a skill selection assistant. Reply only with a list of skill names."),
		reasoner.UserMessage(prompt),
	}

	resp, err := s.cfg.Reasoner.Respond(ctx, conv, reasoner.SamplingParams{}.WithTemperature(0))
	if err != nil {
		s.logger.Debug("skill fallback selection failed", zap.Error(err))
		return nil
	}

	seen := map[string]bool{}
	var out []Scored
	for _, field := range strings.FieldsFunc(resp, func(r rune) bool { return r == ',' || r == '\n' }) {
		name := strings.Trim(strings.TrimSpace(field), "`\"'-* ")
		b, ok := byName[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Scored{Name: name, Score: 1.0, priority: b.Priority})
	}
	sortScored(out)
	return out
}

func sortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if s[i].priority != s[j].priority {
			return s[i].priority < s[j].priority
		}
		return s[i].Name < s[j].Name
	})
}
