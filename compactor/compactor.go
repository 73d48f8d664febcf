// Package compactor shortens long conversations. It keeps system turns and
// the most recent exchanges verbatim and replaces everything in between
// with a digest of key facts pulled out by pattern scanning.
package compactor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/martinemde/dmagent/reasoner"
)

const (
	DefaultCadence   = 5
	DefaultRetention = 3

	// DigestHeader starts every synthetic digest turn.
	DigestHeader = "Conversation digest:"

	maxLinesPerTurn = 2
)

// Config controls when compaction fires and how much is kept.
type Config struct {
	// Cadence is the number of user turns between compactions.
	Cadence int
	// Retention is the number of recent exchanges (user + assistant pairs)
	// kept verbatim.
	Retention int
}

// DefaultConfig returns cadence 5, retention 3.
func DefaultConfig() Config {
	return Config{Cadence: DefaultCadence, Retention: DefaultRetention}
}

// State is the running turn count since the last compaction. Count is the
// number of user turns observed since the last reset; Seen is the number of
// user turns present in the conversation at the last check.
type State struct {
	Count int
	Seen  int
}

// Stats reports the effect of one compaction.
type Stats struct {
	OriginalCount  int     `json:"original_count"`
	CompactedCount int     `json:"compacted_count"`
	Ratio          float64 `json:"ratio"`
	SavedCount     int     `json:"saved_count"`
}

// Compactor holds compaction state for one conversation. It is not safe for
// concurrent use; each orchestrator owns its own.
type Compactor struct {
	cfg   Config
	state State
}

// New creates a Compactor. Non-positive cadence falls back to the default;
// negative retention is treated as zero.
func New(cfg Config) *Compactor {
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultCadence
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	return &Compactor{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Compactor) Config() Config { return c.cfg }

// State returns a snapshot of the running count.
func (c *Compactor) State() State { return c.state }

// Reset zeroes the running count.
func (c *Compactor) Reset() { c.state = State{} }

// ShouldCompact adds the user turns that appeared since the previous call to
// the running count and reports whether the count has reached the cadence.
func (c *Compactor) ShouldCompact(conv []reasoner.Message) bool {
	users := reasoner.CountRole(conv, reasoner.RoleUser)
	if users > c.state.Seen {
		c.state.Count += users - c.state.Seen
	}
	c.state.Seen = users
	return c.state.Count >= c.cfg.Cadence
}

// Compact returns system turns, one digest turn, and the most recent
// 2*Retention non-system turns. When there is nothing between the system
// turns and the recent window the conversation comes back unchanged apart
// from system turns being moved to the front. The running count is reset.
func (c *Compactor) Compact(conv []reasoner.Message) []reasoner.Message {
	if len(conv) == 0 {
		c.state = State{}
		return nil
	}

	var system, rest []reasoner.Message
	for _, m := range conv {
		if m.Role == reasoner.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	keep := 2 * c.cfg.Retention
	var middle, recent []reasoner.Message
	if len(rest) > keep {
		middle = rest[:len(rest)-keep]
		recent = rest[len(rest)-keep:]
	} else {
		recent = rest
	}

	out := make([]reasoner.Message, 0, len(system)+1+len(recent))
	out = append(out, system...)
	if len(middle) > 0 {
		out = append(out, reasoner.UserMessage(DigestHeader+"\n"+Digest(middle)))
	}
	out = append(out, recent...)

	c.state = State{Count: 0, Seen: reasoner.CountRole(out, reasoner.RoleUser)}
	return out
}

// ComputeStats reports counts before and after compaction. Ratio is
// compacted/original, or 0 for an empty original.
func ComputeStats(original, compacted []reasoner.Message) Stats {
	s := Stats{
		OriginalCount:  len(original),
		CompactedCount: len(compacted),
		SavedCount:     len(original) - len(compacted),
	}
	if s.OriginalCount > 0 {
		s.Ratio = float64(s.CompactedCount) / float64(s.OriginalCount)
	}
	return s
}

var (
	filePattern = regexp.MustCompile(
		`(?i)(?:path|file|read|create|edit|文件|读取|创建|编辑)"?\s*[:：]\s*"?([^\s,，;；"'}\]]+\.[a-zA-Z0-9]+)`)
	capabilityPattern = regexp.MustCompile(`(?:Executed capability|执行工具)\s+(\w+)`)

	errorKeywords      = []string{"error", "Error", "ERROR", "failed", "Failed", "exception", "Exception", "错误", "失败", "异常"}
	completionKeywords = []string{"complete", "Complete", "success", "Success", "succeeded", "完成", "成功"}

	carriedFiles        = "Files: "
	carriedCapabilities = "Capabilities used: "
	errorsLabel         = "Errors encountered:"
	completedLabel      = "Completed actions:"

	sectionLabels = map[string]bool{errorsLabel: true, completedLabel: true}
)

// Digest extracts files, capabilities, errors, and completed actions from
// turns and renders them as labelled sections. Empty sections are omitted.
// Facts from an earlier digest turn are carried forward.
func Digest(turns []reasoner.Message) string {
	files := map[string]bool{}
	caps := map[string]bool{}
	var errs, done []string

	for _, m := range turns {
		content := m.Content
		if strings.HasPrefix(content, DigestHeader) {
			carryForward(content, files, caps)
		}
		for _, match := range filePattern.FindAllStringSubmatch(content, -1) {
			files[match[1]] = true
		}
		for _, match := range capabilityPattern.FindAllStringSubmatch(content, -1) {
			caps[match[1]] = true
		}
		errs = append(errs, matchingLines(content, errorKeywords)...)
		done = append(done, matchingLines(content, completionKeywords)...)
	}

	var sections []string
	if len(files) > 0 {
		sections = append(sections, carriedFiles+strings.Join(sortedKeys(files), ", "))
	}
	if len(caps) > 0 {
		sections = append(sections, carriedCapabilities+strings.Join(sortedKeys(caps), ", "))
	}
	if len(errs) > 0 {
		sections = append(sections, errorsLabel+"\n"+strings.Join(errs, "\n"))
	}
	if len(done) > 0 {
		sections = append(sections, completedLabel+"\n"+strings.Join(done, "\n"))
	}
	if len(sections) == 0 {
		return fmt.Sprintf("%d earlier turns about the current task; no key facts extracted.", len(turns))
	}
	return strings.Join(sections, "\n\n")
}

func carryForward(digest string, files, caps map[string]bool) {
	for _, line := range strings.Split(digest, "\n") {
		switch {
		case strings.HasPrefix(line, carriedFiles):
			for _, f := range strings.Split(strings.TrimPrefix(line, carriedFiles), ", ") {
				if f != "" {
					files[f] = true
				}
			}
		case strings.HasPrefix(line, carriedCapabilities):
			for _, c := range strings.Split(strings.TrimPrefix(line, carriedCapabilities), ", ") {
				if c != "" {
					caps[c] = true
				}
			}
		}
	}
}

// matchingLines returns at most maxLinesPerTurn trimmed lines containing
// any keyword.
func matchingLines(content string, keywords []string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if len(out) >= maxLinesPerTurn {
			break
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || sectionLabels[trimmed] || strings.HasPrefix(trimmed, DigestHeader) {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(trimmed, kw) {
				out = append(out, trimmed)
				break
			}
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
