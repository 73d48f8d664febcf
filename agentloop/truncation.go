package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/dmagent/tools"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"

	defaultCharLimit = 20000
)

// DefaultCharLimits bounds the observation text sent back to the reasoner
// per capability. The trace keeps the full text.
var DefaultCharLimits = map[string]int{
	tools.ReadFile:      50000,
	tools.RunShell:      30000,
	tools.RunPython:     30000,
	tools.RunTests:      30000,
	tools.RunLinter:     30000,
	tools.SearchInFile:  20000,
	tools.ListDirectory: 20000,
	tools.EditFile:      5000,
	tools.CreateFile:    1000,
}

// DefaultTruncationModes picks head/tail or tail-only truncation per
// capability; anything unlisted uses head/tail.
var DefaultTruncationModes = map[string]TruncationMode{
	tools.SearchInFile:  TruncateTail,
	tools.ListDirectory: TruncateTail,
	tools.EditFile:      TruncateTail,
	tools.CreateFile:    TruncateTail,
}

// DefaultLineLimits is applied after character truncation.
var DefaultLineLimits = map[string]int{
	tools.RunShell:      256,
	tools.RunPython:     256,
	tools.RunTests:      256,
	tools.RunLinter:     256,
	tools.SearchInFile:  300,
	tools.ListDirectory: 500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: output truncated. The first %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: output truncated. %d characters were removed from the middle. "+
			"Invoke the capability again with narrower arguments to see a specific part.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateObservation applies character truncation then line truncation
// for the named capability. Entries in charLimits and lineLimits override
// the defaults.
func TruncateObservation(output, name string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[name]
	if !ok {
		if maxChars, ok = DefaultCharLimits[name]; !ok {
			maxChars = defaultCharLimit
		}
	}
	mode, ok := DefaultTruncationModes[name]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[name]
	if !ok {
		maxLines = DefaultLineLimits[name]
	}
	return TruncateLines(result, maxLines)
}
