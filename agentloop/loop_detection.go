package agentloop

import (
	"crypto/sha256"
	"fmt"
)

// invocationSignature identifies an invocation by capability name and a
// hash of its arguments.
func invocationSignature(rec StepRecord) string {
	h := sha256.Sum256([]byte(rec.Arguments.JSON()))
	return fmt.Sprintf("%s:%x", rec.Capability, h[:8])
}

// recentSignatures returns signatures of the last count invocations in
// chronological order. Reasoning-only steps are skipped.
func recentSignatures(trace []StepRecord, count int) []string {
	var sigs []string
	for i := len(trace) - 1; i >= 0 && len(sigs) < count; i-- {
		if trace[i].Capability == "" {
			continue
		}
		sigs = append(sigs, invocationSignature(trace[i]))
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize invocations repeat a
// pattern of length 1, 2, or 3.
func DetectLoop(trace []StepRecord, windowSize int) bool {
	if windowSize < 2 {
		return false
	}
	sigs := recentSignatures(trace, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || windowSize == patternLen {
			continue
		}
		matched := true
		for i := patternLen; i < windowSize && matched; i++ {
			if sigs[i] != sigs[i%patternLen] {
				matched = false
			}
		}
		if matched {
			return true
		}
	}
	return false
}
