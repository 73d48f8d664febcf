package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dmagent/planner"
	"github.com/martinemde/dmagent/tools"
)

func TestBuildSystemPrompt(t *testing.T) {
	prompt := BuildSystemPrompt(PromptParts{
		Capabilities:     "- read_file: Read a file",
		SkillAdditions:   "## Expert skill: Go\nUse gofmt.",
		UserInstructions: "Answer tersely.",
	})

	assert.Contains(t, prompt, "# Capabilities\n\n- read_file: Read a file")
	assert.Contains(t, prompt, "# Response format")
	assert.Contains(t, prompt, "Use gofmt.")
	assert.True(t, strings.HasSuffix(prompt, "# User instructions\n\nAnswer tersely."))
	assert.NotContains(t, prompt, "# Project instructions")
}

func TestBuildTaskPrompt(t *testing.T) {
	plan := planner.Plan{
		{Number: 1, Capability: "read_file", Rationale: "inspect", Completed: true},
		{Number: 2, Capability: "task_complete", Rationale: "report"},
	}
	prompt := BuildTaskPrompt("  fix the bug \n", plan)

	assert.True(t, strings.HasPrefix(prompt, "Task: fix the bug\n\nPlan:\n"))
	assert.Contains(t, prompt, "✓ Step 1: read_file - inspect\n○ Step 2: task_complete - report")

	assert.NotContains(t, BuildTaskPrompt("fix", nil), "Plan:")
}

func TestObservationTurn(t *testing.T) {
	assert.Equal(t,
		"Executed capability read_file with arguments {\"path\":\"a\"}\nObservation: hello",
		observationTurn("read_file", `{"path":"a"}`, "hello"))
}

func TestBuildEnvironmentContext(t *testing.T) {
	dir := t.TempDir()
	ctx := BuildEnvironmentContext(tools.NewLocalEnvironment(dir), "test-model")

	assert.Contains(t, ctx, "Working directory: "+dir)
	assert.Contains(t, ctx, "Model: test-model")
	assert.True(t, strings.HasPrefix(ctx, "<environment>"))
	assert.True(t, strings.HasSuffix(ctx, "</environment>"))
}

func TestDiscoverProjectDocs(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "AGENTS.md"), []byte("root rules"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "DMAGENT.md"), []byte("pkg rules"), 0o644))

	assert.Equal(t, "## AGENTS.md (from "+root+")\n\nroot rules", DiscoverProjectDocs(root))

	empty := t.TempDir()
	assert.Empty(t, DiscoverProjectDocs(empty))
}

func TestPathHierarchy(t *testing.T) {
	root := filepath.FromSlash("/repo")
	assert.Equal(t, []string{root}, pathHierarchy(root, root))
	assert.Equal(t,
		[]string{root, filepath.Join(root, "a"), filepath.Join(root, "a", "b")},
		pathHierarchy(root, filepath.Join(root, "a", "b")))
	assert.Equal(t, []string{root}, pathHierarchy(root, filepath.FromSlash("/elsewhere")))
}
