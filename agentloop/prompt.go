package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/dmagent/planner"
	"github.com/martinemde/dmagent/tools"
)

const maxProjectDocBytes = 32 * 1024

// projectDocFiles are instruction files picked up from the project tree.
var projectDocFiles = []string{"AGENTS.md", "DMAGENT.md"}

const responseFormat = `# Response format

Respond with exactly one JSON object and nothing else:
{"reasoning": "your reasoning about the next step", "capability": "capability name", "arguments": {"key": "value"}}

- "arguments" must be a JSON object matching the capability's description.
- Invoke one capability per response, then wait for its observation.
- When the task is done, invoke task_complete with {"message": "summary of the result"}.
- To answer directly without a capability, use {"reasoning": "...", "capability": "finish", "arguments": {"answer": "final answer"}}.`

// PromptParts are the inputs to the system prompt.
type PromptParts struct {
	Capabilities     string
	SkillAdditions   string
	Environment      string
	ProjectDocs      string
	UserInstructions string
}

// BuildSystemPrompt assembles the system turn. Empty parts are omitted.
func BuildSystemPrompt(p PromptParts) string {
	sections := []string{
		"You are a capable software engineering agent. You work on the user's task step by step: " +
			"decide on the next action, invoke a capability, read its observation, and repeat until the task is done.",
		"# Capabilities\n\n" + p.Capabilities,
		responseFormat,
	}
	if p.Environment != "" {
		sections = append(sections, p.Environment)
	}
	if p.SkillAdditions != "" {
		sections = append(sections, p.SkillAdditions)
	}
	if p.ProjectDocs != "" {
		sections = append(sections, "# Project instructions\n\n"+p.ProjectDocs)
	}
	if p.UserInstructions != "" {
		sections = append(sections, "# User instructions\n\n"+p.UserInstructions)
	}
	return strings.Join(sections, "\n\n")
}

// BuildTaskPrompt renders the first user turn of a task.
func BuildTaskPrompt(task string, plan planner.Plan) string {
	lines := []string{"Task: " + strings.TrimSpace(task)}
	if len(plan) > 0 {
		lines = append(lines, "", "Plan:")
		for _, s := range plan {
			status := "○"
			if s.Completed {
				status = "✓"
			}
			lines = append(lines, fmt.Sprintf("%s Step %d: %s - %s", status, s.Number, s.Capability, s.Rationale))
		}
	}
	lines = append(lines, "",
		`Respond with a JSON object: {"reasoning": string, "capability": string, "arguments": object}.`)
	return strings.Join(lines, "\n")
}

// observationTurn renders an invocation and its observation as a user turn.
func observationTurn(name, argsJSON, observation string) string {
	return fmt.Sprintf("Executed capability %s with arguments %s\nObservation: %s", name, argsJSON, observation)
}

// BuildEnvironmentContext describes the environment the capabilities
// operate in.
func BuildEnvironmentContext(env tools.Environment, model string) string {
	workingDir := env.WorkingDirectory()

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	isRepo := isGitRepository(workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isRepo)
	if isRepo {
		if branch := gitBranch(workingDir); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads instruction files from the git root (or the
// working directory) down to the working directory, capped at 32KB.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workingDir) {
		for _, name := range projectDocFiles {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("## %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns directories from root down to target, inclusive.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	return gitOutput(dir, "rev-parse", "--is-inside-work-tree") == "true"
}

func gitRoot(dir string) string {
	return gitOutput(dir, "rev-parse", "--show-toplevel")
}

func gitBranch(dir string) string {
	return gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
