package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// ExecResult holds the result of a shell command.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// DirEntry is one entry of a directory listing. Name is relative to the
// listed directory and uses forward slashes.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Environment abstracts where built-in capabilities touch the filesystem
// and run commands.
type Environment interface {
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
	Stat(path string) (fs.FileInfo, error)
	ListDirectory(path string, recursive bool) ([]DirEntry, error)
	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	WorkingDirectory() string
	Platform() string
}

// sensitiveEnvSuffixes mark variables that are not passed to shell commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var alwaysPassedEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "VIRTUAL_ENV": true, "PYENV_ROOT": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// commandEnvironment returns os.Environ without credentials.
func commandEnvironment() []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if alwaysPassedEnv[name] || !isSensitiveEnvVar(name) {
			out = append(out, kv)
		}
	}
	return out
}

// LocalEnvironment runs capabilities on the local machine. Relative paths
// resolve against the working directory.
type LocalEnvironment struct {
	workingDir string
	shell      []string
}

// NewLocalEnvironment creates a local environment rooted at workingDir, or
// the process working directory when empty.
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	shell := []string{"/bin/sh", "-c"}
	if runtime.GOOS == "windows" {
		shell = []string{"cmd.exe", "/c"}
	}
	return &LocalEnvironment{workingDir: workingDir, shell: shell}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnvironment) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path string, content string) error {
	resolved := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalEnvironment) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(e.resolve(path))
}

func (e *LocalEnvironment) ListDirectory(path string, recursive bool) ([]DirEntry, error) {
	root := e.resolve(path)
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		out := make([]DirEntry, 0, len(entries))
		for _, entry := range entries {
			out = append(out, dirEntry(entry.Name(), entry))
		}
		return out, nil
	}

	var out []DirEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, dirEntry(filepath.ToSlash(rel), d))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func dirEntry(name string, d fs.DirEntry) DirEntry {
	de := DirEntry{Name: name, IsDir: d.IsDir()}
	if !de.IsDir {
		if info, err := d.Info(); err == nil {
			de.Size = info.Size()
		}
	}
	return de
}

func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.shell[0], append(e.shell[1:], command)...)
	cmd.Dir = e.workingDir
	cmd.Env = commandEnvironment()
	configureKill(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}
	return result, nil
}
