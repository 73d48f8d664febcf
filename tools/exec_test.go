package tools

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dmagent/capability"
)

// recordingEnv captures commands instead of running them.
type recordingEnv struct {
	*LocalEnvironment
	commands []string
	result   ExecResult
}

func (e *recordingEnv) ExecCommand(_ context.Context, command string, _ time.Duration) (*ExecResult, error) {
	e.commands = append(e.commands, command)
	r := e.result
	return &r, nil
}

func newRecordingRegistry(t *testing.T) (*capability.Registry, *recordingEnv, string) {
	t.Helper()
	dir := t.TempDir()
	env := &recordingEnv{LocalEnvironment: NewLocalEnvironment(dir)}
	reg := capability.NewRegistry()
	Register(reg, env, WithPython("py"))
	return reg, env, dir
}

func TestRunPythonCommands(t *testing.T) {
	reg, env, dir := newRecordingRegistry(t)
	writeFile(t, dir, "script.py", "print(1)\n")

	tests := []struct {
		name string
		args capability.Args
		want string
	}{
		{"code", capability.Args{"code": "print('hi')"}, `py -u -c 'print('\''hi'\'')'`},
		{"code wins over path", capability.Args{"code": "x=1", "path": "script.py"}, `py -u -c 'x=1'`},
		{"path", capability.Args{"path": "script.py"}, "py -u script.py"},
		{"string args left to the shell", capability.Args{"path": "script.py", "args": "--n 3 'a b'"}, "py -u script.py --n 3 'a b'"},
		{"list args quoted", capability.Args{"path": "script.py", "args": []any{"--name", "a b"}}, "py -u script.py --name 'a b'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.commands = nil
			got, err := invoke(t, reg, RunPython, tt.args)
			require.NoError(t, err)
			assert.Equal(t, "returncode: 0", got)
			require.Len(t, env.commands, 1)
			assert.Equal(t, tt.want, env.commands[0])
		})
	}
}

func TestRunPythonRejectsBadArguments(t *testing.T) {
	reg, env, _ := newRecordingRegistry(t)

	_, err := invoke(t, reg, RunPython, capability.Args{})
	assert.ErrorContains(t, err, "requires")
	_, err = invoke(t, reg, RunPython, capability.Args{"code": "  "})
	assert.ErrorContains(t, err, "requires")
	_, err = invoke(t, reg, RunPython, capability.Args{"path": "x.py", "args": 3})
	assert.ErrorContains(t, err, "list of strings")
	assert.Empty(t, env.commands)
}

func TestRunPythonExecutes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	reg, _ := newTestRegistry(t)

	got, err := invoke(t, reg, RunPython, capability.Args{"code": "import sys\nprint('out')\nsys.exit(2)"})
	require.NoError(t, err)
	assert.Equal(t, "out\nreturncode: 2", got)
}

func TestRunTestsCommands(t *testing.T) {
	reg, env, dir := newRecordingRegistry(t)
	writeFile(t, dir, "pkg/a_test.go", "package pkg\n")
	writeFile(t, dir, "tests/test_x.py", "")

	tests := []struct {
		name string
		args capability.Args
		want string
	}{
		{"default", capability.Args{}, "go test ./..."},
		{"go directory verbose", capability.Args{"test_path": "pkg", "verbose": true}, "go test -v ./pkg/..."},
		{"go file", capability.Args{"test_path": "pkg/a_test.go"}, "go test ./pkg"},
		{"pytest", capability.Args{"test_path": "tests", "framework": "pytest", "verbose": true}, "py -m pytest -v tests"},
		{"unittest directory", capability.Args{"test_path": "tests", "framework": "unittest"}, "py -m unittest discover -s tests"},
		{"unittest file", capability.Args{"test_path": "tests/test_x.py", "framework": "unittest"}, "py -m unittest tests.test_x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.commands = nil
			_, err := invoke(t, reg, RunTests, tt.args)
			require.NoError(t, err)
			require.Len(t, env.commands, 1)
			assert.Equal(t, tt.want, env.commands[0])
		})
	}
}

func TestRunTestsErrors(t *testing.T) {
	reg, env, _ := newRecordingRegistry(t)

	got, err := invoke(t, reg, RunTests, capability.Args{"test_path": "missing"})
	require.NoError(t, err)
	assert.Equal(t, "Test path missing does not exist.", got)

	_, err = invoke(t, reg, RunTests, capability.Args{"framework": "jest"})
	assert.ErrorContains(t, err, "must be one of go, pytest, unittest")

	_, err = invoke(t, reg, RunTests, capability.Args{"verbose": "yes"})
	assert.ErrorContains(t, err, "boolean")
	assert.Empty(t, env.commands)
}

func TestRunLinterCommands(t *testing.T) {
	reg, env, dir := newRecordingRegistry(t)
	writeFile(t, dir, "cmd/main.go", "package main\n")
	writeFile(t, dir, "app.py", "")

	tests := []struct {
		name string
		args capability.Args
		want string
	}{
		{"default vet", capability.Args{"path": "cmd"}, "go vet ./cmd/..."},
		{"vet file", capability.Args{"path": "cmd/main.go", "tool": "vet"}, "go vet ./cmd"},
		{"gofmt", capability.Args{"path": "cmd/main.go", "tool": "gofmt"}, "gofmt -l cmd/main.go"},
		{"staticcheck", capability.Args{"path": ".", "tool": "staticcheck"}, "staticcheck ./..."},
		{"golangci-lint", capability.Args{"path": "cmd", "tool": "golangci-lint"}, "golangci-lint run ./cmd/..."},
		{"flake8", capability.Args{"path": "app.py", "tool": "flake8"}, "py -m flake8 app.py"},
		{"black checks only", capability.Args{"path": "app.py", "tool": "black"}, "py -m black --check app.py"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.commands = nil
			got, err := invoke(t, reg, RunLinter, tt.args)
			require.NoError(t, err)
			require.Len(t, env.commands, 1)
			assert.Equal(t, tt.want, env.commands[0])
			assert.Contains(t, got, "found no issues")
		})
	}
}

func TestRunLinterReportsFindings(t *testing.T) {
	reg, env, dir := newRecordingRegistry(t)
	writeFile(t, dir, "main.go", "package main\n")
	env.result = ExecResult{Stdout: "main.go\n", ExitCode: 0}

	got, err := invoke(t, reg, RunLinter, capability.Args{"path": "main.go", "tool": "gofmt"})
	require.NoError(t, err)
	assert.Equal(t, "main.go\nreturncode: 0", got)

	env.result = ExecResult{Stderr: "vet: bad printf\n", ExitCode: 1}
	got, err = invoke(t, reg, RunLinter, capability.Args{"path": "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "stderr:\nvet: bad printf\nreturncode: 1", got)

	got, err = invoke(t, reg, RunLinter, capability.Args{"path": "gone"})
	require.NoError(t, err)
	assert.Equal(t, "Path gone does not exist.", got)

	_, err = invoke(t, reg, RunLinter, capability.Args{"path": "main.go", "tool": "eslint"})
	assert.ErrorContains(t, err, "must be one of")
}

func TestGoPattern(t *testing.T) {
	tests := []struct {
		path  string
		isDir bool
		want  string
	}{
		{".", true, "./..."},
		{"pkg", true, "./pkg/..."},
		{"pkg/sub/", true, "./pkg/sub/..."},
		{"main.go", false, "."},
		{"pkg/a.go", false, "./pkg"},
		{"../other", true, "../other/..."},
		{"/abs/dir", true, "/abs/dir/..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, goPattern(tt.path, tt.isDir), tt.path)
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain/path.go", shellQuote("plain/path.go"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'$HOME'", shellQuote("$HOME"))
}
