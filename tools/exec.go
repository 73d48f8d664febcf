package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/martinemde/dmagent/capability"
)

var (
	testFrameworks = []string{"go", "pytest", "unittest"}
	linters        = []string{"vet", "gofmt", "staticcheck", "golangci-lint", "pylint", "flake8", "mypy", "black"}
)

func (b *builtins) runPython(ctx context.Context, args capability.Args) (string, error) {
	code, err := optionalString(args, "code")
	if err != nil {
		return "", err
	}
	path, err := optionalString(args, "path")
	if err != nil {
		return "", err
	}

	command := []string{shellQuote(b.python), "-u"}
	switch {
	case strings.TrimSpace(code) != "":
		command = append(command, "-c", shellQuote(code))
	case strings.TrimSpace(path) != "":
		command = append(command, shellQuote(strings.TrimSpace(path)))
		extra, err := scriptArgs(args)
		if err != nil {
			return "", err
		}
		command = append(command, extra...)
	default:
		return "", fmt.Errorf("%s requires a %q or %q argument", RunPython, "code", "path")
	}

	result, timeout, err := b.exec(ctx, strings.Join(command, " "), args)
	if err != nil {
		return "", err
	}
	return formatExec(result, timeout), nil
}

// scriptArgs reads "args" as either a shell-style string, left for the
// shell to split, or a list whose items are quoted one by one.
func scriptArgs(args capability.Args) ([]string, error) {
	switch v := args["args"].(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, shellQuote(fmt.Sprint(item)))
		}
		return out, nil
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, shellQuote(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argument %q must be a string or a list of strings", "args")
	}
}

func (b *builtins) runTests(ctx context.Context, args capability.Args) (string, error) {
	path, err := optionalString(args, "test_path")
	if err != nil {
		return "", err
	}
	if path = strings.TrimSpace(path); path == "" {
		path = "."
	}
	framework, err := choiceArg(args, "framework", "go", testFrameworks)
	if err != nil {
		return "", err
	}
	verbose, err := optionalBool(args, "verbose")
	if err != nil {
		return "", err
	}

	info, err := b.env.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("Test path %s does not exist.", path), nil
	}
	if err != nil {
		return "", err
	}

	var command []string
	switch framework {
	case "go":
		command = []string{"go", "test"}
		if verbose {
			command = append(command, "-v")
		}
		command = append(command, shellQuote(goPattern(path, info.IsDir())))
	case "pytest":
		command = []string{shellQuote(b.python), "-m", "pytest"}
		if verbose {
			command = append(command, "-v")
		}
		command = append(command, shellQuote(path))
	case "unittest":
		command = []string{shellQuote(b.python), "-m", "unittest"}
		if verbose {
			command = append(command, "-v")
		}
		if info.IsDir() {
			command = append(command, "discover", "-s", shellQuote(path))
		} else {
			command = append(command, shellQuote(pythonModule(path)))
		}
	}

	result, timeout, err := b.exec(ctx, strings.Join(command, " "), args)
	if err != nil {
		return "", err
	}
	return formatExec(result, timeout), nil
}

func (b *builtins) runLinter(ctx context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	tool, err := choiceArg(args, "tool", "vet", linters)
	if err != nil {
		return "", err
	}

	info, err := b.env.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("Path %s does not exist.", path), nil
	}
	if err != nil {
		return "", err
	}

	var command string
	switch tool {
	case "vet":
		command = "go vet " + shellQuote(goPattern(path, info.IsDir()))
	case "gofmt":
		command = "gofmt -l " + shellQuote(path)
	case "staticcheck":
		command = "staticcheck " + shellQuote(goPattern(path, info.IsDir()))
	case "golangci-lint":
		command = "golangci-lint run " + shellQuote(goPattern(path, info.IsDir()))
	case "black":
		command = shellQuote(b.python) + " -m black --check " + shellQuote(path)
	default:
		command = shellQuote(b.python) + " -m " + tool + " " + shellQuote(path)
	}

	result, timeout, err := b.exec(ctx, command, args)
	if err != nil {
		return "", err
	}
	if result.ExitCode == 0 && !result.TimedOut &&
		strings.TrimSpace(result.Stdout) == "" && strings.TrimSpace(result.Stderr) == "" {
		return fmt.Sprintf("%s found no issues in %s.", tool, path), nil
	}
	return formatExec(result, timeout), nil
}

// choiceArg reads an optional string argument that must be one of allowed.
func choiceArg(args capability.Args, key, def string, allowed []string) (string, error) {
	v, err := optionalString(args, key)
	if err != nil {
		return "", err
	}
	if v = strings.TrimSpace(v); v == "" {
		return def, nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("argument %q must be one of %s; got %q", key, strings.Join(allowed, ", "), v)
}

// goPattern turns a path into a go tool package pattern: the package tree
// under a directory, or the package containing a file.
func goPattern(path string, isDir bool) string {
	if !isDir {
		path = filepath.Dir(path)
	}
	p := filepath.ToSlash(filepath.Clean(path))
	if !filepath.IsAbs(path) && p != "." && p != ".." && !strings.HasPrefix(p, "../") {
		p = "./" + p
	}
	if isDir {
		p = strings.TrimSuffix(p, "/") + "/..."
	}
	return p
}

// pythonModule maps a file path like pkg/test_x.py to pkg.test_x.
func pythonModule(path string) string {
	p := strings.TrimSuffix(filepath.ToSlash(filepath.Clean(path)), ".py")
	return strings.ReplaceAll(p, "/", ".")
}

// shellQuote quotes s for a POSIX shell. Plain words pass through.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
