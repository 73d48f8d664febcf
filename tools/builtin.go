package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/martinemde/dmagent/capability"
)

// Capability names.
const (
	ReadFile      = "read_file"
	CreateFile    = "create_file"
	EditFile      = "edit_file"
	ListDirectory = "list_directory"
	SearchInFile  = "search_in_file"
	RunShell      = "run_shell"
	RunPython     = "run_python"
	RunTests      = "run_tests"
	RunLinter     = "run_linter"
	TaskComplete  = "task_complete"

	ParseAST             = "parse_ast"
	GetFunctionSignature = "get_function_signature"
	FindDependencies     = "find_dependencies"
	GetCodeMetrics       = "get_code_metrics"
)

const (
	DefaultShellTimeout = 2 * time.Minute
	MaxShellTimeout     = 10 * time.Minute

	DefaultPython = "python3"
)

// Option configures the built-in capabilities.
type Option func(*builtins)

// WithShellTimeout sets the default run_shell timeout.
func WithShellTimeout(d time.Duration) Option {
	return func(b *builtins) {
		if d > 0 {
			b.shellTimeout = d
		}
	}
}

// WithPython sets the interpreter used by run_python and the Python test
// and lint runners.
func WithPython(interpreter string) Option {
	return func(b *builtins) {
		if strings.TrimSpace(interpreter) != "" {
			b.python = interpreter
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builtins) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type builtins struct {
	env          Environment
	shellTimeout time.Duration
	python       string
	logger       *zap.Logger
}

// Register adds every built-in capability to reg.
func Register(reg *capability.Registry, env Environment, opts ...Option) {
	b := &builtins{env: env, shellTimeout: DefaultShellTimeout, python: DefaultPython, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	reg.RegisterFunc(ListDirectory,
		`List entries for the given directory path. Arguments: {"path": optional string (default '.'), `+
			`"recursive": optional bool (default false), "file_type": optional string filter like '.py' or '.go'}.`,
		b.listDirectory)
	reg.RegisterFunc(ReadFile,
		`Read a UTF-8 text file. Arguments: {"path": string, "line_start": optional int, "line_end": optional int}.`,
		b.readFile)
	reg.RegisterFunc(CreateFile,
		`Create or overwrite a text file. Arguments: {"path": string, "content": string}.`,
		b.createFile)
	reg.RegisterFunc(EditFile,
		`Edit specific lines in a file. Arguments: {"path": string, "operation": "insert"|"replace"|"delete", `+
			`"line_start": int, "line_end": int (for replace/delete), "content": string (for insert/replace)}.`,
		b.editFile)
	reg.RegisterFunc(SearchInFile,
		`Search for text or a regular expression in a file. Arguments: {"path": string, "pattern": string, `+
			`"context_lines": optional int (default 2)}.`,
		b.searchInFile)
	reg.RegisterFunc(RunShell,
		`Execute a shell command. Arguments: {"command": string, "timeout_ms": optional int}.`,
		b.runShell)
	reg.RegisterFunc(RunPython,
		`Run Python code or a script. Arguments: {"code": string, or "path": string with optional "args": `+
			`string or list of strings; "timeout_ms": optional int}.`,
		b.runPython)
	reg.RegisterFunc(RunTests,
		`Run a test suite. Arguments: {"test_path": optional string (default '.'), "framework": optional `+
			`"go"|"pytest"|"unittest" (default "go"), "verbose": optional bool, "timeout_ms": optional int}.`,
		b.runTests)
	reg.RegisterFunc(RunLinter,
		`Run a linter or format check on a path. Arguments: {"path": string, "tool": optional `+
			`"vet"|"gofmt"|"staticcheck"|"golangci-lint"|"pylint"|"flake8"|"mypy"|"black" (default "vet")}.`,
		b.runLinter)
	reg.RegisterFunc(ParseAST,
		`Summarize the structure of a Go source file as JSON: package, imports, types with fields and methods, `+
			`functions with signatures, and package-level vars and consts. Arguments: {"path": string}.`,
		b.parseAST)
	reg.RegisterFunc(GetFunctionSignature,
		`Show the full signature and doc comment of a Go function or method. Arguments: {"path": string, `+
			`"function_name": string, either "Name" or "Type.Name" for a method}.`,
		b.functionSignature)
	reg.RegisterFunc(FindDependencies,
		`Classify the imports of a Go source file into standard library, third-party and same-module packages. `+
			`Arguments: {"path": string}.`,
		b.findDependencies)
	reg.RegisterFunc(GetCodeMetrics,
		`Count total, code, comment and blank lines of a source file, plus function and type counts for Go files. `+
			`Arguments: {"path": string}.`,
		b.codeMetrics)
	reg.RegisterFunc(TaskComplete,
		`Mark the task as complete and finish execution. Arguments: {"message": optional string with a completion summary}.`,
		taskComplete)
}

func requireString(args capability.Args, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %v", key, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("argument %q must not be empty", key)
	}
	return s, nil
}

func optionalString(args capability.Args, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func optionalBool(args capability.Args, key string) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return false, nil
	}
	flag, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", key)
	}
	return flag, nil
}

// lineArg reads an optional positive line number.
func lineArg(args capability.Args, key string) (int, bool, error) {
	if v, ok := args[key]; !ok || v == nil {
		return 0, false, nil
	}
	n, ok := args.Int(key)
	if !ok || n < 1 {
		return 0, false, fmt.Errorf("argument %q must be an integer greater than 0", key)
	}
	return n, true, nil
}

// checkFile returns a message for a path that is missing or not a file.
func (b *builtins) checkFile(path string) (string, error) {
	info, err := b.env.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("File %s does not exist.", path), nil
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return fmt.Sprintf("Path %s is not a file.", path), nil
	}
	return "", nil
}

// splitLines splits content into lines without their terminators.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// splitLinesKeepEnds splits content into lines that keep their "\n".
func splitLinesKeepEnds(content string) []string {
	var lines []string
	for content != "" {
		i := strings.IndexByte(content, '\n')
		if i < 0 {
			lines = append(lines, content)
			break
		}
		lines = append(lines, content[:i+1])
		content = content[i+1:]
	}
	return lines
}

func (b *builtins) readFile(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	start, hasStart, err := lineArg(args, "line_start")
	if err != nil {
		return "", err
	}
	end, hasEnd, err := lineArg(args, "line_end")
	if err != nil {
		return "", err
	}
	if hasStart && hasEnd && end < start {
		return "", fmt.Errorf("line_end must be greater than or equal to line_start")
	}

	if msg, err := b.checkFile(path); msg != "" || err != nil {
		return msg, err
	}
	content, err := b.env.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !hasStart && !hasEnd {
		return content, nil
	}

	lines := splitLines(content)
	from := 0
	if hasStart {
		from = start - 1
	}
	to := len(lines)
	if hasEnd && end < to {
		to = end
	}
	if from >= len(lines) {
		return fmt.Sprintf("Start line %d is beyond the end of the file (%d lines).", start, len(lines)), nil
	}
	return strings.Join(lines[from:to], "\n"), nil
}

func (b *builtins) createFile(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	content, err := optionalString(args, "content")
	if err != nil {
		return "", err
	}
	if err := b.env.WriteFile(path, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d characters to %s.", utf8.RuneCountInString(content), path), nil
}

func (b *builtins) listDirectory(_ context.Context, args capability.Args) (string, error) {
	path, err := optionalString(args, "path")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(path) == "" {
		path = "."
	}
	recursive, err := optionalBool(args, "recursive")
	if err != nil {
		return "", err
	}
	fileType, err := optionalString(args, "file_type")
	if err != nil {
		return "", err
	}

	info, err := b.env.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("Directory %s does not exist.", path), nil
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return fmt.Sprintf("Path %s is not a directory.", path), nil
	}

	entries, err := b.env.ListDirectory(path, recursive)
	if err != nil {
		return "", err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir {
			out = append(out, e.Name+"/")
			continue
		}
		if fileType != "" && !strings.HasSuffix(e.Name, fileType) {
			continue
		}
		out = append(out, e.Name)
	}
	if len(out) == 0 {
		return "<empty>", nil
	}
	return strings.Join(out, "\n"), nil
}

func (b *builtins) editFile(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	op, err := requireString(args, "operation")
	if err != nil {
		return "", err
	}
	if op != "insert" && op != "replace" && op != "delete" {
		return "", fmt.Errorf("operation must be one of insert, replace, delete; got %q", op)
	}
	if msg, err := b.checkFile(path); msg != "" || err != nil {
		return msg, err
	}

	start, ok, err := lineArg(args, "line_start")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("argument %q must be an integer greater than 0", "line_start")
	}

	raw, err := b.env.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := splitLinesKeepEnds(raw)

	var content string
	if op != "delete" {
		if content, err = optionalString(args, "content"); err != nil {
			return "", err
		}
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
	}

	if op == "insert" {
		if start-1 > len(lines) {
			return fmt.Sprintf("Line %d is beyond the end of %s (%d lines).", start, path, len(lines)), nil
		}
		lines = append(lines[:start-1], append([]string{content}, lines[start-1:]...)...)
		if err := b.env.WriteFile(path, strings.Join(lines, "")); err != nil {
			return "", err
		}
		return fmt.Sprintf("Inserted %d characters at line %d of %s.", utf8.RuneCountInString(content), start, path), nil
	}

	end, ok := args.Int("line_end")
	if !ok || end < start {
		return "", fmt.Errorf("line_end must be an integer greater than or equal to line_start")
	}
	if start-1 >= len(lines) || end > len(lines) {
		return fmt.Sprintf("Line range %d-%d is outside %s (%d lines).", start, end, path, len(lines)), nil
	}

	var replacement []string
	if op == "replace" {
		replacement = []string{content}
	}
	edited := make([]string, 0, len(lines))
	edited = append(edited, lines[:start-1]...)
	edited = append(edited, replacement...)
	edited = append(edited, lines[end:]...)
	if err := b.env.WriteFile(path, strings.Join(edited, "")); err != nil {
		return "", err
	}
	if op == "replace" {
		return fmt.Sprintf("Replaced lines %d-%d of %s.", start, end, path), nil
	}
	return fmt.Sprintf("Deleted lines %d-%d of %s.", start, end, path), nil
}

func (b *builtins) searchInFile(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	pattern, err := requireString(args, "pattern")
	if err != nil {
		return "", err
	}
	contextLines := 2
	if _, present := args["context_lines"]; present {
		n, ok := args.Int("context_lines")
		if !ok || n < 0 {
			return "", fmt.Errorf("context_lines must be a non-negative integer")
		}
		contextLines = n
	}

	if msg, err := b.checkFile(path); msg != "" || err != nil {
		return msg, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("Invalid regular expression: %v", err), nil
	}
	content, err := b.env.ReadFile(path)
	if err != nil {
		return "", err
	}

	lines := splitLines(content)
	var matches []string
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		from := max(0, i-contextLines)
		to := min(len(lines), i+contextLines+1)
		block := make([]string, 0, to-from)
		for j := from; j < to; j++ {
			prefix := "    "
			if j == i {
				prefix = ">>> "
			}
			block = append(block, fmt.Sprintf("%s%d: %s", prefix, j+1, lines[j]))
		}
		matches = append(matches, strings.Join(block, "\n"))
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No matches for '%s' in %s.", pattern, path), nil
	}
	return fmt.Sprintf("Found %d matches in %s:\n\n%s", len(matches), path, strings.Join(matches, "\n\n")), nil
}

func (b *builtins) runShell(ctx context.Context, args capability.Args) (string, error) {
	command, err := requireString(args, "command")
	if err != nil {
		return "", err
	}
	result, timeout, err := b.exec(ctx, command, args)
	if err != nil {
		return "", err
	}
	return formatExec(result, timeout), nil
}

// exec runs command under the timeout_ms argument, capped at
// MaxShellTimeout, or the default shell timeout.
func (b *builtins) exec(ctx context.Context, command string, args capability.Args) (*ExecResult, time.Duration, error) {
	timeout := b.shellTimeout
	if ms, ok := args.Int("timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > MaxShellTimeout {
		timeout = MaxShellTimeout
	}

	b.logger.Debug("running shell command", zap.String("command", command), zap.Duration("timeout", timeout))
	result, err := b.env.ExecCommand(ctx, command, timeout)
	if err != nil {
		return nil, timeout, err
	}
	return result, timeout, nil
}

// formatExec renders trimmed stdout, then stderr, then the exit code.
func formatExec(result *ExecResult, timeout time.Duration) string {
	var segments []string
	if out := strings.TrimSpace(result.Stdout); out != "" {
		segments = append(segments, out)
	}
	if errOut := strings.TrimSpace(result.Stderr); errOut != "" {
		segments = append(segments, "stderr:\n"+errOut)
	}
	if result.TimedOut {
		segments = append(segments, fmt.Sprintf("[command timed out after %s; partial output shown]", timeout))
	}
	segments = append(segments, fmt.Sprintf("returncode: %d", result.ExitCode))
	return strings.Join(segments, "\n")
}

func taskComplete(_ context.Context, args capability.Args) (string, error) {
	if msg, ok := args.String("message"); ok && strings.TrimSpace(msg) != "" {
		return "Task complete: " + strings.TrimSpace(msg), nil
	}
	return "Task complete.", nil
}
