package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/martinemde/dmagent/capability"
)

type importInfo struct {
	Path  string `json:"path"`
	Alias string `json:"alias,omitempty"`
	Line  int    `json:"line"`
}

type fieldInfo struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
}

type funcInfo struct {
	Name     string      `json:"name"`
	Receiver string      `json:"receiver,omitempty"`
	Line     int         `json:"line"`
	Params   []fieldInfo `json:"params"`
	Results  []fieldInfo `json:"results,omitempty"`
	Exported bool        `json:"exported"`
	Doc      string      `json:"doc,omitempty"`
}

type typeInfo struct {
	Name    string      `json:"name"`
	Line    int         `json:"line"`
	Kind    string      `json:"kind"`
	Fields  []fieldInfo `json:"fields,omitempty"`
	Methods []funcInfo  `json:"methods,omitempty"`
	Doc     string      `json:"doc,omitempty"`
}

type valueInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Type string `json:"type,omitempty"`
	Line int    `json:"line"`
}

type fileSummary struct {
	File      string       `json:"file"`
	Package   string       `json:"package"`
	Imports   []importInfo `json:"imports"`
	Types     []typeInfo   `json:"types"`
	Functions []funcInfo   `json:"functions"`
	Globals   []valueInfo  `json:"globals"`
}

// parseGo reads and parses a Go file. A non-empty message explains why the
// path cannot be analyzed and is returned to the reasoner as is.
func (b *builtins) parseGo(path string, mode parser.Mode) (*token.FileSet, *ast.File, string, error) {
	if msg, err := b.checkFile(path); msg != "" || err != nil {
		return nil, nil, msg, err
	}
	if filepath.Ext(path) != ".go" {
		return nil, nil, fmt.Sprintf("File %s is not a Go source file.", path), nil
	}
	src, err := b.env.ReadFile(path)
	if err != nil {
		return nil, nil, "", err
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, mode)
	if err != nil {
		return nil, nil, fmt.Sprintf("Go syntax error: %v", err), nil
	}
	return fset, file, "", nil
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

func (b *builtins) parseAST(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	fset, file, msg, err := b.parseGo(path, parser.ParseComments)
	if msg != "" || err != nil {
		return msg, err
	}

	summary := fileSummary{
		File:      path,
		Package:   file.Name.Name,
		Imports:   []importInfo{},
		Types:     []typeInfo{},
		Functions: []funcInfo{},
		Globals:   []valueInfo{},
	}
	line := func(p token.Pos) int { return fset.Position(p).Line }

	for _, imp := range file.Imports {
		info := importInfo{Path: importPath(imp), Line: line(imp.Pos())}
		if imp.Name != nil {
			info.Alias = imp.Name.Name
		}
		summary.Imports = append(summary.Imports, info)
	}

	typeIndex := map[string]int{}
	var methods []funcInfo
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					t := typeInfo{Name: s.Name.Name, Line: line(s.Pos()), Kind: typeKind(s)}
					if doc := docText(s.Doc, d.Doc); doc != "" {
						t.Doc = doc
					}
					switch tt := s.Type.(type) {
					case *ast.StructType:
						t.Fields = fieldList(tt.Fields)
					case *ast.InterfaceType:
						for _, m := range tt.Methods.List {
							ft, ok := m.Type.(*ast.FuncType)
							if !ok {
								t.Fields = append(t.Fields, fieldInfo{Type: types.ExprString(m.Type)})
								continue
							}
							for _, n := range m.Names {
								t.Methods = append(t.Methods, funcInfo{
									Name:     n.Name,
									Line:     line(n.Pos()),
									Params:   fieldList(ft.Params),
									Results:  fieldList(ft.Results),
									Exported: n.IsExported(),
								})
							}
						}
					}
					typeIndex[t.Name] = len(summary.Types)
					summary.Types = append(summary.Types, t)
				case *ast.ValueSpec:
					kind := "var"
					if d.Tok == token.CONST {
						kind = "const"
					}
					typ := ""
					if s.Type != nil {
						typ = types.ExprString(s.Type)
					}
					for _, n := range s.Names {
						if n.Name == "_" {
							continue
						}
						summary.Globals = append(summary.Globals, valueInfo{Name: n.Name, Kind: kind, Type: typ, Line: line(n.Pos())})
					}
				}
			}
		case *ast.FuncDecl:
			f := funcInfo{
				Name:     d.Name.Name,
				Line:     line(d.Pos()),
				Params:   fieldList(d.Type.Params),
				Results:  fieldList(d.Type.Results),
				Exported: d.Name.IsExported(),
				Doc:      docText(d.Doc),
			}
			if d.Recv == nil {
				summary.Functions = append(summary.Functions, f)
				continue
			}
			f.Receiver = receiverType(d.Recv)
			methods = append(methods, f)
		}
	}

	// Methods attach to their receiver when it is declared in this file.
	for _, m := range methods {
		if i, ok := typeIndex[m.Receiver]; ok {
			summary.Types[i].Methods = append(summary.Types[i].Methods, m)
			continue
		}
		summary.Functions = append(summary.Functions, m)
	}
	return toJSON(summary)
}

func (b *builtins) functionSignature(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	name, err := requireString(args, "function_name")
	if err != nil {
		return "", err
	}
	recv, fn := "", name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		recv, fn = name[:i], name[i+1:]
	}

	fset, file, msg, err := b.parseGo(path, parser.ParseComments)
	if msg != "" || err != nil {
		return msg, err
	}

	for _, decl := range file.Decls {
		d, ok := decl.(*ast.FuncDecl)
		if !ok || d.Name.Name != fn {
			continue
		}
		var dRecv string
		if d.Recv != nil {
			dRecv = receiverType(d.Recv)
		}
		if recv != "" && dRecv != recv {
			continue
		}

		var buf bytes.Buffer
		if err := format.Node(&buf, fset, &ast.FuncDecl{Recv: d.Recv, Name: d.Name, Type: d.Type}); err != nil {
			return "", fmt.Errorf("failed to render signature: %w", err)
		}
		return toJSON(struct {
			Signature string `json:"signature"`
			Receiver  string `json:"receiver,omitempty"`
			Line      int    `json:"line"`
			Doc       string `json:"doc,omitempty"`
		}{buf.String(), dRecv, fset.Position(d.Pos()).Line, docText(d.Doc)})
	}
	return fmt.Sprintf("Function '%s' not found in %s.", name, path), nil
}

func (b *builtins) findDependencies(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	_, file, msg, err := b.parseGo(path, parser.ImportsOnly)
	if msg != "" || err != nil {
		return msg, err
	}

	module := b.modulePath(filepath.Dir(path))
	std, third, local := map[string]bool{}, map[string]bool{}, map[string]bool{}
	for _, imp := range file.Imports {
		p := importPath(imp)
		switch {
		case module != "" && (p == module || strings.HasPrefix(p, module+"/")):
			local[p] = true
		case !strings.Contains(strings.SplitN(p, "/", 2)[0], "."):
			std[p] = true
		default:
			third[p] = true
		}
	}

	return toJSON(struct {
		File            string   `json:"file"`
		Module          string   `json:"module,omitempty"`
		StandardLibrary []string `json:"standard_library"`
		ThirdParty      []string `json:"third_party"`
		LocalModules    []string `json:"local_modules"`
		TotalImports    int      `json:"total_imports"`
	}{path, module, sortedKeys(std), sortedKeys(third), sortedKeys(local), len(file.Imports)})
}

// modulePath finds the nearest go.mod at or above dir and returns its
// module path, or "" when there is none.
func (b *builtins) modulePath(dir string) string {
	for {
		if data, err := b.env.ReadFile(filepath.Join(dir, "go.mod")); err == nil {
			return modfile.ModulePath([]byte(data))
		}
		parent := filepath.Dir(dir)
		if parent == dir || dir == "." {
			return ""
		}
		dir = parent
	}
}

type codeMetrics struct {
	File         string `json:"file"`
	TotalLines   int    `json:"total_lines"`
	CodeLines    int    `json:"code_lines"`
	CommentLines int    `json:"comment_lines"`
	BlankLines   int    `json:"blank_lines"`
	Functions    *int   `json:"num_functions,omitempty"`
	Methods      *int   `json:"num_methods,omitempty"`
	Types        *int   `json:"num_types,omitempty"`
}

// hashComments lists extensions whose line comments start with '#'.
var hashComments = map[string]bool{
	".py": true, ".sh": true, ".rb": true, ".pl": true, ".yaml": true, ".yml": true, ".toml": true,
}

func (b *builtins) codeMetrics(_ context.Context, args capability.Args) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	if msg, err := b.checkFile(path); msg != "" || err != nil {
		return msg, err
	}
	src, err := b.env.ReadFile(path)
	if err != nil {
		return "", err
	}

	m := codeMetrics{File: path}
	hash := hashComments[strings.ToLower(filepath.Ext(path))]
	inBlock := false
	for _, l := range splitLines(src) {
		l = strings.TrimSpace(l)
		m.TotalLines++
		switch {
		case l == "":
			m.BlankLines++
		case inBlock:
			m.CommentLines++
			inBlock = !strings.Contains(l, "*/")
		case hash && strings.HasPrefix(l, "#"):
			m.CommentLines++
		case !hash && strings.HasPrefix(l, "//"):
			m.CommentLines++
		case !hash && strings.HasPrefix(l, "/*"):
			m.CommentLines++
			inBlock = !strings.Contains(l[2:], "*/")
		default:
			m.CodeLines++
		}
	}

	if filepath.Ext(path) == ".go" {
		if file, err := parser.ParseFile(token.NewFileSet(), path, src, 0); err == nil {
			var funcs, methods, typeCount int
			for _, decl := range file.Decls {
				switch d := decl.(type) {
				case *ast.FuncDecl:
					if d.Recv == nil {
						funcs++
					} else {
						methods++
					}
				case *ast.GenDecl:
					if d.Tok == token.TYPE {
						typeCount += len(d.Specs)
					}
				}
			}
			m.Functions, m.Methods, m.Types = &funcs, &methods, &typeCount
		}
	}
	return toJSON(m)
}

func importPath(imp *ast.ImportSpec) string {
	p, err := strconv.Unquote(imp.Path.Value)
	if err != nil {
		return imp.Path.Value
	}
	return p
}

func typeKind(s *ast.TypeSpec) string {
	if s.Assign.IsValid() {
		return "alias"
	}
	switch s.Type.(type) {
	case *ast.StructType:
		return "struct"
	case *ast.InterfaceType:
		return "interface"
	case *ast.FuncType:
		return "func"
	default:
		return "defined"
	}
}

// receiverType names the receiver's base type without pointer or type
// parameters.
func receiverType(recv *ast.FieldList) string {
	if recv == nil || len(recv.List) == 0 {
		return ""
	}
	expr := recv.List[0].Type
	for {
		switch e := expr.(type) {
		case *ast.StarExpr:
			expr = e.X
		case *ast.IndexExpr:
			expr = e.X
		case *ast.IndexListExpr:
			expr = e.X
		case *ast.Ident:
			return e.Name
		default:
			return types.ExprString(expr)
		}
	}
}

func fieldList(fl *ast.FieldList) []fieldInfo {
	out := []fieldInfo{}
	if fl == nil {
		return out
	}
	for _, f := range fl.List {
		typ := types.ExprString(f.Type)
		if len(f.Names) == 0 {
			out = append(out, fieldInfo{Type: typ})
			continue
		}
		for _, n := range f.Names {
			out = append(out, fieldInfo{Name: n.Name, Type: typ})
		}
	}
	return out
}

// docText returns the first non-empty comment group, trimmed.
func docText(groups ...*ast.CommentGroup) string {
	for _, g := range groups {
		if t := strings.TrimSpace(g.Text()); t != "" {
			return t
		}
	}
	return ""
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
