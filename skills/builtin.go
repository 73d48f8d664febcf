package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/dmagent/capability"
)

// Builtin returns fresh copies of the built-in bundles.
func Builtin() []*Bundle {
	return []*Bundle{pythonExpert(), dbExpert(), frontendDev()}
}

func pythonExpert() *Bundle {
	return &Bundle{
		Name:        "python_expert",
		DisplayName: "Python Expert",
		Description: "Python best practices, code conventions, and performance guidance",
		Keywords: []string{
			"python", "pip", "pytest", "async", "type hint", "dataclass",
			"decorator", "generator", "virtualenv", "venv", "poetry", "pyproject",
			"pydantic", "fastapi", "flask", "django", "类型提示", "装饰器",
		},
		Patterns: []string{
			`\.py\b`,
			`\bimport\s+\w+`,
			`\bdef\s+\w+`,
			`\bclass\s+\w+`,
			`\basync\s+def\b`,
		},
		Priority: 5,
		Version:  "1.0.0",
		PromptAddition: "You now have Python expertise. When working on Python tasks:\n" +
			"1. Follow PEP 8 and use type hints.\n" +
			"2. Prefer the standard library and mature third-party packages.\n" +
			"3. Write testable, maintainable code; use dataclasses and typing where they help.\n" +
			"4. Mind performance: generators, comprehensions, caching.\n" +
			"5. Handle exceptions precisely and log key events.\n" +
			"6. Use the python_best_practices capability to look up guidance on a topic.",
		Capabilities: []capability.Descriptor{{
			Name: "python_best_practices",
			Description: `Look up Python best practices for a topic. Arguments: {"topic": string} ` +
				"(one of: " + strings.Join(pythonTopicNames(), ", ") + ")",
			Capability: capability.Func(pythonBestPractices),
		}},
	}
}

type topic struct {
	name string
	body string
}

var pythonTopics = []topic{
	{"code style", "- Follow PEP 8\n- Indent with 4 spaces\n- Keep lines within 88 characters (black's default)\n- Use meaningful names for variables and functions"},
	{"type hints", "- Annotate function signatures\n- Use the typing module for complex types\n- Use `from __future__ import annotations` to defer evaluation\n- Run mypy for static checking"},
	{"exceptions", "- Catch specific exceptions, never a bare except\n- Use the full try/except/else/finally form where it clarifies flow\n- Derive custom exceptions from Exception\n- Log the context of an exception"},
	{"performance", "- Use generators for large datasets\n- Prefer comprehensions over map/filter\n- Use collections (Counter, defaultdict)\n- Cache results with functools.lru_cache\n- Avoid repeated work inside loops"},
	{"project structure", "- Configure the project in pyproject.toml\n- Split packages by feature\n- Keep constants, config, and helpers apart\n- Control the public API through __init__.py"},
	{"testing", "- Use pytest\n- Write unit and integration tests\n- Manage test data with fixtures\n- Aim for at least 80% coverage"},
	{"async", "- Use async/await\n- Run coroutines concurrently with asyncio.gather\n- Use aiohttp or httpx for async HTTP\n- Use async context managers for resources"},
}

func pythonTopicNames() []string {
	names := make([]string, len(pythonTopics))
	for i, t := range pythonTopics {
		names[i] = t.name
	}
	return names
}

func pythonBestPractices(_ context.Context, args capability.Args) (string, error) {
	query, _ := args.String("topic")
	query = strings.TrimSpace(query)
	if query == "" {
		return "Please provide a topic. Available topics: " + strings.Join(pythonTopicNames(), ", "), nil
	}

	lower := strings.ToLower(query)
	for _, t := range pythonTopics {
		if t.name == lower {
			return fmt.Sprintf("## Python best practices: %s\n\n%s", t.name, t.body), nil
		}
	}
	for _, t := range pythonTopics {
		if strings.Contains(t.name, lower) || strings.Contains(lower, t.name) {
			return fmt.Sprintf("## Python best practices: %s\n\n%s", t.name, t.body), nil
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "No exact match for topic %q. All best practices:", query)
	for _, t := range pythonTopics {
		fmt.Fprintf(&b, "\n\n### %s\n%s", t.name, t.body)
	}
	return b.String(), nil
}

func dbExpert() *Bundle {
	return &Bundle{
		Name:        "db_expert",
		DisplayName: "Database Expert",
		Description: "SQL best practices, schema design, ORM usage, and query performance guidance",
		Keywords: []string{
			"sql", "mysql", "postgresql", "sqlite", "database", "index",
			"orm", "sqlalchemy", "django orm", "query optimization", "transaction",
			"migration", "schema", "mongodb", "redis", "数据库", "索引", "事务",
		},
		Patterns: []string{
			`\bSELECT\b`,
			`\bCREATE\s+TABLE\b`,
			`\bINSERT\s+INTO\b`,
			`\bALTER\s+TABLE\b`,
			`\.sql\b`,
		},
		Priority: 5,
		Version:  "1.0.0",
		PromptAddition: "You now have database expertise. When working on database tasks:\n" +
			"1. Write efficient queries and avoid full table scans.\n" +
			"2. Design tables deliberately, normalizing unless there is a reason not to.\n" +
			"3. Use indexes well and mind column order in composite indexes.\n" +
			"4. Use transactions for consistency.\n" +
			"5. Use parameterized queries to prevent SQL injection.\n" +
			"6. Use the sql_review capability to check statements for common problems.",
		Capabilities: []capability.Descriptor{{
			Name:        "sql_review",
			Description: `Review a SQL statement for common problems and suggest improvements. Arguments: {"sql": string}`,
			Capability:  capability.Func(sqlReview),
		}},
	}
}

const (
	sqlSelectStar   = "Avoid SELECT *; list the columns you need for performance and maintainability"
	sqlNoWhere      = "No WHERE clause; this may scan the whole table, confirm a filter is not needed"
	sqlIndexHint    = "Make sure columns used in JOIN and WHERE conditions are indexed"
	sqlLeadingLike  = "LIKE with a leading wildcard cannot use an index; consider full-text search or a different pattern"
	sqlAllClear     = "No obvious problems found. Run EXPLAIN to check the execution plan."
	sqlMissingInput = `Please provide the SQL to review. Arguments: {"sql": "your statement"}`
)

func sqlReview(_ context.Context, args capability.Args) (string, error) {
	sql, _ := args.String("sql")
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return sqlMissingInput, nil
	}

	upper := strings.ToUpper(sql)
	var findings []string
	if strings.Contains(upper, "SELECT *") {
		findings = append(findings, "Warning: "+sqlSelectStar)
	}
	if strings.Contains(upper, "SELECT") && !strings.Contains(upper, "WHERE") && !strings.Contains(upper, "INSERT") {
		findings = append(findings, "Warning: "+sqlNoWhere)
	}
	if strings.Contains(upper, "JOIN") || strings.Contains(upper, "WHERE") {
		findings = append(findings, "Hint: "+sqlIndexHint)
	}
	if strings.Contains(upper, "LIKE") && strings.Contains(sql, "'%") {
		findings = append(findings, "Warning: "+sqlLeadingLike)
	}
	if len(findings) == 0 {
		return sqlAllClear, nil
	}

	var b strings.Builder
	b.WriteString("## SQL review\n\n")
	for _, f := range findings {
		b.WriteString("- " + f + "\n")
	}
	b.WriteString("\n### General advice\n")
	b.WriteString("- Use EXPLAIN / EXPLAIN ANALYZE to inspect the plan\n")
	b.WriteString("- Index the columns used in WHERE and JOIN conditions\n")
	b.WriteString("- Use parameterized queries to prevent SQL injection")
	return b.String(), nil
}

func frontendDev() *Bundle {
	return &Bundle{
		Name:        "frontend_dev",
		DisplayName: "Frontend Developer",
		Description: "HTML, CSS, JavaScript, React, Vue, and TypeScript best practices and performance guidance",
		Keywords: []string{
			"html", "css", "javascript", "react", "vue", "typescript",
			"frontend", "npm", "yarn", "webpack", "vite", "tailwind",
			"nextjs", "nuxt", "component", "state management", "responsive", "前端",
		},
		Patterns: []string{
			`\.(html|css|jsx|tsx|vue)\b`,
			`\bnpm\s+`,
			`\byarn\s+`,
			`\bcomponent\b`,
			`\buseState\b`,
		},
		Priority: 5,
		Version:  "1.0.0",
		PromptAddition: "You now have frontend expertise. When working on frontend tasks:\n" +
			"1. Write semantic, accessible HTML.\n" +
			"2. Use modern CSS (flexbox, grid, custom properties).\n" +
			"3. Give React/Vue components a single responsibility.\n" +
			"4. Manage state deliberately and avoid prop drilling.\n" +
			"5. Watch web performance: code splitting, lazy loading, image optimization.\n" +
			"6. Prefer TypeScript and lean on the type system.\n" +
			"7. Build reusable, testable components.",
	}
}
