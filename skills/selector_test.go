package skills

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dmagent/reasoner"
)

func bundle(name string, priority int, keywords []string, patterns ...string) *Bundle {
	b := &Bundle{Name: name, Priority: priority, Keywords: keywords, Patterns: patterns}
	b.Compile()
	return b
}

func TestSelectScenarioSQLInDjango(t *testing.T) {
	bundles := []*Bundle{
		bundle("python_expert", 5, []string{"python"}),
		bundle("db_expert", 5, []string{"sql", "数据库"}),
	}
	s := NewSelector(SelectorConfig{MaxActive: 3, MinScore: 0.1})

	task := "optimize SQL query performance in Django"
	assert.Equal(t, 0.0, s.Score(task, bundles[0]))
	assert.Equal(t, 0.5, s.Score(task, bundles[1]))
	assert.Equal(t, []string{"db_expert"}, s.Select(context.Background(), task, bundles))
}

func TestSelectBuiltinPrefersDatabaseForSQL(t *testing.T) {
	lib := NewLibrary()
	require.Equal(t, 3, lib.LoadBuiltin())

	s := NewSelector(DefaultSelectorConfig())
	names := s.Select(context.Background(), "optimize SQL query performance in Django", lib.All())
	require.NotEmpty(t, names)
	assert.Equal(t, "db_expert", names[0])
	assert.NotContains(t, names, "frontend_dev")
}

func TestSelectZeroScoreNeverSelected(t *testing.T) {
	bundles := []*Bundle{bundle("a", 1, []string{"rust"}), bundle("b", 1, nil)}
	s := NewSelector(SelectorConfig{MinScore: 0})
	assert.Empty(t, s.Select(context.Background(), "write some go code", bundles))
}

func TestSelectNeverExceedsMaxActive(t *testing.T) {
	var bundles []*Bundle
	for i := 0; i < 6; i++ {
		bundles = append(bundles, bundle(fmt.Sprintf("b%d", i), i, []string{"deploy"}))
	}
	for _, max := range []int{1, 2, 3, 5} {
		s := NewSelector(SelectorConfig{MaxActive: max, MinScore: 0.05})
		got := s.Select(context.Background(), "deploy the service", bundles)
		assert.Len(t, got, max)
	}
}

func TestSelectOrdering(t *testing.T) {
	bundles := []*Bundle{
		bundle("zeta", 1, []string{"api"}),
		bundle("alpha", 1, []string{"api"}),
		bundle("low", 9, []string{"api"}),
		bundle("strong", 20, []string{"api", "http"}, `\bGET\b`),
	}
	s := NewSelector(SelectorConfig{MaxActive: 4, MinScore: 0.05})
	got := s.Select(context.Background(), "build an http api that serves GET requests", bundles)
	assert.Equal(t, []string{"strong", "alpha", "zeta", "low"}, got)
}

func TestScorePatternsCaseInsensitiveAndInvalidSkipped(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())

	b := bundle("db", 1, nil, `\bSELECT\b`)
	assert.Equal(t, 1.5, s.Score("select id from users", b))

	broken := &Bundle{Name: "broken", Patterns: []string{"(", "foo"}}
	errs := broken.Compile()
	require.Len(t, errs, 1)
	assert.Equal(t, 0.75, s.Score("foo bar", broken))
}

func TestScoreUncompiledBundle(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())
	b := &Bundle{Name: "x", Keywords: []string{"Go", "rust"}, Patterns: []string{`\.go\b`}}
	assert.Equal(t, 0.5+1.5, s.Score("fix main.go in the go module", b))
}

type fakeReasoner struct {
	reply string
	err   error
	calls int
}

func (f *fakeReasoner) Respond(ctx context.Context, conv []reasoner.Message, params reasoner.SamplingParams) (string, error) {
	f.calls++
	return f.reply, f.err
}

func TestSelectLLMFallback(t *testing.T) {
	bundles := []*Bundle{
		bundle("frontend_dev", 5, []string{"react"}),
		bundle("db_expert", 5, []string{"sql"}),
		bundle("ops", 1, []string{"k8s"}),
	}

	r := &fakeReasoner{reply: "frontend_dev, unknown_skill, db_expert, db_expert"}
	s := NewSelector(SelectorConfig{LLMFallback: true, Reasoner: r})
	got := s.Select(context.Background(), "make the dashboard faster", bundles)
	assert.Equal(t, []string{"db_expert", "frontend_dev"}, got)
	assert.Equal(t, 1, r.calls)
}

func TestSelectLLMFallbackFailureYieldsNothing(t *testing.T) {
	bundles := []*Bundle{bundle("db_expert", 5, []string{"sql"})}
	r := &fakeReasoner{err: errors.New("rate limited")}
	s := NewSelector(SelectorConfig{LLMFallback: true, Reasoner: r})
	assert.Empty(t, s.Select(context.Background(), "something unrelated", bundles))
}

func TestSelectLLMFallbackNotUsedWhenMatched(t *testing.T) {
	bundles := []*Bundle{bundle("db_expert", 5, []string{"sql"})}
	r := &fakeReasoner{reply: "db_expert"}
	s := NewSelector(SelectorConfig{LLMFallback: true, Reasoner: r})
	assert.Equal(t, []string{"db_expert"}, s.Select(context.Background(), "tune this sql", bundles))
	assert.Equal(t, 0, r.calls)
}

func TestSelectEmptyInputs(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig())
	assert.Nil(t, s.Select(context.Background(), "   ", []*Bundle{bundle("a", 1, []string{"a"})}))
	assert.Nil(t, s.Select(context.Background(), "task", nil))
}
