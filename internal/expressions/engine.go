package expressions

import (
	"context"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// Engine evaluates transform-step expressions against the workflow scope.
// Three implementations: GoJQ (default), Expr, and CEL. Branch and loop
// conditions do not go through an Engine; they use the closed Condition
// grammar in this package.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set holds the available engines keyed by name.
type Set struct {
	engines map[string]Engine
	def     string
}

// NewDefaultSet builds the standard engine set: jq, expr, and cel, with jq
// as the default for transform steps that omit an engine name.
func NewDefaultSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{
		engines: map[string]Engine{
			"jq":   NewGoJQEngine(),
			"expr": NewExprEngine(),
			"cel":  celEngine,
		},
		def: "jq",
	}, nil
}

// Get returns the named engine, or the default when name is empty.
func (s *Set) Get(name string) (Engine, error) {
	if name == "" {
		name = s.def
	}
	e, ok := s.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
	return e, nil
}
