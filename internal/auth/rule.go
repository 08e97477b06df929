package auth

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/cardsim/internal/domain"
)

// Rule requests a second factor when a CEL expression scores >= 0.5
// (true for boolean expressions). Available variables: amount, currency,
// country, merchant, hour and weekday (Monday = 0) of the payer's local time.
type Rule struct {
	expr    string
	program cel.Program
	errors  atomic.Int64
}

// NewRule compiles expr once.
func NewRule(expr string) (*Rule, error) {
	if expr == "" {
		return nil, fmt.Errorf("rule authenticator: expression is required")
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule expression must return bool, int, or double, got %s", outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule: %w", err)
	}

	return &Rule{expr: expr, program: program}, nil
}

func (r *Rule) Name() string { return domain.AuthRule }

// Expression returns the source expression.
func (r *Rule) Expression() string { return r.expr }

func (r *Rule) Authorize(p domain.Payer) bool {
	local := p.LocalTime()
	out, _, err := r.program.Eval(map[string]any{
		"amount":   p.Amount(),
		"currency": p.Currency(),
		"country":  p.Country(),
		"merchant": p.MerchantID(),
		"hour":     int64(local.Hour()),
		"weekday":  int64((int(local.Weekday()) + 6) % 7),
	})
	if err != nil {
		// an erroring rule never adds friction
		r.errors.Add(1)
		slog.Debug("rule evaluation failed", "expression", r.expr, "error", err)
		return true
	}

	if toScore(out) >= 0.5 {
		return secondFactor(p)
	}
	return true
}

// Errors returns how many evaluations failed.
func (r *Rule) Errors() int64 { return r.errors.Load() }

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
