// Package oracle provides a CEL-Go based stand-in for the external risk
// scoring model. Each term's weighted value is its feature attribution and
// the risk is the logistic link of the bias plus all attributions.
package oracle

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var identifier = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

var reserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
}

// Engine scores feature vectors with compiled CEL terms.
type Engine struct {
	mu         sync.Mutex
	cfg        domain.ModelConfig
	compiled   map[string]*model
	maxWorkers int
}

// model is the set of terms compiled against one feature list.
type model struct {
	vars  []int // feature positions declared as CEL variables
	names []string
	terms []compiledTerm
}

type compiledTerm struct {
	feature int
	weight  float64
	program cel.Program
}

// NewEngine creates a scoring engine. Nothing is compiled until a feature
// list is known; call Compile to fail fast.
func NewEngine(cfg domain.ModelConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{
		cfg:        cfg,
		compiled:   make(map[string]*model),
		maxWorkers: workers,
	}, nil
}

// Compile compiles the configured terms against names.
func (e *Engine) Compile(names []string) error {
	_, err := e.modelFor(names)
	return err
}

func (e *Engine) modelFor(names []string) (*model, error) {
	key := strings.Join(names, "\x00")

	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.compiled[key]; ok {
		return m, nil
	}
	m, err := e.compile(names)
	if err != nil {
		return nil, err
	}
	e.compiled[key] = m
	return m, nil
}

func (e *Engine) compile(names []string) (*model, error) {
	index := make(map[string]int, len(names))
	m := &model{names: append([]string(nil), names...)}
	opts := make([]cel.EnvOption, 0, len(names))
	for i, n := range names {
		if _, dup := index[n]; dup {
			return nil, fmt.Errorf("%w: duplicate feature %q", domain.ErrInvalidInput, n)
		}
		index[n] = i
		if identifier.MatchString(n) && !reserved[n] {
			opts = append(opts, cel.Variable(n, cel.DoubleType))
			m.vars = append(m.vars, i)
		}
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	for _, t := range e.cfg.Terms {
		pos, ok := index[t.Feature]
		if !ok {
			return nil, &domain.SchemaError{Component: "oracle", Column: t.Feature, Row: -1}
		}
		expr := t.Expression
		if expr == "" {
			expr = t.Feature
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile term %s: %w", t.Feature, issues.Err())
		}
		outputType := ast.OutputType()
		if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.DoubleType) && !outputType.IsExactType(cel.IntType) {
			return nil, fmt.Errorf("term %s: expression must return bool, int, or double, got %s", t.Feature, outputType)
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for term %s: %w", t.Feature, err)
		}
		m.terms = append(m.terms, compiledTerm{feature: pos, weight: t.Weight, program: program})
	}
	return m, nil
}

// Score implements domain.Scorer. Rows are scored in parallel.
func (e *Engine) Score(ctx context.Context, names []string, vectors [][]float64) ([]domain.Score, error) {
	m, err := e.modelFor(names)
	if err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if len(v) != len(names) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d features", domain.ErrInvalidInput, i, len(v), len(names))
		}
	}

	scores := make([]domain.Score, len(vectors))
	if len(vectors) == 0 {
		return scores, nil
	}

	chunk := (len(vectors) + e.maxWorkers - 1) / e.maxWorkers
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for start := 0; start < len(vectors); start += chunk {
		end := min(start+chunk, len(vectors))
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			for i := lo; i < hi; i++ {
				if err := ctx.Err(); err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				s, err := scoreRow(m, e.cfg.Bias, vectors[i])
				if err != nil {
					errOnce.Do(func() { firstErr = fmt.Errorf("row %d: %w", i, err) })
					return
				}
				scores[i] = s
			}
		}(start, end)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return scores, nil
}

func scoreRow(m *model, bias float64, vector []float64) (domain.Score, error) {
	activation := make(map[string]any, len(m.vars))
	for _, i := range m.vars {
		activation[m.names[i]] = vector[i]
	}

	attr := make([]float64, len(vector))
	logit := bias
	for _, t := range m.terms {
		out, _, err := t.program.Eval(activation)
		if err != nil {
			return domain.Score{}, fmt.Errorf("evaluation error in term %s: %w", m.names[t.feature], err)
		}
		c := t.weight * toScore(out)
		attr[t.feature] += c
		logit += c
	}

	return domain.Score{Risk: sigmoid(logit), Attributions: attr}, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

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
