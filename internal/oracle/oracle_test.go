package oracle

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var names = []string{"Amount", "is_new_device", "velocity_10m", "merchant_fraud_rate", "V 1"}

func TestScore(t *testing.T) {
	e, err := NewEngine(domain.ModelConfig{
		Bias: -2,
		Terms: []domain.ModelTerm{
			{Feature: "is_new_device", Weight: 1.5},
			{Feature: "velocity_10m", Expression: "velocity_10m > 3.0", Weight: 0.5},
			{Feature: "merchant_fraud_rate", Weight: 4},
		},
		Workers: 2,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	vectors := [][]float64{
		{10, 1, 5, 0.25, 7},
		{10, 0, 1, 0, 7},
	}
	scores, err := e.Score(context.Background(), names, vectors)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scores))
	}

	t.Run("Attributions", func(t *testing.T) {
		want := []float64{0, 1.5, 0.5, 1, 0}
		got := scores[0].Attributions
		if len(got) != len(names) {
			t.Fatalf("expected %d attributions, got %d", len(names), len(got))
		}
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-12 {
				t.Errorf("%s: expected %v, got %v", names[i], want[i], got[i])
			}
		}
	})

	t.Run("LogisticLink", func(t *testing.T) {
		want := 1 / (1 + math.Exp(-(-2 + 1.5 + 0.5 + 1)))
		if math.Abs(scores[0].Risk-want) > 1e-12 {
			t.Errorf("expected risk %v, got %v", want, scores[0].Risk)
		}
		want = 1 / (1 + math.Exp(2))
		if math.Abs(scores[1].Risk-want) > 1e-12 {
			t.Errorf("expected baseline risk %v, got %v", want, scores[1].Risk)
		}
	})
}

func TestScoreManyRowsParallel(t *testing.T) {
	e, _ := NewEngine(domain.ModelConfig{
		Terms:   []domain.ModelTerm{{Feature: "Amount", Expression: "Amount / 100.0", Weight: 1}},
		Workers: 4,
	})
	vectors := make([][]float64, 1001)
	for i := range vectors {
		vectors[i] = []float64{float64(i), 0, 0, 0, 0}
	}
	scores, err := e.Score(context.Background(), names, vectors)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	for i, s := range scores {
		if math.Abs(s.Attributions[0]-float64(i)/100) > 1e-12 {
			t.Fatalf("row %d: expected attribution %v, got %v", i, float64(i)/100, s.Attributions[0])
		}
		if s.Risk < 0 || s.Risk > 1 {
			t.Fatalf("row %d: risk %v outside [0,1]", i, s.Risk)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		term domain.ModelTerm
	}{
		{"UnknownFeature", domain.ModelTerm{Feature: "nope", Weight: 1}},
		{"BadSyntax", domain.ModelTerm{Feature: "Amount", Expression: "Amount >", Weight: 1}},
		{"StringResult", domain.ModelTerm{Feature: "Amount", Expression: "'high'", Weight: 1}},
		{"NonIdentifierFeature", domain.ModelTerm{Feature: "V 1", Weight: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(domain.ModelConfig{Terms: []domain.ModelTerm{tt.term}})
			if err != nil {
				t.Fatalf("failed to create engine: %v", err)
			}
			if err := e.Compile(names); err == nil {
				t.Error("expected compile error")
			}
		})
	}

	t.Run("UnknownFeatureIsSchemaError", func(t *testing.T) {
		e, _ := NewEngine(domain.ModelConfig{Terms: []domain.ModelTerm{{Feature: "nope"}}})
		if err := e.Compile(names); !errors.Is(err, domain.ErrSchema) {
			t.Errorf("expected ErrSchema, got %v", err)
		}
	})

	t.Run("EmptyFeature", func(t *testing.T) {
		if _, err := NewEngine(domain.ModelConfig{Terms: []domain.ModelTerm{{Weight: 1}}}); !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestScoreVectorLength(t *testing.T) {
	e, _ := NewEngine(domain.ModelConfig{})
	_, err := e.Score(context.Background(), names, [][]float64{{1, 2}})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDefaultModelCompiles(t *testing.T) {
	e, err := NewEngine(domain.ModelConfig{Bias: -6, Terms: domain.DefaultModelTerms()})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	all := append(append(append([]string{"Time", "Amount"}, domain.EntityColumns...), domain.DerivedSignals...), domain.RateSignals...)
	if err := e.Compile(all); err != nil {
		t.Fatalf("expected default model to compile: %v", err)
	}
}
