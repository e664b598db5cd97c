package partition

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func labeledRows(n, positives int) []domain.FeatureRow {
	rows := make([]domain.FeatureRow, n)
	for i := range rows {
		label := 0
		if i < positives {
			label = 1
		}
		rows[i] = domain.FeatureRow{
			Transaction: domain.Transaction{Index: i, HasLabel: true, Label: label},
			Signals:     map[string]float64{domain.SignalVelocity: 1},
		}
	}
	return rows
}

func TestStratified(t *testing.T) {
	rows := labeledRows(1000, 50)
	split, err := Stratified(rows, 0.2, 42)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}

	if len(split.Eval) != 200 || len(split.Train) != 800 {
		t.Fatalf("expected 800/200 split, got %d/%d", len(split.Train), len(split.Eval))
	}

	positives := 0
	for _, r := range split.Eval {
		positives += r.Label
	}
	if positives != 10 {
		t.Errorf("expected 10 positives in eval, got %d", positives)
	}

	seen := make(map[int]bool)
	for _, part := range [][]domain.FeatureRow{split.Train, split.Eval} {
		for k, r := range part {
			if seen[r.Index] {
				t.Fatalf("row %d appears in both partitions", r.Index)
			}
			seen[r.Index] = true
			if k > 0 && part[k-1].Index >= r.Index {
				t.Fatalf("expected input order, got %d before %d", part[k-1].Index, r.Index)
			}
		}
	}
	if len(seen) != len(rows) {
		t.Errorf("expected every row assigned, got %d of %d", len(seen), len(rows))
	}
}

func TestStratifiedDeterministic(t *testing.T) {
	a, _ := Stratified(labeledRows(300, 30), 0.25, 7)
	b, _ := Stratified(labeledRows(300, 30), 0.25, 7)
	for i := range a.Eval {
		if a.Eval[i].Index != b.Eval[i].Index {
			t.Fatalf("expected identical eval partitions for the same seed")
		}
	}
}

func TestStratifiedOwnsRows(t *testing.T) {
	rows := labeledRows(10, 2)
	split, err := Stratified(rows, 0.5, 1)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	split.Train[0].SetSignal(domain.SignalVelocity, 99)
	for _, r := range rows {
		if r.Signals[domain.SignalVelocity] != 1 {
			t.Fatalf("expected input signals untouched, got %v", r.Signals)
		}
	}
}

func TestStratifiedErrors(t *testing.T) {
	t.Run("Unlabeled", func(t *testing.T) {
		rows := labeledRows(5, 1)
		rows[3].HasLabel = false
		_, err := Stratified(rows, 0.2, 1)
		if !errors.Is(err, domain.ErrLeakage) {
			t.Fatalf("expected ErrLeakage, got %v", err)
		}
		var lerr *domain.LeakageError
		if !errors.As(err, &lerr) || lerr.Row != 3 {
			t.Errorf("expected leakage error naming row 3, got %v", err)
		}
	})

	t.Run("TestSizeOutOfRange", func(t *testing.T) {
		for _, size := range []float64{0, 1, -0.1, 1.5} {
			if _, err := Stratified(labeledRows(5, 1), size, 1); !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("test size %v: expected ErrInvalidConfig, got %v", size, err)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := Stratified(nil, 0.2, 1); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
