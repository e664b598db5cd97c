package pipeline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestReport(t *testing.T) {
	row := func(label int, labeled bool) domain.FeatureRow {
		return domain.FeatureRow{Transaction: domain.Transaction{HasLabel: labeled, Label: label}}
	}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	res := &Result{
		Run: &domain.RunSummary{ID: "run-1", Mode: domain.RunModeFit, StartedAt: start, CompletedAt: start.Add(time.Second)},
		Scored: []domain.FeatureRow{
			row(1, true),  // flagged: TP
			row(0, true),  // flagged: FP
			row(1, true),  // missed: FN
			row(0, true),  // TN
			row(0, true),  // TN
			row(0, false), // unlabeled
		},
		Alerts: []alerting.Alert{{Position: 0}, {Position: 1}},
	}

	r := NewReport(res)
	if r.TruePositives != 1 || r.FalsePositives != 1 || r.FalseNegatives != 1 || r.TrueNegatives != 2 || r.Unlabeled != 1 {
		t.Fatalf("unexpected confusion matrix: %+v", r)
	}
	if r.Precision() != 0.5 {
		t.Errorf("expected precision 0.5, got %v", r.Precision())
	}
	if r.Recall() != 0.5 {
		t.Errorf("expected recall 0.5, got %v", r.Recall())
	}
	if r.F1() != 0.5 {
		t.Errorf("expected f1 0.5, got %v", r.F1())
	}
	if r.Duration != time.Second {
		t.Errorf("expected duration 1s, got %v", r.Duration)
	}

	var buf bytes.Buffer
	if err := r.Write(&buf, res.Run); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.Contains(buf.String(), "TP 1  FP 1  TN 2  FN 1") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}
}

func TestReportEmpty(t *testing.T) {
	r := NewReport(&Result{})
	if r.Precision() != 0 || r.Recall() != 0 || r.F1() != 0 {
		t.Errorf("expected zero metrics, got %v %v %v", r.Precision(), r.Recall(), r.F1())
	}
}
