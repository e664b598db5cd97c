package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Report compares the alert set with ground-truth labels of the scored
// rows. Unlabeled rows are counted but not classified.
type Report struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
	Unlabeled      int
	Duration       time.Duration
}

// NewReport builds the confusion matrix of res.
func NewReport(res *Result) Report {
	flagged := make(map[int]bool, len(res.Alerts))
	for _, a := range res.Alerts {
		flagged[a.Position] = true
	}

	var r Report
	for i := range res.Scored {
		row := &res.Scored[i]
		if !row.HasLabel {
			r.Unlabeled++
			continue
		}
		switch {
		case flagged[i] && row.Label == 1:
			r.TruePositives++
		case flagged[i]:
			r.FalsePositives++
		case row.Label == 1:
			r.FalseNegatives++
		default:
			r.TrueNegatives++
		}
	}
	if res.Run != nil {
		r.Duration = res.Run.CompletedAt.Sub(res.Run.StartedAt)
	}
	return r
}

// Precision is the share of labeled alerts that were positives.
func (r Report) Precision() float64 {
	return ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
}

// Recall is the share of labeled positives that were alerted.
func (r Report) Recall() float64 {
	return ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (r Report) F1() float64 {
	p, rc := r.Precision(), r.Recall()
	if p+rc == 0 {
		return 0
	}
	return 2 * p * rc / (p + rc)
}

// Write prints the report in a fixed-width layout.
func (r Report) Write(w io.Writer, run *domain.RunSummary) error {
	_, err := fmt.Fprintf(w, `run %s (%s)
  rate table:  %s
  scored:      %d rows, %d alerts
  confusion:   TP %d  FP %d  TN %d  FN %d  unlabeled %d
  precision:   %.4f
  recall:      %.4f
  f1:          %.4f
  duration:    %v
`,
		run.ID, run.Mode, run.RateTableID, run.ScoredRows, run.Alerts,
		r.TruePositives, r.FalsePositives, r.TrueNegatives, r.FalseNegatives, r.Unlabeled,
		r.Precision(), r.Recall(), r.F1(), r.Duration.Round(time.Millisecond))
	return err
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
