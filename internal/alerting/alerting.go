// Package alerting selects the transactions that receive evidence records.
package alerting

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Selector flags high-risk rows.
type Selector struct {
	// Threshold at or above which a row is flagged
	Threshold float64

	// TopK caps the number of flagged rows; 0 means no cap
	TopK int
}

// NewSelector creates a selector from cfg.
func NewSelector(cfg domain.AlertingConfig) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{Threshold: cfg.Threshold, TopK: cfg.TopK}, nil
}

// Alert is one flagged row: its position in the scored slice and its score.
type Alert struct {
	Position int
	Index    int
	Score    domain.Score
}

// Select returns flagged rows ordered by descending risk, ties broken by
// source index.
func (s *Selector) Select(rows []domain.FeatureRow, scores []domain.Score) ([]Alert, error) {
	if len(rows) != len(scores) {
		return nil, fmt.Errorf("%w: %d rows but %d scores", domain.ErrInvalidInput, len(rows), len(scores))
	}

	var alerts []Alert
	for i := range rows {
		if scores[i].Risk >= s.Threshold {
			alerts = append(alerts, Alert{Position: i, Index: rows[i].Index, Score: scores[i]})
		}
	}

	sort.SliceStable(alerts, func(a, b int) bool {
		if alerts[a].Score.Risk != alerts[b].Score.Risk {
			return alerts[a].Score.Risk > alerts[b].Score.Risk
		}
		return alerts[a].Index < alerts[b].Index
	})

	if s.TopK > 0 && len(alerts) > s.TopK {
		alerts = alerts[:s.TopK]
	}
	return alerts, nil
}
