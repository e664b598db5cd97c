// Package features derives per-card temporal and statistical signals.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

const (
	// madEpsilon keeps the denominator positive when a card's amounts are equal.
	madEpsilon = 1e-6

	// madScale makes MAD comparable to a standard deviation under normality.
	madScale = 1.4826
)

// Engine derives the temporal feature set for a batch.
type Engine struct {
	window     float64
	bound      velocity.Bound
	stats      string
	maxWorkers int
	logger     *slog.Logger
}

// NewEngine creates a feature engine from cfg.
func NewEngine(cfg domain.FeaturesConfig, logger *slog.Logger) (*Engine, error) {
	if cfg.AmountStats == "" {
		cfg.AmountStats = domain.AmountStatsRunning
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WindowSecs == 0 {
		cfg.WindowSecs = velocity.DefaultWindowSecs
	}
	bound, err := velocity.ParseBound(cfg.WindowBound)
	if err != nil {
		return nil, &domain.ConfigError{Field: "features.window_bound", Reason: err.Error()}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		window:     cfg.WindowSecs,
		bound:      bound,
		stats:      cfg.AmountStats,
		maxWorkers: workers,
		logger:     logger,
	}, nil
}

// Attach pairs transactions with their bindings.
func Attach(txs []domain.Transaction, bindings []domain.EntityBinding) ([]domain.FeatureRow, error) {
	if len(txs) != len(bindings) {
		return nil, fmt.Errorf("%w: %d transactions but %d bindings", domain.ErrInvalidInput, len(txs), len(bindings))
	}
	rows := make([]domain.FeatureRow, len(txs))
	for i := range txs {
		b := bindings[i]
		rows[i] = domain.FeatureRow{Transaction: txs[i], Binding: &b}
	}
	return rows, nil
}

// Derive returns copies of rows with the derived signals set. Every row
// must carry a binding; the check runs before any computation.
func (e *Engine) Derive(ctx context.Context, rows []domain.FeatureRow) ([]domain.FeatureRow, error) {
	for i := range rows {
		if rows[i].Binding == nil {
			return nil, &domain.SchemaError{Component: "features", Column: domain.ColumnCardID, Row: rows[i].Index}
		}
		if math.IsNaN(rows[i].Time) {
			return nil, &domain.SchemaError{Component: "features", Column: "time", Row: rows[i].Index}
		}
	}

	out := make([]domain.FeatureRow, len(rows))
	for i := range rows {
		out[i] = rows[i].Clone()
	}

	groups := GroupByCard(out)
	cards := make([]int, 0, len(groups))
	for c := range groups {
		cards = append(cards, c)
	}
	sort.Ints(cards)

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(idxs []int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			e.deriveCard(out, idxs)
		}(groups[card])
	}

	wg.Wait()

	e.logger.Info("features derived",
		"rows", len(out),
		"cards", len(cards),
		"amount_stats", e.stats,
		"window_bound", e.bound.String(),
	)

	return out, nil
}

// GroupByCard maps each card to its row indices in ascending time order.
// Equal timestamps keep their input order.
func GroupByCard(rows []domain.FeatureRow) map[int][]int {
	groups := make(map[int][]int)
	for i := range rows {
		c := rows[i].Binding.CardID
		groups[c] = append(groups[c], i)
	}
	for _, idxs := range groups {
		sort.SliceStable(idxs, func(a, b int) bool {
			return rows[idxs[a]].Time < rows[idxs[b]].Time
		})
	}
	return groups
}

// deriveCard walks one card's time-ordered rows. It only writes rows in
// idxs, so cards can run concurrently.
func (e *Engine) deriveCard(rows []domain.FeatureRow, idxs []int) {
	times := make([]float64, len(idxs))
	for k, i := range idxs {
		times[k] = rows[i].Time
	}
	counts := velocity.Window(times, e.window, e.bound)

	seenDevice := make(map[int]struct{})
	seenIP := make(map[int]struct{})

	var cardMed, cardMAD float64
	if e.stats == domain.AmountStatsCard {
		sorted := make([]float64, len(idxs))
		for k, i := range idxs {
			sorted[k] = rows[i].Amount
		}
		sort.Float64s(sorted)
		cardMed = medianSorted(sorted)
		cardMAD = madSorted(sorted, cardMed)
	}
	running := make([]float64, 0, len(idxs))

	for k, i := range idxs {
		row := &rows[i]
		b := row.Binding

		_, seen := seenDevice[b.DeviceID]
		row.SetSignal(domain.SignalNewDevice, domain.BoolSignal(!seen))
		seenDevice[b.DeviceID] = struct{}{}

		_, seen = seenIP[b.IPID]
		row.SetSignal(domain.SignalNewIP, domain.BoolSignal(!seen))
		seenIP[b.IPID] = struct{}{}

		jump := k > 0 && rows[idxs[k-1]].Binding.GeoID != b.GeoID
		row.SetSignal(domain.SignalGeoJump, domain.BoolSignal(jump))

		row.SetSignal(domain.SignalVelocity, float64(counts[k]))

		med, mad := cardMed, cardMAD
		if e.stats == domain.AmountStatsRunning {
			running = insertSorted(running, row.Amount)
			med = medianSorted(running)
			mad = madSorted(running, med)
		}
		row.SetSignal(domain.SignalAmountZ, RobustZ(row.Amount, med, mad))
	}
}

// RobustZ scales the deviation from the median by the epsilon-stabilized MAD.
func RobustZ(amount, median, mad float64) float64 {
	return (amount - median) / (madScale * (mad + madEpsilon))
}

func insertSorted(s []float64, x float64) []float64 {
	i := sort.SearchFloat64s(s, x)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = x
	return s
}

// medianSorted returns the median of a non-empty ascending slice.
func medianSorted(s []float64) float64 {
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// madSorted returns the median absolute deviation of a non-empty ascending
// slice around med. Deviations grow outward from med on both sides, so the
// two runs are merged without sorting.
func madSorted(s []float64, med float64) float64 {
	n := len(s)
	r := sort.SearchFloat64s(s, med)
	l := r - 1

	var prev, cur float64
	for taken := 0; taken <= n/2; taken++ {
		prev = cur
		if l >= 0 && (r >= n || med-s[l] <= s[r]-med) {
			cur = med - s[l]
			l--
		} else {
			cur = s[r] - med
			r++
		}
	}
	if n%2 == 1 {
		return cur
	}
	return (prev + cur) / 2
}
