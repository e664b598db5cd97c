// Package evidence assembles immutable evidence records for flagged
// transactions and writes them as JSON lines.
package evidence

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultTopK is the number of model drivers kept per record.
const DefaultTopK = 8

// Assembler builds evidence records.
type Assembler struct {
	topK   int
	clock  func() time.Time
	logger *slog.Logger
}

// NewAssembler creates an assembler from cfg.
func NewAssembler(cfg domain.EvidenceConfig, logger *slog.Logger) (*Assembler, error) {
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		topK:   cfg.TopK,
		clock:  time.Now,
		logger: logger,
	}, nil
}

// WithClock returns a copy of the assembler that stamps records with clock.
func (a *Assembler) WithClock(clock func() time.Time) *Assembler {
	c := *a
	c.clock = clock
	return &c
}

// AlertID returns the stable identifier for a source row.
func AlertID(index int) string {
	return fmt.Sprintf("ALERT-%d", index)
}

// Assemble builds the record for one flagged row. names and attributions
// must have the same length and risk must lie in [0, 1]. Missing derived
// signals take neutral defaults and are listed on the record.
func (a *Assembler) Assemble(row *domain.FeatureRow, risk float64, names []string, attributions []float64) (*domain.EvidenceRecord, error) {
	if row.Binding == nil {
		return nil, &domain.SchemaError{Component: "evidence", Column: domain.ColumnCardID, Row: row.Index}
	}
	if math.IsNaN(risk) || risk < 0 || risk > 1 {
		return nil, fmt.Errorf("%w: risk score %v outside [0, 1]", domain.ErrInvalidInput, risk)
	}
	drivers, err := TopDrivers(names, attributions, a.topK)
	if err != nil {
		return nil, err
	}

	var defaulted []string
	value := func(name string) float64 {
		v, ok := row.Signal(name)
		if !ok {
			defaulted = append(defaulted, name)
			return domain.SignalDefault(name)
		}
		return v
	}

	signals := domain.DerivedSignalSet{
		IsNewDevice:       int(value(domain.SignalNewDevice)),
		IsNewIP:           int(value(domain.SignalNewIP)),
		IsGeoJump:         int(value(domain.SignalGeoJump)),
		Velocity10m:       int(value(domain.SignalVelocity)),
		AmtRobustZ:        value(domain.SignalAmountZ),
		MerchantFraudRate: value(domain.SignalMerchantRate),
		IPFraudRate:       value(domain.SignalIPRate),
		DeviceFraudRate:   value(domain.SignalDeviceRate),
	}

	b := row.Binding
	tx := domain.EvidenceTransaction{
		Time:       row.Time,
		Amount:     row.Amount,
		CardID:     b.CardID,
		MerchantID: b.MerchantID,
		DeviceID:   b.DeviceID,
		IPID:       b.IPID,
		GeoID:      b.GeoID,
	}

	if len(defaulted) > 0 {
		a.logger.Debug("evidence signals defaulted",
			"alert_id", AlertID(row.Index),
			"fields", defaulted,
		)
	}

	return domain.NewEvidenceRecord(AlertID(row.Index), a.clock(), risk, tx, signals, drivers, defaulted), nil
}

// TopDrivers ranks features by descending absolute attribution and keeps
// the first k. Equal magnitudes keep feature order. A zero value is
// labeled decrease_risk.
func TopDrivers(names []string, values []float64, k int) ([]domain.Driver, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("%w: %d feature names but %d attribution values", domain.ErrInvalidInput, len(names), len(values))
	}
	order := make([]int, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: attribution for %s is NaN", domain.ErrInvalidInput, names[i])
		}
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(values[order[a]]) > math.Abs(values[order[b]])
	})
	if k < 0 {
		k = 0
	}
	if k < len(order) {
		order = order[:k]
	}

	drivers := make([]domain.Driver, len(order))
	for j, i := range order {
		dir := domain.DirectionDecrease
		if values[i] > 0 {
			dir = domain.DirectionIncrease
		}
		drivers[j] = domain.Driver{Feature: names[i], Value: values[i], Direction: dir}
	}
	return drivers, nil
}
