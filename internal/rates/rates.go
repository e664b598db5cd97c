// Package rates fits per-identifier positive-label rates on a training
// partition and applies them to any partition.
package rates

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Encoder fits rate tables.
type Encoder struct {
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewEncoder creates an encoder.
func NewEncoder(logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

type group struct {
	sum   float64
	count int
}

func (g group) mean() float64 {
	return g.sum / float64(g.count)
}

// Fit groups the training rows by merchant, IP and device and returns the
// label mean of each group plus the overall label mean. Every row must be
// labeled and bound; both checks run before any aggregation.
func (e *Encoder) Fit(rows []domain.FeatureRow, partition string) (*domain.RateTable, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: partition %q is empty", domain.ErrInvalidInput, partition)
	}
	for i := range rows {
		if rows[i].Binding == nil {
			return nil, &domain.SchemaError{Component: "rates", Column: domain.ColumnMerchantID, Partition: partition, Row: rows[i].Index}
		}
		if !rows[i].HasLabel {
			return nil, &domain.LeakageError{Partition: partition, Row: rows[i].Index}
		}
	}

	merchant := make(map[int]group)
	ip := make(map[int]group)
	device := make(map[int]group)
	var total float64

	for i := range rows {
		y := float64(rows[i].Label)
		b := rows[i].Binding
		total += y
		add(merchant, b.MerchantID, y)
		add(ip, b.IPID, y)
		add(device, b.DeviceID, y)
	}

	table := domain.NewRateTable(
		e.newID(),
		e.now(),
		len(rows),
		total/float64(len(rows)),
		means(merchant),
		means(ip),
		means(device),
	)

	e.logger.Info("rate table fitted",
		"table_id", table.ID(),
		"partition", partition,
		"train_rows", len(rows),
		"global_rate", table.GlobalRate(),
		"merchants", table.Groups(domain.RateMerchant),
		"ips", table.Groups(domain.RateIP),
		"devices", table.Groups(domain.RateDevice),
	)

	return table, nil
}

func add(m map[int]group, id int, y float64) {
	g := m[id]
	g.sum += y
	g.count++
	m[id] = g
}

func means(m map[int]group) map[int]float64 {
	out := make(map[int]float64, len(m))
	for k, g := range m {
		out[k] = g.mean()
	}
	return out
}

// Lookups counts identifier hits and global-rate fallbacks per dimension.
type Lookups struct {
	Hits   map[domain.RateKind]int
	Misses map[domain.RateKind]int
}

// Apply returns copies of rows with the three rate signals set. An
// identifier absent from the table falls back to the global rate. The
// table is only read.
func Apply(table *domain.RateTable, rows []domain.FeatureRow, partition string) ([]domain.FeatureRow, Lookups, error) {
	lookups := Lookups{
		Hits:   make(map[domain.RateKind]int, 3),
		Misses: make(map[domain.RateKind]int, 3),
	}
	if table == nil {
		return nil, lookups, fmt.Errorf("%w: rate table is required", domain.ErrInvalidInput)
	}
	for i := range rows {
		if rows[i].Binding == nil {
			return nil, lookups, &domain.SchemaError{Component: "rates", Column: domain.ColumnMerchantID, Partition: partition, Row: rows[i].Index}
		}
	}

	dims := []struct {
		kind   domain.RateKind
		signal string
		id     func(*domain.EntityBinding) int
	}{
		{domain.RateMerchant, domain.SignalMerchantRate, func(b *domain.EntityBinding) int { return b.MerchantID }},
		{domain.RateIP, domain.SignalIPRate, func(b *domain.EntityBinding) int { return b.IPID }},
		{domain.RateDevice, domain.SignalDeviceRate, func(b *domain.EntityBinding) int { return b.DeviceID }},
	}

	out := make([]domain.FeatureRow, len(rows))
	for i := range rows {
		row := rows[i].Clone()
		for _, d := range dims {
			v, ok := table.Lookup(d.kind, d.id(row.Binding))
			if ok {
				lookups.Hits[d.kind]++
			} else {
				v = table.GlobalRate()
				lookups.Misses[d.kind]++
			}
			row.SetSignal(d.signal, v)
		}
		out[i] = row
	}
	return out, lookups, nil
}
