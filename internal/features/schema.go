package features

import (
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Schema is the ordered feature list handed to the scoring oracle: the
// original non-label columns, the entity identifiers, the derived signals
// and the rate-encoded signals.
type Schema struct {
	names  []string
	source []column
}

type column struct {
	kind  columnKind
	field int // index into Transaction.Fields for kindField
	name  string
}

type columnKind int

const (
	kindField columnKind = iota
	kindTime
	kindAmount
	kindEntity
	kindSignal
)

// NewSchema builds the widened-table schema for a batch.
func NewSchema(b *domain.Batch) *Schema {
	generated := make(map[string]bool)
	for _, group := range [][]string{domain.EntityColumns, domain.DerivedSignals, domain.RateSignals} {
		for _, n := range group {
			generated[n] = true
		}
	}

	s := &Schema{}
	for i, c := range b.Columns {
		if c == b.LabelColumn || generated[c] {
			continue
		}
		col := column{kind: kindField, field: i, name: c}
		switch c {
		case b.TimeColumn:
			col.kind = kindTime
		case b.AmountColumn:
			col.kind = kindAmount
		}
		s.add(col)
	}
	for _, n := range domain.EntityColumns {
		s.add(column{kind: kindEntity, name: n})
	}
	for _, n := range domain.DerivedSignals {
		s.add(column{kind: kindSignal, name: n})
	}
	for _, n := range domain.RateSignals {
		s.add(column{kind: kindSignal, name: n})
	}
	return s
}

func (s *Schema) add(c column) {
	s.names = append(s.names, c.name)
	s.source = append(s.source, c)
}

// Names returns the feature names in vector order.
func (s *Schema) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of features.
func (s *Schema) Len() int {
	return len(s.names)
}

// Vector encodes one row. Absent signals take their neutral defaults and
// non-numeric original fields encode as 0.
func (s *Schema) Vector(row *domain.FeatureRow) []float64 {
	v := make([]float64, len(s.source))
	for i, c := range s.source {
		switch c.kind {
		case kindTime:
			v[i] = row.Time
		case kindAmount:
			v[i] = row.Amount
		case kindField:
			if c.field < len(row.Fields) {
				if f, err := strconv.ParseFloat(row.Fields[c.field], 64); err == nil {
					v[i] = f
				}
			}
		case kindEntity:
			v[i] = entityValue(row.Binding, c.name)
		case kindSignal:
			if val, ok := row.Signal(c.name); ok {
				v[i] = val
			} else {
				v[i] = domain.SignalDefault(c.name)
			}
		}
	}
	return v
}

// Matrix encodes every row.
func (s *Schema) Matrix(rows []domain.FeatureRow) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range rows {
		out[i] = s.Vector(&rows[i])
	}
	return out
}

func entityValue(b *domain.EntityBinding, name string) float64 {
	if b == nil {
		return 0
	}
	switch name {
	case domain.ColumnCardID:
		return float64(b.CardID)
	case domain.ColumnMerchantID:
		return float64(b.MerchantID)
	case domain.ColumnDeviceID:
		return float64(b.DeviceID)
	case domain.ColumnIPID:
		return float64(b.IPID)
	case domain.ColumnGeoID:
		return float64(b.GeoID)
	}
	return 0
}
