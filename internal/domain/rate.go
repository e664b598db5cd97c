package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RateKind names one of the rate-encoded identifier dimensions.
type RateKind string

const (
	RateMerchant RateKind = "merchant"
	RateIP       RateKind = "ip"
	RateDevice   RateKind = "device"
)

// RateTable holds per-identifier positive-label rates fitted once from a
// training partition. It is read-only after construction and safe for
// concurrent use.
type RateTable struct {
	id         string
	fittedAt   time.Time
	trainRows  int
	globalRate float64
	merchant   map[int]float64
	ip         map[int]float64
	device     map[int]float64
}

// NewRateTable builds a table from the given group rates. The maps are
// copied so later changes by the caller are not observed.
func NewRateTable(id string, fittedAt time.Time, trainRows int, globalRate float64, merchant, ip, device map[int]float64) *RateTable {
	return &RateTable{
		id:         id,
		fittedAt:   fittedAt.UTC(),
		trainRows:  trainRows,
		globalRate: globalRate,
		merchant:   copyRates(merchant),
		ip:         copyRates(ip),
		device:     copyRates(device),
	}
}

func copyRates(m map[int]float64) map[int]float64 {
	out := make(map[int]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (t *RateTable) ID() string          { return t.id }
func (t *RateTable) FittedAt() time.Time { return t.fittedAt }
func (t *RateTable) TrainRows() int      { return t.trainRows }
func (t *RateTable) GlobalRate() float64 { return t.globalRate }

// Lookup returns the fitted rate for id on the given dimension and
// whether it was seen during fit.
func (t *RateTable) Lookup(kind RateKind, id int) (float64, bool) {
	var m map[int]float64
	switch kind {
	case RateMerchant:
		m = t.merchant
	case RateIP:
		m = t.ip
	case RateDevice:
		m = t.device
	}
	v, ok := m[id]
	return v, ok
}

// Groups returns the number of fitted groups on a dimension.
func (t *RateTable) Groups(kind RateKind) int {
	switch kind {
	case RateMerchant:
		return len(t.merchant)
	case RateIP:
		return len(t.ip)
	case RateDevice:
		return len(t.device)
	}
	return 0
}

type rateEntry struct {
	ID   int     `json:"id"`
	Rate float64 `json:"rate"`
}

type rateTableJSON struct {
	ID         string      `json:"id"`
	FittedAt   time.Time   `json:"fittedAt"`
	TrainRows  int         `json:"trainRows"`
	GlobalRate float64     `json:"globalRate"`
	Merchant   []rateEntry `json:"merchant"`
	IP         []rateEntry `json:"ip"`
	Device     []rateEntry `json:"device"`
}

func sortedEntries(m map[int]float64) []rateEntry {
	out := make([]rateEntry, 0, len(m))
	for k, v := range m {
		out = append(out, rateEntry{ID: k, Rate: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func entryMap(entries []rateEntry) (map[int]float64, error) {
	m := make(map[int]float64, len(entries))
	for _, e := range entries {
		if _, dup := m[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rate entry for id %d", ErrInvalidInput, e.ID)
		}
		m[e.ID] = e.Rate
	}
	return m, nil
}

// MarshalJSON encodes the table with entries sorted by identifier.
func (t *RateTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(rateTableJSON{
		ID:         t.id,
		FittedAt:   t.fittedAt,
		TrainRows:  t.trainRows,
		GlobalRate: t.globalRate,
		Merchant:   sortedEntries(t.merchant),
		IP:         sortedEntries(t.ip),
		Device:     sortedEntries(t.device),
	})
}

// UnmarshalJSON decodes a table produced by MarshalJSON.
func (t *RateTable) UnmarshalJSON(data []byte) error {
	var raw rateTableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	merchant, err := entryMap(raw.Merchant)
	if err != nil {
		return err
	}
	ip, err := entryMap(raw.IP)
	if err != nil {
		return err
	}
	device, err := entryMap(raw.Device)
	if err != nil {
		return err
	}
	*t = RateTable{
		id:         raw.ID,
		fittedAt:   raw.FittedAt.UTC(),
		trainRows:  raw.TrainRows,
		globalRate: raw.GlobalRate,
		merchant:   merchant,
		ip:         ip,
		device:     device,
	}
	return nil
}
