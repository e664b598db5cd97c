package domain

// Transaction is one immutable input row of a batch.
type Transaction struct {
	// Index is the row's position in the source table. It is the stable
	// tie-break for equal timestamps and the basis of alert IDs.
	Index int `json:"index"`

	Time   float64 `json:"time"`
	Amount float64 `json:"amount"`

	// Label is only meaningful when HasLabel is true.
	HasLabel bool `json:"hasLabel"`
	Label    int  `json:"label"`

	// Fields holds the original cell values, aligned to Batch.Columns.
	Fields []string `json:"fields,omitempty"`
}

// Batch is a finite, already-collected table of transactions.
type Batch struct {
	Columns      []string      `json:"columns"`
	TimeColumn   string        `json:"timeColumn"`
	AmountColumn string        `json:"amountColumn"`
	LabelColumn  string        `json:"labelColumn"`
	Transactions []Transaction `json:"transactions"`
}

// Len returns the number of transactions in the batch.
func (b *Batch) Len() int {
	return len(b.Transactions)
}

// HasColumn reports whether name is one of the batch columns.
func (b *Batch) HasColumn(name string) bool {
	for _, c := range b.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// EntityBinding is the synthetic identity assigned to one transaction.
type EntityBinding struct {
	CardID     int `json:"card_id"`
	MerchantID int `json:"merchant_id"`
	DeviceID   int `json:"device_id"`
	IPID       int `json:"ip_id"`
	GeoID      int `json:"geo_id"`

	// Drift records which dimensions were overridden for this transaction.
	Drift DriftFlags `json:"-"`
}

// DriftFlags mark transaction-local overrides of a card's primary values.
type DriftFlags struct {
	NewDevice bool
	NewIP     bool
	GeoJump   bool
}

// FeatureRow is a transaction with its binding and the derived and
// rate-encoded signals attached.
type FeatureRow struct {
	Transaction
	Binding *EntityBinding     `json:"binding"`
	Signals map[string]float64 `json:"signals"`
}

// Signal returns the named signal and whether it is present.
func (r *FeatureRow) Signal(name string) (float64, bool) {
	if r.Signals == nil {
		return 0, false
	}
	v, ok := r.Signals[name]
	return v, ok
}

// SetSignal stores a signal value, allocating the map on first use.
func (r *FeatureRow) SetSignal(name string, v float64) {
	if r.Signals == nil {
		r.Signals = make(map[string]float64, len(DerivedSignals)+len(RateSignals))
	}
	r.Signals[name] = v
}

// Clone returns a copy whose signal map is not shared with r.
func (r *FeatureRow) Clone() FeatureRow {
	out := FeatureRow{Transaction: r.Transaction, Binding: r.Binding}
	if r.Signals != nil {
		out.Signals = make(map[string]float64, len(r.Signals))
		for k, v := range r.Signals {
			out.Signals[k] = v
		}
	}
	return out
}
