package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Direction labels for model drivers.
const (
	DirectionIncrease = "increase_risk"
	DirectionDecrease = "decrease_risk"
)

// Driver is one ranked attribution entry.
type Driver struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	Direction string  `json:"direction"`
}

// EvidenceTransaction is the transaction section of an evidence record.
type EvidenceTransaction struct {
	Time       float64 `json:"time"`
	Amount     float64 `json:"amount"`
	CardID     int     `json:"card_id"`
	MerchantID int     `json:"merchant_id"`
	DeviceID   int     `json:"device_id"`
	IPID       int     `json:"ip_id"`
	GeoID      int     `json:"geo_id"`
}

// DerivedSignalSet is the derived_signals section of an evidence record.
type DerivedSignalSet struct {
	IsNewDevice       int     `json:"is_new_device"`
	IsNewIP           int     `json:"is_new_ip"`
	IsGeoJump         int     `json:"is_geo_jump"`
	Velocity10m       int     `json:"velocity_10m"`
	AmtRobustZ        float64 `json:"amt_robust_z"`
	MerchantFraudRate float64 `json:"merchant_fraud_rate"`
	IPFraudRate       float64 `json:"ip_fraud_rate"`
	DeviceFraudRate   float64 `json:"device_fraud_rate"`
}

// EvidenceRecord is an immutable audit artifact for one flagged
// transaction. Construct it with NewEvidenceRecord; accessors return
// copies so the record cannot be changed after creation.
type EvidenceRecord struct {
	alertID     string
	generatedAt time.Time
	riskScore   float64
	transaction EvidenceTransaction
	signals     DerivedSignalSet
	drivers     []Driver
	defaulted   []string
}

// NewEvidenceRecord builds a record, copying every slice it is given.
func NewEvidenceRecord(alertID string, generatedAt time.Time, riskScore float64, tx EvidenceTransaction, signals DerivedSignalSet, drivers []Driver, defaulted []string) *EvidenceRecord {
	return &EvidenceRecord{
		alertID:     alertID,
		generatedAt: generatedAt.UTC(),
		riskScore:   riskScore,
		transaction: tx,
		signals:     signals,
		drivers:     append([]Driver(nil), drivers...),
		defaulted:   append([]string(nil), defaulted...),
	}
}

func (r *EvidenceRecord) AlertID() string                  { return r.alertID }
func (r *EvidenceRecord) GeneratedAt() time.Time           { return r.generatedAt }
func (r *EvidenceRecord) RiskScore() float64               { return r.riskScore }
func (r *EvidenceRecord) Transaction() EvidenceTransaction { return r.transaction }
func (r *EvidenceRecord) Signals() DerivedSignalSet        { return r.signals }

// Drivers returns a copy of the ranked drivers.
func (r *EvidenceRecord) Drivers() []Driver {
	return append([]Driver(nil), r.drivers...)
}

// Defaulted returns the signal names that were filled with neutral defaults.
func (r *EvidenceRecord) Defaulted() []string {
	return append([]string(nil), r.defaulted...)
}

type evidenceRisk struct {
	RiskScore float64 `json:"risk_score"`
}

type evidenceJSON struct {
	AlertID         string              `json:"alert_id"`
	GeneratedAt     string              `json:"generated_at"`
	Risk            evidenceRisk        `json:"risk"`
	Transaction     EvidenceTransaction `json:"transaction"`
	DerivedSignals  DerivedSignalSet    `json:"derived_signals"`
	TopModelDrivers []Driver            `json:"top_model_drivers"`
	DefaultedFields []string            `json:"defaulted_fields,omitempty"`
}

// TimestampLayout is the generated_at format.
const TimestampLayout = time.RFC3339Nano

// MarshalJSON encodes the record in its line-oriented wire format.
func (r *EvidenceRecord) MarshalJSON() ([]byte, error) {
	drivers := r.drivers
	if drivers == nil {
		drivers = []Driver{}
	}
	return json.Marshal(evidenceJSON{
		AlertID:         r.alertID,
		GeneratedAt:     r.generatedAt.Format(TimestampLayout),
		Risk:            evidenceRisk{RiskScore: r.riskScore},
		Transaction:     r.transaction,
		DerivedSignals:  r.signals,
		TopModelDrivers: drivers,
		DefaultedFields: r.defaulted,
	})
}

// UnmarshalJSON decodes a record in the wire format.
func (r *EvidenceRecord) UnmarshalJSON(data []byte) error {
	var raw evidenceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(TimestampLayout, raw.GeneratedAt)
	if err != nil {
		return err
	}
	*r = *NewEvidenceRecord(raw.AlertID, ts, raw.Risk.RiskScore, raw.Transaction, raw.DerivedSignals, raw.TopModelDrivers, raw.DefaultedFields)
	return nil
}

// Score is the oracle's output for one feature row.
type Score struct {
	Risk         float64   `json:"risk"`
	Attributions []float64 `json:"attributions"`
}

// Scorer is the external risk-scoring oracle. Given feature names and one
// vector per row it returns a risk in [0,1] and a same-length attribution
// vector per row.
type Scorer interface {
	Score(ctx context.Context, names []string, vectors [][]float64) ([]Score, error)
}

// EvidenceSink receives assembled evidence records.
type EvidenceSink interface {
	Write(ctx context.Context, runID string, rec *EvidenceRecord) error
}

// RunSummary describes one completed pipeline run.
type RunSummary struct {
	ID          string    `json:"id"`
	RateTableID string    `json:"rateTableId"`
	Mode        string    `json:"mode"` // "fit" or "apply"
	Rows        int       `json:"rows"`
	Cards       int       `json:"cards"`
	TrainRows   int       `json:"trainRows"`
	EvalRows    int       `json:"evalRows"`
	ScoredRows  int       `json:"scoredRows"`
	Alerts      int       `json:"alerts"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// Run modes.
const (
	RunModeFit   = "fit"
	RunModeApply = "apply"
)
