package domain

// Derived signal names.
const (
	SignalNewDevice = "is_new_device"
	SignalNewIP     = "is_new_ip"
	SignalGeoJump   = "is_geo_jump"
	SignalAmountZ   = "amt_robust_z"
	SignalVelocity  = "velocity_10m"
)

// Rate-encoded signal names.
const (
	SignalMerchantRate = "merchant_fraud_rate"
	SignalIPRate       = "ip_fraud_rate"
	SignalDeviceRate   = "device_fraud_rate"
)

// Entity identifier column names.
const (
	ColumnCardID     = "card_id"
	ColumnMerchantID = "merchant_id"
	ColumnDeviceID   = "device_id"
	ColumnIPID       = "ip_id"
	ColumnGeoID      = "geo_id"
)

// EntityColumns lists the identifier columns in widened-table order.
var EntityColumns = []string{ColumnCardID, ColumnMerchantID, ColumnDeviceID, ColumnIPID, ColumnGeoID}

// DerivedSignals lists the temporal signals in widened-table order.
var DerivedSignals = []string{SignalNewDevice, SignalNewIP, SignalGeoJump, SignalAmountZ, SignalVelocity}

// RateSignals lists the rate-encoded signals in widened-table order.
var RateSignals = []string{SignalMerchantRate, SignalIPRate, SignalDeviceRate}

// EvidenceSignals is the order derived signals appear in an evidence record.
var EvidenceSignals = []string{
	SignalNewDevice,
	SignalNewIP,
	SignalGeoJump,
	SignalVelocity,
	SignalAmountZ,
	SignalMerchantRate,
	SignalIPRate,
	SignalDeviceRate,
}

// signalDefaults are the neutral values substituted when a signal is absent.
var signalDefaults = map[string]float64{
	SignalNewDevice:    0,
	SignalNewIP:        0,
	SignalGeoJump:      0,
	SignalVelocity:     1,
	SignalAmountZ:      0,
	SignalMerchantRate: 0,
	SignalIPRate:       0,
	SignalDeviceRate:   0,
}

// SignalDefault returns the neutral default for a signal. Unknown names
// default to 0.
func SignalDefault(name string) float64 {
	return signalDefaults[name]
}

// BoolSignal encodes a flag as a 0/1 signal value.
func BoolSignal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
