// Package binder assigns synthetic card, merchant, device, IP and geo
// identities to transactions.
package binder

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Primary is the device, IP and geo a card uses unless a drift event
// overrides it for a single transaction.
type Primary struct {
	DeviceID int
	IPID     int
	GeoID    int
}

// Result is the outcome of binding one batch.
type Result struct {
	Bindings  []domain.EntityBinding
	Primaries []Primary // indexed by card ID
}

// Primary returns the primary triple for a card.
func (r *Result) Primary(cardID int) Primary {
	return r.Primaries[cardID]
}

// Binder draws entity bindings from a validated configuration.
type Binder struct {
	cfg    domain.BinderConfig
	cdf    []float64
	logger *slog.Logger
}

// New validates cfg and prepares the merchant distribution.
func New(cfg domain.BinderConfig, logger *slog.Logger) (*Binder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		cfg:    cfg,
		cdf:    zipfCDF(cfg.NMerchants),
		logger: logger,
	}, nil
}

// NewRand returns the generator the binder seeds itself with.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
}

// Bind produces one binding per transaction using the configured seed.
// The same seed and n always yield identical bindings.
func (b *Binder) Bind(n int) (*Result, error) {
	return b.BindWith(NewRand(b.cfg.Seed), n)
}

// BindWith produces bindings from an explicit generator. Draws happen in
// a fixed order: card IDs, merchants, per-card primaries (devices, then
// IPs, then geos), then the device, IP and geo drift passes.
func (b *Binder) BindWith(rng *rand.Rand, n int) (*Result, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: transaction count %d", domain.ErrInvalidInput, n)
	}
	cfg := b.cfg

	cards := uniform(rng, n, cfg.NCards)
	merchants := b.merchants(rng, n)

	// Phase one: the whole card universe gets its primaries before any
	// row is resolved.
	devices := uniform(rng, cfg.NCards, cfg.NDevices)
	ips := uniform(rng, cfg.NCards, cfg.NIPs)
	geos := uniform(rng, cfg.NCards, cfg.NGeos)

	primaries := make([]Primary, cfg.NCards)
	for c := range primaries {
		primaries[c] = Primary{DeviceID: devices[c], IPID: ips[c], GeoID: geos[c]}
	}

	bindings := make([]domain.EntityBinding, n)
	for i := range bindings {
		p := primaries[cards[i]]
		bindings[i] = domain.EntityBinding{
			CardID:     cards[i],
			MerchantID: merchants[i],
			DeviceID:   p.DeviceID,
			IPID:       p.IPID,
			GeoID:      p.GeoID,
		}
	}

	// Phase two: transaction-local drift. Each pass draws its whole mask
	// before the replacement values.
	drift(rng, n, cfg.PNewDevice, cfg.NDevices, func(i, v int) {
		bindings[i].DeviceID = v
		bindings[i].Drift.NewDevice = true
	})
	drift(rng, n, cfg.PNewIP, cfg.NIPs, func(i, v int) {
		bindings[i].IPID = v
		bindings[i].Drift.NewIP = true
	})
	drift(rng, n, cfg.PGeoJump, cfg.NGeos, func(i, v int) {
		bindings[i].GeoID = v
		bindings[i].Drift.GeoJump = true
	})

	b.logger.Debug("entities bound",
		"rows", n,
		"cards", cfg.NCards,
		"merchants", cfg.NMerchants,
	)

	return &Result{Bindings: bindings, Primaries: primaries}, nil
}

func uniform(rng *rand.Rand, n, size int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rng.IntN(size)
	}
	return out
}

func drift(rng *rand.Rand, n int, p float64, size int, set func(i, v int)) {
	mask := make([]int, 0, int(float64(n)*p)+1)
	for i := 0; i < n; i++ {
		if rng.Float64() < p {
			mask = append(mask, i)
		}
	}
	for _, i := range mask {
		set(i, rng.IntN(size))
	}
}

func (b *Binder) merchants(rng *rand.Rand, n int) []int {
	out := make([]int, n)
	last := len(b.cdf) - 1
	for i := range out {
		idx := sort.SearchFloat64s(b.cdf, rng.Float64())
		if idx > last {
			idx = last
		}
		out[i] = idx
	}
	return out
}

// zipfCDF returns the cumulative distribution of rank-reciprocal weights
// 1/(1+r) over [0, size).
func zipfCDF(size int) []float64 {
	cdf := make([]float64, size)
	var total float64
	for r := 0; r < size; r++ {
		total += 1.0 / (1.0 + float64(r))
		cdf[r] = total
	}
	for r := range cdf {
		cdf[r] /= total
	}
	cdf[size-1] = 1
	return cdf
}
