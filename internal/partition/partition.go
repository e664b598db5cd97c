// Package partition splits labeled feature rows into disjoint training and
// evaluation partitions.
package partition

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Partition names used in errors and logs.
const (
	Train = "train"
	Eval  = "eval"
)

// Split is the result of a stratified split. Each side owns its rows.
type Split struct {
	Train []domain.FeatureRow
	Eval  []domain.FeatureRow
}

// Stratified assigns round(testSize * n_class) rows of each label class to
// the evaluation partition after a seeded shuffle. Both partitions keep the
// rows' input order. Every row must be labeled.
func Stratified(rows []domain.FeatureRow, testSize float64, seed int64) (*Split, error) {
	if err := (domain.PartitionConfig{TestSize: testSize, Seed: seed}).Validate(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows to partition", domain.ErrInvalidInput)
	}

	classes := make(map[int][]int)
	for i := range rows {
		if !rows[i].HasLabel {
			return nil, &domain.LeakageError{Partition: "input", Row: rows[i].Index}
		}
		classes[rows[i].Label] = append(classes[rows[i].Label], i)
	}

	labels := make([]int, 0, len(classes))
	for l := range classes {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	inEval := make([]bool, len(rows))
	for _, l := range labels {
		idxs := classes[l]
		rng.Shuffle(len(idxs), func(a, b int) { idxs[a], idxs[b] = idxs[b], idxs[a] })
		n := int(math.Round(testSize * float64(len(idxs))))
		for _, i := range idxs[:n] {
			inEval[i] = true
		}
	}

	split := &Split{}
	for i := range rows {
		if inEval[i] {
			split.Eval = append(split.Eval, rows[i].Clone())
		} else {
			split.Train = append(split.Train, rows[i].Clone())
		}
	}
	return split, nil
}
