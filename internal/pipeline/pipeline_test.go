package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evidence"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// amountScorer scores a row by its amount and attributes the vector itself.
type amountScorer struct{}

func (amountScorer) Score(ctx context.Context, names []string, vectors [][]float64) ([]domain.Score, error) {
	amount := -1
	for i, n := range names {
		if n == "Amount" {
			amount = i
		}
	}
	if amount < 0 {
		return nil, errors.New("no Amount column")
	}
	scores := make([]domain.Score, len(vectors))
	for i, v := range vectors {
		attr := make([]float64, len(v))
		copy(attr, v)
		scores[i] = domain.Score{Risk: v[amount] / 1000, Attributions: attr}
	}
	return scores, nil
}

func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Binder.NCards = 25
	cfg.Binder.NMerchants = 10
	cfg.Binder.NDevices = 40
	cfg.Binder.NIPs = 40
	cfg.Binder.NGeos = 5
	cfg.Alerting.Threshold = 0.5
	cfg.Alerting.TopK = 0
	return cfg
}

func testBatch(n int, labeled bool) *domain.Batch {
	b := &domain.Batch{
		Columns:      []string{"Time", "Amount", "Class"},
		TimeColumn:   "Time",
		AmountColumn: "Amount",
		LabelColumn:  "Class",
	}
	for i := 0; i < n; i++ {
		tx := domain.Transaction{
			Index:  i,
			Time:   float64(i * 30),
			Amount: float64((i * 37) % 1000),
		}
		label := ""
		if labeled {
			tx.HasLabel = true
			if i%10 == 0 {
				tx.Label = 1
			}
			label = strconv.Itoa(tx.Label)
		}
		tx.Fields = []string{
			strconv.FormatFloat(tx.Time, 'f', -1, 64),
			strconv.FormatFloat(tx.Amount, 'f', -1, 64),
			label,
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

var fixedNow = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func TestRun(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	c := cache.NewLRUCache(8, time.Minute)
	var out bytes.Buffer
	jsonl := evidence.NewJSONLWriter(&out)

	p, err := New(testConfig(),
		WithRepository(repo),
		WithCache(c, time.Minute),
		WithSinks(jsonl, NewRepositorySink(repo)),
		WithScorer(amountScorer{}),
		WithClock(fixedNow),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := p.Run(ctx, testBatch(200, true))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run := res.Run
	if run.Mode != domain.RunModeFit {
		t.Errorf("expected mode fit, got %s", run.Mode)
	}
	if run.Rows != 200 {
		t.Errorf("expected 200 rows, got %d", run.Rows)
	}
	if run.EvalRows != 40 || run.TrainRows != 160 {
		t.Errorf("expected 160/40 split, got %d/%d", run.TrainRows, run.EvalRows)
	}
	if run.ScoredRows != run.EvalRows {
		t.Errorf("expected eval rows to be scored, got %d", run.ScoredRows)
	}
	if run.Cards == 0 || run.Cards > 25 {
		t.Errorf("expected between 1 and 25 cards, got %d", run.Cards)
	}

	t.Run("Alerts", func(t *testing.T) {
		if len(res.Evidence) == 0 {
			t.Fatal("expected at least one alert")
		}
		if run.Alerts != len(res.Evidence) || len(res.Alerts) != len(res.Evidence) {
			t.Errorf("expected %d alerts, got %d", len(res.Evidence), run.Alerts)
		}
		for i, rec := range res.Evidence {
			if rec.RiskScore() < 0.5 {
				t.Errorf("record %s below threshold: %v", rec.AlertID(), rec.RiskScore())
			}
			if i > 0 && rec.RiskScore() > res.Evidence[i-1].RiskScore() {
				t.Errorf("records not ordered by risk at %d", i)
			}
			if rec.AlertID() != evidence.AlertID(res.Alerts[i].Index) {
				t.Errorf("expected %s, got %s", evidence.AlertID(res.Alerts[i].Index), rec.AlertID())
			}
			if !rec.GeneratedAt().Equal(fixedNow()) {
				t.Errorf("expected fixed generated_at, got %v", rec.GeneratedAt())
			}
		}
		if jsonl.Count() != len(res.Evidence) {
			t.Errorf("expected %d jsonl lines, got %d", len(res.Evidence), jsonl.Count())
		}
	})

	t.Run("RatesFromTrainOnly", func(t *testing.T) {
		if res.Table.TrainRows() != run.TrainRows {
			t.Errorf("expected table fitted on %d rows, got %d", run.TrainRows, res.Table.TrainRows())
		}
		for _, row := range res.Scored {
			for _, name := range domain.RateSignals {
				v, ok := row.Signal(name)
				if !ok || v < 0 || v > 1 {
					t.Fatalf("row %d: expected %s in [0,1], got %v (%v)", row.Index, name, v, ok)
				}
			}
		}
	})

	t.Run("Persisted", func(t *testing.T) {
		saved, err := repo.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if saved.RateTableID != res.Table.ID() {
			t.Errorf("expected table %s, got %s", res.Table.ID(), saved.RateTableID)
		}
		list, err := repo.ListEvidence(ctx, run.ID)
		if err != nil {
			t.Fatalf("ListEvidence failed: %v", err)
		}
		if len(list) != len(res.Evidence) {
			t.Errorf("expected %d stored records, got %d", len(res.Evidence), len(list))
		}
		if _, err := repo.GetRateTable(ctx, res.Table.ID()); err != nil {
			t.Errorf("GetRateTable failed: %v", err)
		}
		if cached, _ := c.GetRateTable(ctx, res.Table.ID()); cached == nil {
			t.Error("expected rate table in cache")
		}
	})
}

func TestRunIsDeterministic(t *testing.T) {
	ctx := context.Background()
	run := func() []*domain.EvidenceRecord {
		p, err := New(testConfig(), WithScorer(amountScorer{}), WithClock(fixedNow))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		res, err := p.Run(ctx, testBatch(200, true))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return res.Evidence
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("expected %d records, got %d", len(first), len(second))
	}
	for i := range first {
		if first[i].AlertID() != second[i].AlertID() || first[i].Signals() != second[i].Signals() {
			t.Errorf("record %d differs between runs", i)
		}
	}
}

func TestRunWithTable(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	c := cache.NewLRUCache(8, time.Minute)

	p, err := New(testConfig(), WithRepository(repo), WithCache(c, time.Minute), WithScorer(amountScorer{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fitted, err := p.Run(ctx, testBatch(200, true))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	tableID := fitted.Table.ID()

	t.Run("AppliesWithoutLabels", func(t *testing.T) {
		res, err := p.RunWithTable(ctx, testBatch(50, false), tableID)
		if err != nil {
			t.Fatalf("RunWithTable failed: %v", err)
		}
		if res.Run.Mode != domain.RunModeApply {
			t.Errorf("expected mode apply, got %s", res.Run.Mode)
		}
		if res.Run.RateTableID != tableID {
			t.Errorf("expected table %s, got %s", tableID, res.Run.RateTableID)
		}
		if res.Run.ScoredRows != 50 || res.Run.TrainRows != 0 {
			t.Errorf("expected 50 scored rows and no training, got %d/%d", res.Run.ScoredRows, res.Run.TrainRows)
		}
		if res.Table.ID() != tableID {
			t.Errorf("expected table %s, got %s", tableID, res.Table.ID())
		}
	})

	t.Run("FallsBackToRepository", func(t *testing.T) {
		if err := c.Delete(ctx, "rate_table:"+tableID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		res, err := p.RunWithTable(ctx, testBatch(50, false), tableID)
		if err != nil {
			t.Fatalf("RunWithTable failed: %v", err)
		}
		if res.Table.GlobalRate() != fitted.Table.GlobalRate() {
			t.Errorf("expected global rate %v, got %v", fitted.Table.GlobalRate(), res.Table.GlobalRate())
		}
		if cached, _ := c.GetRateTable(ctx, tableID); cached == nil {
			t.Error("expected cache to be warmed from repository")
		}
	})

	t.Run("UnknownTable", func(t *testing.T) {
		if _, err := p.RunWithTable(ctx, testBatch(10, false), "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := p.RunWithTable(ctx, testBatch(10, false), ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRunRejectsBadBatches(t *testing.T) {
	ctx := context.Background()
	p, err := New(testConfig(), WithScorer(amountScorer{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Run("Empty", func(t *testing.T) {
		if _, err := p.Run(ctx, &domain.Batch{}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := p.Run(ctx, nil); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Unlabeled", func(t *testing.T) {
		var leak *domain.LeakageError
		if _, err := p.Run(ctx, testBatch(20, false)); !errors.As(err, &leak) {
			t.Errorf("expected LeakageError, got %v", err)
		}
	})
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Threshold = 2
	if _, err := New(cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEventBusPublishing(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(100)
	defer b.Close()

	p, err := New(testConfig(), WithEventBus(b), WithSinks(NewBusSink(b)), WithScorer(amountScorer{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.newID = func() string { return "run-test" }

	var mu sync.Mutex
	counts := make(map[string]int)
	handler := func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		counts[msg.Topic]++
		mu.Unlock()
		return nil
	}
	for _, topic := range []string{domain.TopicEvidence, domain.TopicRun} {
		if _, err := b.Subscribe(ctx, "run-test", topic, handler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	res, err := p.Run(ctx, testBatch(200, true))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		ev, done := counts[domain.TopicEvidence], counts[domain.TopicRun]
		mu.Unlock()
		if ev == len(res.Evidence) && done == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d evidence and 1 run message, got %d and %d", len(res.Evidence), ev, done)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
