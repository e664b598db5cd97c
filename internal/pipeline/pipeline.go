// Package pipeline runs a batch from raw transactions to evidence records:
// bind, derive, split, fit and apply rates, score, select and assemble.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/binder"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evidence"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/oracle"
	"github.com/opensource-finance/kestrel/internal/partition"
	"github.com/opensource-finance/kestrel/internal/rates"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Stage names used for spans, metrics and logs.
const (
	StageBind     = "bind"
	StageDerive   = "derive"
	StageSplit    = "split"
	StageFit      = "fit"
	StageApply    = "apply"
	StageScore    = "score"
	StageSelect   = "select"
	StageEvidence = "evidence"
)

// Pipeline wires the batch components to their optional collaborators.
type Pipeline struct {
	cfg       *domain.Config
	binder    *binder.Binder
	features  *features.Engine
	encoder   *rates.Encoder
	scorer    domain.Scorer
	selector  *alerting.Selector
	assembler *evidence.Assembler

	repo     domain.Repository
	cache    domain.Cache
	cacheTTL time.Duration
	bus      domain.EventBus
	sinks    []domain.EvidenceSink

	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRepository persists rate tables and run summaries, and is the
// fallback source for RunWithTable.
func WithRepository(repo domain.Repository) Option {
	return func(p *Pipeline) { p.repo = repo }
}

// WithCache keeps fitted rate tables for later cross-apply runs.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = c
		p.cacheTTL = ttl
	}
}

// WithEventBus publishes the run summary on completion.
func WithEventBus(b domain.EventBus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithSinks receives every evidence record, in alert order.
func WithSinks(sinks ...domain.EvidenceSink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, sinks...) }
}

// WithScorer replaces the CEL oracle built from the model configuration.
func WithScorer(s domain.Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// WithLogger sets the logger for the pipeline and its components.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock fixes run and evidence timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New validates cfg and builds every component before any data is seen.
func New(cfg *domain.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, &domain.ConfigError{Field: "config", Reason: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	if cfg.Tracing.Enabled {
		p.tracer = otel.Tracer("kestrel-pipeline")
	} else {
		p.tracer = noop.NewTracerProvider().Tracer("kestrel-pipeline")
	}

	var err error
	if p.binder, err = binder.New(cfg.Binder, p.logger); err != nil {
		return nil, err
	}
	if p.features, err = features.NewEngine(cfg.Features, p.logger); err != nil {
		return nil, err
	}
	p.encoder = rates.NewEncoder(p.logger)
	if p.selector, err = alerting.NewSelector(cfg.Alerting); err != nil {
		return nil, err
	}
	assembler, err := evidence.NewAssembler(cfg.Evidence, p.logger)
	if err != nil {
		return nil, err
	}
	p.assembler = assembler.WithClock(p.now)

	if p.scorer == nil {
		engine, err := oracle.NewEngine(cfg.Model)
		if err != nil {
			return nil, err
		}
		p.scorer = engine
	}

	return p, nil
}

// Result is everything one run produced.
type Result struct {
	Run      *domain.RunSummary
	Table    *domain.RateTable
	Schema   *features.Schema
	Train    []domain.FeatureRow // empty for apply runs
	Scored   []domain.FeatureRow // rows handed to the scorer
	Scores   []domain.Score
	Alerts   []alerting.Alert
	Evidence []*domain.EvidenceRecord
}

// Run fits a new rate table on the training partition of batch and
// produces evidence for the evaluation partition.
func (p *Pipeline) Run(ctx context.Context, batch *domain.Batch) (*Result, error) {
	started := p.now()
	runID := p.newID()

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.mode", domain.RunModeFit),
		attribute.String("service.name", p.cfg.Tracing.ServiceName),
	))
	defer span.End()

	res, err := p.fit(ctx, runID, batch)
	if err != nil {
		return nil, p.fail(span, domain.RunModeFit, runID, err)
	}
	if err := p.finish(ctx, res, runID, domain.RunModeFit, started, len(batch.Transactions)); err != nil {
		return nil, p.fail(span, domain.RunModeFit, runID, err)
	}
	return res, nil
}

// RunWithTable applies a previously fitted table to batch and scores every
// row. The table is looked up in the cache first, then the repository. It
// is never refit.
func (p *Pipeline) RunWithTable(ctx context.Context, batch *domain.Batch, tableID string) (*Result, error) {
	started := p.now()
	runID := p.newID()

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.mode", domain.RunModeApply),
		attribute.String("rate_table.id", tableID),
		attribute.String("service.name", p.cfg.Tracing.ServiceName),
	))
	defer span.End()

	table, err := p.LoadTable(ctx, tableID)
	if err != nil {
		return nil, p.fail(span, domain.RunModeApply, runID, err)
	}

	res, err := p.apply(ctx, runID, batch, table)
	if err != nil {
		return nil, p.fail(span, domain.RunModeApply, runID, err)
	}
	if err := p.finish(ctx, res, runID, domain.RunModeApply, started, len(batch.Transactions)); err != nil {
		return nil, p.fail(span, domain.RunModeApply, runID, err)
	}
	return res, nil
}

// LoadTable returns a fitted table from the cache or, failing that, the
// repository, warming the cache on a repository hit.
func (p *Pipeline) LoadTable(ctx context.Context, tableID string) (*domain.RateTable, error) {
	if tableID == "" {
		return nil, fmt.Errorf("%w: rate table ID is required", domain.ErrInvalidInput)
	}
	if p.cache != nil {
		table, err := p.cache.GetRateTable(ctx, tableID)
		if err != nil {
			p.logger.Warn("rate table cache lookup failed", "id", tableID, "error", err)
		}
		if table != nil {
			return table, nil
		}
	}
	if p.repo == nil {
		return nil, fmt.Errorf("rate table %s: %w", tableID, domain.ErrNotFound)
	}
	table, err := p.repo.GetRateTable(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("rate table %s: %w", tableID, err)
	}
	if p.cache != nil {
		if err := p.cache.SetRateTable(ctx, table, p.cacheTTL); err != nil {
			p.logger.Warn("failed to cache rate table", "id", tableID, "error", err)
		}
	}
	return table, nil
}

func (p *Pipeline) fit(ctx context.Context, runID string, batch *domain.Batch) (*Result, error) {
	rows, err := p.derive(ctx, batch)
	if err != nil {
		return nil, err
	}

	end := p.stage(ctx, StageSplit)
	split, err := partition.Stratified(rows, p.cfg.Partition.TestSize, p.cfg.Partition.Seed)
	end(len(rows), err)
	if err != nil {
		return nil, err
	}

	end = p.stage(ctx, StageFit)
	table, err := p.encoder.Fit(split.Train, partition.Train)
	end(len(split.Train), err)
	if err != nil {
		return nil, err
	}

	train, err := p.applyRates(ctx, table, split.Train, partition.Train)
	if err != nil {
		return nil, err
	}
	eval, err := p.applyRates(ctx, table, split.Eval, partition.Eval)
	if err != nil {
		return nil, err
	}

	if err := p.storeTable(ctx, table); err != nil {
		return nil, err
	}

	res := &Result{Table: table, Train: train}
	if err := p.score(ctx, runID, batch, eval, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) apply(ctx context.Context, runID string, batch *domain.Batch, table *domain.RateTable) (*Result, error) {
	rows, err := p.derive(ctx, batch)
	if err != nil {
		return nil, err
	}
	scored, err := p.applyRates(ctx, table, rows, domain.RunModeApply)
	if err != nil {
		return nil, err
	}

	res := &Result{Table: table}
	if err := p.score(ctx, runID, batch, scored, res); err != nil {
		return nil, err
	}
	return res, nil
}

// derive binds and featurizes the whole batch.
func (p *Pipeline) derive(ctx context.Context, batch *domain.Batch) ([]domain.FeatureRow, error) {
	if batch == nil || len(batch.Transactions) == 0 {
		return nil, fmt.Errorf("%w: batch has no transactions", domain.ErrInvalidInput)
	}

	end := p.stage(ctx, StageBind)
	bound, err := p.binder.Bind(len(batch.Transactions))
	end(len(batch.Transactions), err)
	if err != nil {
		return nil, err
	}

	rows, err := features.Attach(batch.Transactions, bound.Bindings)
	if err != nil {
		return nil, err
	}

	end = p.stage(ctx, StageDerive)
	rows, err = p.features.Derive(ctx, rows)
	end(len(rows), err)
	return rows, err
}

func (p *Pipeline) applyRates(ctx context.Context, table *domain.RateTable, rows []domain.FeatureRow, part string) ([]domain.FeatureRow, error) {
	end := p.stage(ctx, StageApply)
	out, lookups, err := rates.Apply(table, rows, part)
	end(len(rows), err)
	if err != nil {
		return nil, err
	}
	for _, kind := range []domain.RateKind{domain.RateMerchant, domain.RateIP, domain.RateDevice} {
		metrics.RateLookupsTotal.WithLabelValues(string(kind), "hit").Add(float64(lookups.Hits[kind]))
		metrics.RateLookupsTotal.WithLabelValues(string(kind), "fallback").Add(float64(lookups.Misses[kind]))
	}
	return out, nil
}

func (p *Pipeline) storeTable(ctx context.Context, table *domain.RateTable) error {
	if p.repo != nil {
		if err := p.repo.SaveRateTable(ctx, table); err != nil {
			return fmt.Errorf("failed to save rate table %s: %w", table.ID(), err)
		}
	}
	if p.cache != nil {
		if err := p.cache.SetRateTable(ctx, table, p.cacheTTL); err != nil {
			p.logger.Warn("failed to cache rate table", "id", table.ID(), "error", err)
		}
	}
	return nil
}

// score runs the oracle over rows, selects alerts and assembles evidence.
func (p *Pipeline) score(ctx context.Context, runID string, batch *domain.Batch, rows []domain.FeatureRow, res *Result) error {
	schema := features.NewSchema(batch)
	names := schema.Names()

	end := p.stage(ctx, StageScore)
	scores, err := p.scorer.Score(ctx, names, schema.Matrix(rows))
	end(len(rows), err)
	if err != nil {
		return fmt.Errorf("scoring failed: %w", err)
	}

	end = p.stage(ctx, StageSelect)
	alerts, err := p.selector.Select(rows, scores)
	end(len(alerts), err)
	if err != nil {
		return err
	}
	metrics.AlertsTotal.Add(float64(len(alerts)))

	end = p.stage(ctx, StageEvidence)
	records := make([]*domain.EvidenceRecord, 0, len(alerts))
	for _, a := range alerts {
		rec, err := p.assembler.Assemble(&rows[a.Position], a.Score.Risk, names, a.Score.Attributions)
		if err != nil {
			end(len(records), err)
			return err
		}
		for _, f := range rec.Defaulted() {
			metrics.EvidenceDefaultedTotal.WithLabelValues(f).Inc()
		}
		for _, sink := range p.sinks {
			if err := sink.Write(ctx, runID, rec); err != nil {
				end(len(records), err)
				return fmt.Errorf("failed to write evidence %s: %w", rec.AlertID(), err)
			}
		}
		records = append(records, rec)
	}
	end(len(records), nil)

	res.Schema = schema
	res.Scored = rows
	res.Scores = scores
	res.Alerts = alerts
	res.Evidence = records
	return nil
}

func (p *Pipeline) finish(ctx context.Context, res *Result, runID, mode string, started time.Time, total int) error {
	run := &domain.RunSummary{
		ID:          runID,
		RateTableID: res.Table.ID(),
		Mode:        mode,
		Rows:        total,
		Cards:       countCards(res.Scored, res.Train),
		TrainRows:   len(res.Train),
		ScoredRows:  len(res.Scored),
		Alerts:      len(res.Alerts),
		StartedAt:   started.UTC(),
		CompletedAt: p.now().UTC(),
	}
	if mode == domain.RunModeFit {
		run.EvalRows = len(res.Scored)
	}
	res.Run = run

	if p.repo != nil {
		if err := p.repo.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("failed to save run %s: %w", runID, err)
		}
	}
	if p.bus != nil {
		payload, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to encode run %s: %w", runID, err)
		}
		if err := p.bus.Publish(ctx, runID, domain.TopicRun, payload); err != nil {
			p.logger.Warn("failed to publish run summary", "run_id", runID, "error", err)
		}
	}

	metrics.RunsTotal.WithLabelValues(mode, "ok").Inc()
	p.logger.Info("run completed",
		"run_id", runID,
		"mode", mode,
		"rate_table_id", run.RateTableID,
		"rows", run.Rows,
		"cards", run.Cards,
		"train_rows", run.TrainRows,
		"eval_rows", run.EvalRows,
		"alerts", run.Alerts,
		"duration_ms", run.CompletedAt.Sub(run.StartedAt).Milliseconds(),
	)
	return nil
}

func (p *Pipeline) fail(span trace.Span, mode, runID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RunsTotal.WithLabelValues(mode, "error").Inc()
	if !errors.Is(err, context.Canceled) {
		p.logger.Error("run failed", "run_id", runID, "mode", mode, "error", err)
	}
	return err
}

// stage opens a span for one stage; the returned func closes it and
// records the stage metrics.
func (p *Pipeline) stage(ctx context.Context, name string) func(rows int, err error) {
	start := time.Now()
	_, span := p.tracer.Start(ctx, "pipeline."+name)
	return func(rows int, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("rows", rows))
		span.End()
		metrics.ObserveStage(name, rows, start)
	}
}

func countCards(groups ...[]domain.FeatureRow) int {
	seen := make(map[int]struct{})
	for _, rows := range groups {
		for i := range rows {
			seen[rows[i].Binding.CardID] = struct{}{}
		}
	}
	return len(seen)
}
