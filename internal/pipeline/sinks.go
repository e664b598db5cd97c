package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RepositorySink stores each evidence record under its run.
type RepositorySink struct {
	repo domain.Repository
}

// NewRepositorySink creates a sink backed by repo.
func NewRepositorySink(repo domain.Repository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Write implements domain.EvidenceSink.
func (s *RepositorySink) Write(ctx context.Context, runID string, rec *domain.EvidenceRecord) error {
	return s.repo.SaveEvidence(ctx, runID, rec)
}

// BusSink publishes each evidence record on the evidence topic of its run.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink creates a sink backed by bus.
func NewBusSink(bus domain.EventBus) *BusSink {
	return &BusSink{bus: bus}
}

// Write implements domain.EvidenceSink.
func (s *BusSink) Write(ctx context.Context, runID string, rec *domain.EvidenceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode evidence %s: %w", rec.AlertID(), err)
	}
	return s.bus.Publish(ctx, runID, domain.TopicEvidence, payload)
}
