package evidence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// JSONLWriter appends one record per line. It is safe for concurrent use.
type JSONLWriter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	count int
}

// NewJSONLWriter creates a writer over w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{enc: json.NewEncoder(w)}
}

// Write implements domain.EvidenceSink.
func (w *JSONLWriter) Write(ctx context.Context, runID string, rec *domain.EvidenceRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode evidence %s: %w", rec.AlertID(), err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// maxLine bounds a single encoded record.
const maxLine = 1 << 20

// ReadJSONL decodes every record in r.
func ReadJSONL(r io.Reader) ([]*domain.EvidenceRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var out []*domain.EvidenceRecord
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		rec := &domain.EvidenceRecord{}
		if err := json.Unmarshal(scanner.Bytes(), rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", domain.ErrInvalidInput, line, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
