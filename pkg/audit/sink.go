// Package audit implements the append-only audit trail. Every mutation the
// control plane plans or executes lands here, with details already passed
// through the redactor by the caller.
package audit

import (
	"context"
	"sync"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// Sink is the append-only audit interface. Implementations must never
// mutate or drop previously appended records.
type Sink interface {
	Append(ctx context.Context, record contracts.AuditRecord) error
	List(ctx context.Context) ([]contracts.AuditRecord, error)
}

// MemorySink is the default in-process sink: a mutex-guarded slice.
type MemorySink struct {
	mu      sync.RWMutex
	records []contracts.AuditRecord
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append adds a record. It never fails.
func (s *MemorySink) Append(_ context.Context, record contracts.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// List returns a copy of all records in append order.
func (s *MemorySink) List(_ context.Context) ([]contracts.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.AuditRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Size returns the number of appended records.
func (s *MemorySink) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
