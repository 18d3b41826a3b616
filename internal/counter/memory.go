package counter

import (
	"context"
	"sync"
	"time"

	"github.com/surveyloop/quota-engine/internal/models"
)

// MemoryStore is an in-process Store for tests and single-node
// deployments. Each cell carries its own lock so contention stays
// per-cell, mirroring the durable backends.
type MemoryStore struct {
	mu    sync.Mutex
	cells map[string]*memCell
}

type memCell struct {
	mu       sync.Mutex
	count    int64
	latched  bool
	admitted map[string]struct{}
	last     time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cells: make(map[string]*memCell)}
}

func (s *MemoryStore) cell(cellID string) *memCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[cellID]
	if !ok {
		c = &memCell{admitted: make(map[string]struct{})}
		s.cells[cellID] = c
	}
	return c
}

// TryAdmit performs the conditional increment under the cell's lock.
func (s *MemoryStore) TryAdmit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	if err := ctx.Err(); err != nil {
		return AdmitResult{}, &StoreError{Op: "try_admit", Err: err}
	}

	c := s.cell(req.CellID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.admitted[req.RespondentID]; ok {
		return AdmitResult{
			Admitted:   true,
			Count:      c.count,
			CapReached: c.latched,
			Replayed:   true,
			Warned:     req.QuotaType == models.QuotaSoft && c.latched,
		}, nil
	}

	latchedBefore := c.latched
	post := c.count + 1
	reached := req.StopCondition.Reached(post, req.Cap)

	if req.QuotaType == models.QuotaHard && reached {
		c.latched = true
		return AdmitResult{
			Admitted:   false,
			Count:      c.count,
			CapReached: true,
			Tripped:    !latchedBefore,
		}, nil
	}

	c.count = post
	c.admitted[req.RespondentID] = struct{}{}
	c.last = time.Now().UTC()
	if reached {
		c.latched = true
	}

	return AdmitResult{
		Admitted:   true,
		Count:      post,
		CapReached: c.latched,
		Tripped:    reached && !latchedBefore,
		Warned:     req.QuotaType == models.QuotaSoft && latchedBefore,
	}, nil
}

// GetCounter returns the cell's current state.
func (s *MemoryStore) GetCounter(ctx context.Context, cellID string) (*models.CellCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "get_counter", Err: err}
	}

	c := s.cell(cellID)
	c.mu.Lock()
	defer c.mu.Unlock()

	counter := &models.CellCounter{
		CellID:       cellID,
		CurrentCount: c.count,
		CapReached:   c.latched,
	}
	if !c.last.IsZero() {
		t := c.last
		counter.LastAdmittedAt = &t
	}
	return counter, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
