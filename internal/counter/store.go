// Package counter implements the atomic admit-if-under-cap primitive.
//
// The one guarantee every backend must provide: for a hard cell, the
// number of calls that ever return Admitted=true never exceeds the cap,
// regardless of how many callers race, across process boundaries. The
// increment and the cap check happen as a single atomic step per cell;
// contention is scoped to the individual cell's key so unrelated cells
// never block each other. No count is ever cached outside the store.
package counter

import (
	"context"
	"fmt"

	"github.com/surveyloop/quota-engine/internal/models"
)

// AdmitRequest describes one admission attempt into one cell.
type AdmitRequest struct {
	CellID        string
	RespondentID  string
	Cap           int64
	StopCondition models.StopCondition
	QuotaType     models.QuotaType
}

// AdmitResult reports the outcome of one atomic admission attempt.
//
// "Cap reached" is a latch: once the stop condition is satisfied the
// flag stays set for the life of the counter. Soft admissions landing
// after the latch carry Warned=true; the admission that sets the latch
// does not (the cap was not yet reached when that respondent arrived).
type AdmitResult struct {
	// Admitted reports whether the counter was incremented for this
	// respondent (or had been, for a replay).
	Admitted bool
	// Count is the counter value after the call.
	Count int64
	// CapReached is the latch state after the call.
	CapReached bool
	// Tripped is true when this call flipped the latch; the when-met
	// dispatch fires exactly once, on this transition.
	Tripped bool
	// Replayed is true when this respondent was already admitted into
	// this cell; the counter was left untouched.
	Replayed bool
	// Warned is true for a soft admission that landed after the latch.
	Warned bool
}

// Store is the durable per-cell counter with the atomic conditional
// admission primitive. TryAdmit is the only operation that may block
// (storage I/O); it must be idempotent per (cell, respondent).
type Store interface {
	TryAdmit(ctx context.Context, req AdmitRequest) (AdmitResult, error)

	// GetCounter returns the current state of a cell's counter, or a
	// zero counter if the cell has never been admitted into. A stale or
	// deleted cell id is indistinguishable from an empty cell and reads
	// as zero rather than an error. Read-only, used by dashboards and
	// the reconcile worker.
	GetCounter(ctx context.Context, cellID string) (*models.CellCounter, error)

	Ping(ctx context.Context) error
	Close() error
}

// StoreError wraps a failed or timed-out counter operation. It is
// retryable: the caller must treat it as an error, never as an implicit
// allow or block.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("counter store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
