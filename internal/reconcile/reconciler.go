// Package reconcile repairs drift between counter state and survey
// lifecycle state. A close_survey dispatch can fail after the cap latch
// is already set; the worker re-checks latched cells periodically and
// closes any survey that should already be closed.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/surveyloop/quota-engine/internal/counter"
	"github.com/surveyloop/quota-engine/internal/storage"
)

// Reconciler handles periodic re-application of survey closure
type Reconciler struct {
	repo     storage.Repository
	counters counter.Store
	interval time.Duration
}

// NewReconciler creates a new reconcile worker
func NewReconciler(repo storage.Repository, counters counter.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Reconciler{
		repo:     repo,
		counters: counters,
		interval: interval,
	}
}

// Start begins the reconcile worker in a goroutine
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// run is the main loop for the reconcile worker
func (r *Reconciler) run(ctx context.Context) {
	slog.Info("reconcile worker started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run immediately on start
	r.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile closes open surveys whose close_survey cells have a set
// cap latch
func (r *Reconciler) reconcile(ctx context.Context) {
	slog.Debug("running reconcile cycle")

	cells, err := r.repo.ListCloseSurveyCells(ctx)
	if err != nil {
		slog.Error("failed to list close_survey cells", "error", err)
		return
	}

	if len(cells) == 0 {
		return
	}

	closed := make(map[string]bool)
	for _, cell := range cells {
		if closed[cell.SurveyID] {
			continue
		}

		ctr, err := r.counters.GetCounter(ctx, cell.CellID)
		if err != nil {
			slog.Error("failed to read counter",
				"error", err,
				"cell_id", cell.CellID,
			)
			continue
		}

		if !ctr.CapReached {
			continue
		}

		slog.Info("closing survey with reached close_survey cap",
			"survey_id", cell.SurveyID,
			"policy_id", cell.PolicyID,
			"cell_id", cell.CellID,
			"count", ctr.CurrentCount,
		)

		if err := r.repo.CloseSurvey(ctx, cell.SurveyID); err != nil {
			slog.Error("failed to close survey",
				"error", err,
				"survey_id", cell.SurveyID,
			)
			continue
		}

		closed[cell.SurveyID] = true
	}
}
