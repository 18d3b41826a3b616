// Package engine orchestrates one admission check: load the active
// quota policies, select matching cells, attempt atomic admission into
// each, and fold the per-cell outcomes into one respondent-level
// decision.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/surveyloop/quota-engine/internal/counter"
	"github.com/surveyloop/quota-engine/internal/models"
	"github.com/surveyloop/quota-engine/internal/selector"
)

// PolicySource loads the enabled quota policies for a survey, in
// creation order. With a question id only policies bound to that
// question are returned; without one (submission time) all enabled
// policies for the survey apply.
type PolicySource interface {
	ListActivePolicies(ctx context.Context, surveyID, questionID string) ([]*models.QuotaPolicy, error)
}

// PolicyLoadError wraps a failure to load policies. The admission
// check errors out rather than guessing an allow or a block; the
// caller may retry.
type PolicyLoadError struct {
	Err error
}

func (e *PolicyLoadError) Error() string {
	return fmt.Sprintf("failed to load quota policies: %v", e.Err)
}

func (e *PolicyLoadError) Unwrap() error {
	return e.Err
}

// Engine is the admission decision engine.
type Engine struct {
	policies   PolicySource
	counters   counter.Store
	dispatcher *Dispatcher
}

// New creates an Engine.
func New(policies PolicySource, counters counter.Store, dispatcher *Dispatcher) *Engine {
	return &Engine{
		policies:   policies,
		counters:   counters,
		dispatcher: dispatcher,
	}
}

// Decide runs one admission check.
//
// Policies are evaluated in creation order, so the reported blocking
// policy is reproducible across retries of the same request. Once a
// hard cell rejects, no further cells are attempted; counters already
// incremented for this respondent are left in place (no cross-cell
// rollback, cell contention stays fully independent).
//
// Stale cell references cannot occur here: cells arrive embedded in
// the policies loaded for this very check, and the counter store
// treats an unknown cell id as an empty counter. A cell deleted
// mid-check therefore reads as unconstrained instead of erroring.
func (e *Engine) Decide(ctx context.Context, req *models.AdmissionRequest) (*models.AdmissionDecision, error) {
	policies, err := e.policies.ListActivePolicies(ctx, req.SurveyID, req.QuestionID)
	if err != nil {
		return nil, &PolicyLoadError{Err: err}
	}

	decision := &models.AdmissionDecision{
		CheckID:   uuid.New().String(),
		Verdict:   models.VerdictAllow,
		CheckedAt: time.Now().UTC(),
	}

policies:
	for _, policy := range policies {
		// A policy with zero cells is inert.
		if len(policy.Cells) == 0 {
			continue
		}

		for _, cell := range policy.Cells {
			if cell.ConditionErr != nil {
				slog.Warn("cell condition is malformed, cell excluded",
					"policy_id", policy.ID,
					"cell_id", cell.ID,
					"error", cell.ConditionErr,
				)
			}
		}

		matched := selector.SelectCells(policy, req.Answers)
		if len(matched) == 0 {
			// No applicable cell, no constraint.
			continue
		}

		for _, cell := range matched {
			res, err := e.counters.TryAdmit(ctx, counter.AdmitRequest{
				CellID:        cell.ID,
				RespondentID:  req.RespondentID,
				Cap:           cell.Cap,
				StopCondition: policy.StopCondition,
				QuotaType:     policy.QuotaType,
			})
			if err != nil {
				return nil, err
			}

			decision.Outcomes = append(decision.Outcomes, models.CellOutcome{
				CellID:   cell.ID,
				PolicyID: policy.ID,
				Label:    cell.Label,
				Matched:  true,
				Admitted: res.Admitted,
				Count:    res.Count,
				Cap:      cell.Cap,
				Warned:   res.Warned,
			})

			if res.Tripped && policy.IsHard() {
				e.dispatcher.CapReached(ctx, policy)
			}

			if policy.IsHard() && !res.Admitted {
				decision.Verdict = models.VerdictBlock
				decision.BlockedBy = e.dispatcher.ActionFor(policy)
				slog.Info("respondent blocked by quota",
					"survey_id", req.SurveyID,
					"respondent_id", req.RespondentID,
					"policy_id", policy.ID,
					"cell_id", cell.ID,
					"when_met", policy.WhenMet,
				)
				break policies
			}

			if res.Warned {
				decision.Warnings = append(decision.Warnings, cell.ID)
			}
		}
	}

	if decision.Verdict != models.VerdictBlock && len(decision.Warnings) > 0 {
		decision.Verdict = models.VerdictAllowWithWarning
	}

	return decision, nil
}
