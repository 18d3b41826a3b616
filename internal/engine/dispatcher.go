package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/surveyloop/quota-engine/internal/models"
)

// SurveyLifecycle flips a survey to closed so it stops accepting new
// respondents. Survey-state ownership lives outside the engine; this
// is the one signal the engine sends it.
type SurveyLifecycle interface {
	CloseSurvey(ctx context.Context, surveyID string) error
}

// Dispatcher maps a policy's when-met configuration to its effect:
// show_message and redirect become data returned inside the BLOCK
// decision; close_survey additionally signals the survey lifecycle.
type Dispatcher struct {
	surveys SurveyLifecycle
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(surveys SurveyLifecycle) *Dispatcher {
	return &Dispatcher{surveys: surveys}
}

// ActionFor builds the block action returned to the caller. Pure
// mapping from policy configuration, no side effects.
func (d *Dispatcher) ActionFor(policy *models.QuotaPolicy) *models.BlockAction {
	action := &models.BlockAction{
		PolicyID:   policy.ID,
		PolicyName: policy.Name,
		Action:     policy.WhenMet,
	}

	switch policy.WhenMet {
	case models.WhenMetShowMessage:
		action.Message = policy.ActionPayload["message"]
	case models.WhenMetRedirect:
		action.RedirectURL = policy.ActionPayload["url"]
	}

	return action
}

// CapReached fires the policy's downstream action on the transition
// into "cap reached". It is invoked once per transition, never once
// per subsequent blocked respondent. Failure is logged, never surfaced
// into the admission decision; the reconcile worker re-applies missed
// close_survey signals.
func (d *Dispatcher) CapReached(ctx context.Context, policy *models.QuotaPolicy) {
	slog.Info("quota cap reached",
		"policy_id", policy.ID,
		"survey_id", policy.SurveyID,
		"when_met", policy.WhenMet,
	)

	if policy.WhenMet != models.WhenMetCloseSurvey {
		return
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.surveys.CloseSurvey(closeCtx, policy.SurveyID); err != nil {
		slog.Error("failed to close survey on cap reached",
			"error", err,
			"survey_id", policy.SurveyID,
			"policy_id", policy.ID,
		)
		return
	}

	slog.Info("survey closed by quota", "survey_id", policy.SurveyID, "policy_id", policy.ID)
}
