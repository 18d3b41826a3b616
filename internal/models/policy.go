package models

import (
	"encoding/json"
	"time"

	"github.com/surveyloop/quota-engine/internal/condition"
)

// QuotaType determines whether a reached cap blocks respondents or
// merely flags the decision.
type QuotaType string

const (
	QuotaHard QuotaType = "hard"
	QuotaSoft QuotaType = "soft"
)

// StopCondition is the comparator applied between the prospective
// post-admission count and the cap to decide "cap reached".
type StopCondition string

const (
	StopGreater        StopCondition = "greater"
	StopEqual          StopCondition = "equal"
	StopLess           StopCondition = "less"
	StopGreaterOrEqual StopCondition = "greater_or_equal"
)

// Reached reports whether a counter value satisfies the comparator
// relative to the cap.
func (s StopCondition) Reached(count, cap int64) bool {
	switch s {
	case StopEqual:
		return count == cap
	case StopLess:
		return count < cap
	case StopGreaterOrEqual:
		return count >= cap
	default: // StopGreater
		return count > cap
	}
}

// Valid reports whether the comparator is one of the known values.
func (s StopCondition) Valid() bool {
	switch s {
	case StopGreater, StopEqual, StopLess, StopGreaterOrEqual:
		return true
	}
	return false
}

// WhenMetAction is the configured downstream action once a hard cap
// is reached.
type WhenMetAction string

const (
	WhenMetCloseSurvey WhenMetAction = "close_survey"
	WhenMetShowMessage WhenMetAction = "show_message"
	WhenMetRedirect    WhenMetAction = "redirect"
)

// QuotaPolicy is a named cap configuration scoped to a survey,
// optionally scoped to one question. Policies are authored externally
// and read-only to the engine; they are soft-deleted while counters
// referencing them exist.
type QuotaPolicy struct {
	ID            string            `json:"id"`
	SurveyID      string            `json:"survey_id"`
	QuestionID    string            `json:"question_id,omitempty"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	QuotaType     QuotaType         `json:"quota_type"`
	StopCondition StopCondition     `json:"stop_condition"`
	WhenMet       WhenMetAction     `json:"when_met"`
	ActionPayload map[string]string `json:"action_payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	IsEnabled     bool              `json:"is_enabled"`
	CreatedAt     time.Time         `json:"created_at"`
	DeletedAt     *time.Time        `json:"deleted_at,omitempty"`
	Cells         []*QuotaCell      `json:"cells,omitempty"`
}

// IsHard reports whether a reached cap blocks respondents.
func (p *QuotaPolicy) IsHard() bool {
	return p.QuotaType == QuotaHard
}

// QuotaCell is one countable bucket inside a policy. Cells within one
// policy are independent counters; a respondent may match more than
// one cell.
type QuotaCell struct {
	ID             string          `json:"id"`
	PolicyID       string          `json:"policy_id"`
	Label          string          `json:"label"`
	Cap            int64           `json:"cap"`
	Condition      json.RawMessage `json:"condition,omitempty"`
	TargetOptionID string          `json:"target_option_id,omitempty"`
	IsEnabled      bool            `json:"is_enabled"`
	CreatedAt      time.Time       `json:"created_at"`

	// Predicate is the condition parsed once at policy-load time.
	// ConditionErr is set instead when the document is malformed; such
	// a cell never matches.
	Predicate    *condition.Predicate `json:"-"`
	ConditionErr error                `json:"-"`
}

// ParseCondition parses the raw condition document into the cell's
// Predicate, recording a condition error on failure. Safe to call on
// cells with an empty condition.
func (c *QuotaCell) ParseCondition() {
	pred, err := condition.Parse(c.Condition)
	if err != nil {
		c.ConditionErr = err
		return
	}
	c.Predicate = pred
}

// SurveyStatus represents the lifecycle state of a survey as far as
// admission is concerned.
type SurveyStatus string

const (
	SurveyOpen   SurveyStatus = "open"
	SurveyClosed SurveyStatus = "closed"
)

// CloseSurveyCell links an open survey to one enabled cell of a hard
// close_survey policy. The reconcile worker checks these cells'
// counters to re-apply survey closure after a failed dispatch.
type CloseSurveyCell struct {
	SurveyID string
	PolicyID string
	CellID   string
}
