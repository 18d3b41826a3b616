package models

import "time"

// Verdict is the respondent-level outcome of an admission check.
type Verdict string

const (
	VerdictAllow            Verdict = "allow"
	VerdictBlock            Verdict = "block"
	VerdictAllowWithWarning Verdict = "allow_with_warning"
)

// AdmissionRequest is the ephemeral input to one admission check: a
// full submission, or an early-exit check right after a quota-governed
// question was answered (QuestionID set).
type AdmissionRequest struct {
	SurveyID     string                 `json:"survey_id"`
	QuestionID   string                 `json:"question_id,omitempty"`
	RespondentID string                 `json:"respondent_id"`
	Answers      map[string]interface{} `json:"answers"`
}

// CellOutcome records what happened at one quota cell during a check.
type CellOutcome struct {
	CellID   string `json:"cell_id"`
	PolicyID string `json:"policy_id"`
	Label    string `json:"label,omitempty"`
	Matched  bool   `json:"matched"`
	Admitted bool   `json:"admitted"`
	Count    int64  `json:"count"`
	Cap      int64  `json:"cap"`
	Warned   bool   `json:"warned,omitempty"`
}

// BlockAction carries the terminating policy's configured when-met
// action for a BLOCK decision.
type BlockAction struct {
	PolicyID    string        `json:"policy_id"`
	PolicyName  string        `json:"policy_name,omitempty"`
	Action      WhenMetAction `json:"action"`
	Message     string        `json:"message,omitempty"`
	RedirectURL string        `json:"redirect_url,omitempty"`
}

// AdmissionDecision is the ephemeral output of one admission check.
type AdmissionDecision struct {
	CheckID   string        `json:"check_id"`
	Verdict   Verdict       `json:"verdict"`
	Outcomes  []CellOutcome `json:"matched_cells"`
	BlockedBy *BlockAction  `json:"blocked_by,omitempty"`
	Warnings  []string      `json:"warned_cells,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CellCounter is the durable counting state for a cell. CurrentCount
// is monotonically non-decreasing; CapReached is a latch set the first
// time the stop condition is satisfied.
type CellCounter struct {
	CellID         string     `json:"cell_id"`
	CurrentCount   int64      `json:"current_count"`
	CapReached     bool       `json:"cap_reached"`
	LastAdmittedAt *time.Time `json:"last_admitted_at,omitempty"`
}
