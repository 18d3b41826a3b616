// Package selector determines which cells of a quota policy apply to
// a respondent. Selection is pure: it performs no I/O and mutates no
// shared state, so identical inputs always select the identical set.
package selector

import (
	"github.com/surveyloop/quota-engine/internal/models"
)

// SelectCells returns the policy's enabled cells that match the
// respondent's answers. A cell matches when both checks pass:
//
//  1. target option: if TargetOptionID is set, the answer to the
//     policy's question must include that option (single-select and
//     multi-select encodings both supported); skipped otherwise.
//  2. condition: the cell's parsed predicate evaluates true. An empty
//     condition always matches; a malformed condition never does.
//
// Multiple cells may be selected for one respondent. A disabled cell
// is never selected.
func SelectCells(policy *models.QuotaPolicy, answers map[string]interface{}) []*models.QuotaCell {
	var selected []*models.QuotaCell

	for _, cell := range policy.Cells {
		if !cell.IsEnabled {
			continue
		}
		if cell.ConditionErr != nil {
			// Malformed condition documents fail closed.
			continue
		}
		if cell.TargetOptionID != "" && !answerIncludesOption(answers, policy.QuestionID, cell.TargetOptionID) {
			continue
		}
		if !cell.Predicate.Evaluate(answers) {
			continue
		}
		selected = append(selected, cell)
	}

	return selected
}

// answerIncludesOption checks whether the answer to the given question
// includes the target option id, for both single-select (scalar) and
// multi-select (list) answer encodings.
func answerIncludesOption(answers map[string]interface{}, questionID, optionID string) bool {
	if questionID == "" {
		return false
	}

	answer, ok := answers[questionID]
	if !ok {
		return false
	}

	switch v := answer.(type) {
	case string:
		return v == optionID
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == optionID {
				return true
			}
		}
		return false
	default:
		return false
	}
}
