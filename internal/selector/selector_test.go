package selector

import (
	"encoding/json"
	"testing"

	"github.com/surveyloop/quota-engine/internal/models"
)

func cell(id, label, cond, targetOption string, enabled bool) *models.QuotaCell {
	c := &models.QuotaCell{
		ID:             id,
		Label:          label,
		Cap:            10,
		TargetOptionID: targetOption,
		IsEnabled:      enabled,
	}
	if cond != "" {
		c.Condition = json.RawMessage(cond)
	}
	c.ParseCondition()
	return c
}

func testPolicy(questionID string, cells ...*models.QuotaCell) *models.QuotaPolicy {
	return &models.QuotaPolicy{
		ID:         "pol-1",
		SurveyID:   "sur-1",
		QuestionID: questionID,
		QuotaType:  models.QuotaHard,
		IsEnabled:  true,
		Cells:      cells,
	}
}

func ids(cells []*models.QuotaCell) map[string]bool {
	set := make(map[string]bool, len(cells))
	for _, c := range cells {
		set[c.ID] = true
	}
	return set
}

func TestSelectByCondition(t *testing.T) {
	policy := testPolicy("",
		cell("c1", "female 18-24", `{"gender":"female","age_band":"18-24"}`, "", true),
		cell("c2", "female any age", `{"gender":"female"}`, "", true),
		cell("c3", "male", `{"gender":"male"}`, "", true),
	)

	answers := map[string]interface{}{"gender": "female", "age_band": "18-24"}
	got := ids(SelectCells(policy, answers))

	if !got["c1"] || !got["c2"] || got["c3"] {
		t.Errorf("expected {c1, c2}, got %v", got)
	}
}

func TestOverlappingCellsSelectedIndependently(t *testing.T) {
	// "Female AND under-30" counts independently from "Female, any age";
	// neither pre-empts the other.
	policy := testPolicy("",
		cell("narrow", "", `{"gender":"female","age":{"$lt":30}}`, "", true),
		cell("broad", "", `{"gender":"female"}`, "", true),
	)

	got := SelectCells(policy, map[string]interface{}{"gender": "female", "age": float64(25)})
	if len(got) != 2 {
		t.Fatalf("expected both overlapping cells selected, got %d", len(got))
	}
}

func TestEmptyConditionAlwaysMatches(t *testing.T) {
	policy := testPolicy("", cell("c1", "everyone", "", "", true))

	got := SelectCells(policy, map[string]interface{}{})
	if len(got) != 1 {
		t.Errorf("cell with empty condition should match unconditionally, got %d cells", len(got))
	}
}

func TestDisabledCellNeverSelected(t *testing.T) {
	policy := testPolicy("", cell("c1", "", "", "", false))

	if got := SelectCells(policy, map[string]interface{}{}); len(got) != 0 {
		t.Errorf("disabled cell must never be selected, got %d", len(got))
	}
}

func TestMalformedConditionFailsClosed(t *testing.T) {
	bad := cell("c1", "", `{"age":{"$between":[1,2]}}`, "", true)
	if bad.ConditionErr == nil {
		t.Fatal("expected condition parse error")
	}
	policy := testPolicy("", bad)

	if got := SelectCells(policy, map[string]interface{}{"age": float64(5)}); len(got) != 0 {
		t.Errorf("cell with malformed condition must never match, got %d", len(got))
	}
}

func TestTargetOptionSingleSelect(t *testing.T) {
	policy := testPolicy("q1", cell("c1", "", "", "opt-a", true))

	if got := SelectCells(policy, map[string]interface{}{"q1": "opt-a"}); len(got) != 1 {
		t.Error("expected match for single-select answer equal to target option")
	}
	if got := SelectCells(policy, map[string]interface{}{"q1": "opt-b"}); len(got) != 0 {
		t.Error("expected no match for different option")
	}
	if got := SelectCells(policy, map[string]interface{}{}); len(got) != 0 {
		t.Error("expected no match when question unanswered")
	}
}

func TestTargetOptionMultiSelect(t *testing.T) {
	policy := testPolicy("q1", cell("c1", "", "", "opt-a", true))

	answers := map[string]interface{}{"q1": []interface{}{"opt-c", "opt-a"}}
	if got := SelectCells(policy, answers); len(got) != 1 {
		t.Error("expected match for multi-select answer including target option")
	}

	answers = map[string]interface{}{"q1": []interface{}{"opt-c"}}
	if got := SelectCells(policy, answers); len(got) != 0 {
		t.Error("expected no match when target option absent from multi-select answer")
	}
}

func TestTargetOptionCombinesWithCondition(t *testing.T) {
	policy := testPolicy("q1", cell("c1", "", `{"gender":"female"}`, "opt-a", true))

	both := map[string]interface{}{"q1": "opt-a", "gender": "female"}
	if got := SelectCells(policy, both); len(got) != 1 {
		t.Error("expected match when both target option and condition pass")
	}

	optionOnly := map[string]interface{}{"q1": "opt-a", "gender": "male"}
	if got := SelectCells(policy, optionOnly); len(got) != 0 {
		t.Error("expected no match when condition fails")
	}
}

func TestSelectionDeterministic(t *testing.T) {
	policy := testPolicy("q1",
		cell("c1", "", `{"gender":"female"}`, "", true),
		cell("c2", "", `{"age":{"$gt":18}}`, "", true),
	)
	answers := map[string]interface{}{"gender": "female", "age": float64(30)}

	first := ids(SelectCells(policy, answers))
	for i := 0; i < 50; i++ {
		got := ids(SelectCells(policy, answers))
		if len(got) != len(first) {
			t.Fatal("selection size changed between identical calls")
		}
		for id := range first {
			if !got[id] {
				t.Fatalf("selection differs between identical calls: missing %s", id)
			}
		}
	}
}
