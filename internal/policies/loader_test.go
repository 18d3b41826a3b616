package policies

import (
	"os"
	"path/filepath"
	"testing"
)

const validDoc = `
id: pol-gender
survey_id: sur-brand-track
question_id: q-gender
name: Gender balance
quota_type: hard
stop_condition: greater
when_met: show_message
action_payload:
  message: This survey is full for your demographic.
cells:
  - id: cell-f1824
    label: Female 18-24
    cap: 50
    condition:
      gender: female
      age: { $lt: 25 }
  - id: cell-m1824
    label: Male 18-24
    cap: 50
    condition:
      gender: male
      age: { $lt: 25 }
`

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "gender.yaml", validDoc)

	loader := NewLoader()
	if err := loader.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	policy := loader.Get("pol-gender")
	if policy == nil {
		t.Fatal("expected policy pol-gender to be loaded")
	}
	if len(policy.Cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(policy.Cells))
	}
	if !policy.IsEnabled {
		t.Error("enabled should default to true")
	}
	if policy.ActionPayload["message"] == "" {
		t.Error("action payload message missing")
	}

	cell := policy.Cells[0]
	if cell.Predicate == nil {
		t.Fatal("cell condition should be parsed at load time")
	}
	if !cell.Predicate.Evaluate(map[string]interface{}{"gender": "female", "age": 22}) {
		t.Error("parsed condition should match a 22 year old female")
	}
	if cell.Predicate.Evaluate(map[string]interface{}{"gender": "female", "age": 30}) {
		t.Error("parsed condition should not match a 30 year old")
	}
}

func TestLoadFromDirSkipsBadDocuments(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "good.yaml", validDoc)
	writeDoc(t, dir, "bad.yaml", "survey_id: s\nname: n\nquota_type: nonsense\nwhen_met: show_message\n")
	writeDoc(t, dir, "not-yaml.yaml", "{{{")
	writeDoc(t, dir, "ignored.txt", validDoc)

	loader := NewLoader()
	if err := loader.LoadFromDir(dir); err != nil {
		t.Fatalf("LoadFromDir failed: %v", err)
	}

	if got := len(loader.List()); got != 1 {
		t.Fatalf("expected exactly the valid document loaded, got %d", got)
	}
}

func TestLoadRejectsInvalidFields(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing survey", "name: n\nquota_type: hard\nwhen_met: redirect\n"},
		{"missing name", "survey_id: s\nquota_type: hard\nwhen_met: redirect\n"},
		{"bad quota type", "survey_id: s\nname: n\nquota_type: medium\nwhen_met: redirect\n"},
		{"bad stop condition", "survey_id: s\nname: n\nquota_type: hard\nstop_condition: above\nwhen_met: redirect\n"},
		{"bad when met", "survey_id: s\nname: n\nquota_type: hard\nwhen_met: explode\n"},
		{"negative cap", "survey_id: s\nname: n\nquota_type: hard\nwhen_met: redirect\ncells:\n  - label: c\n    cap: -1\n"},
		{"bad condition", "survey_id: s\nname: n\nquota_type: hard\nwhen_met: redirect\ncells:\n  - label: c\n    cap: 1\n    condition:\n      age: { $wat: 5 }\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeDoc(t, dir, "doc.yaml", tc.doc)
			if err := NewLoader().LoadFromFile(path); err == nil {
				t.Error("expected load to fail")
			}
		})
	}
}

func TestStopConditionDefaultsToGreater(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "doc.yaml", "survey_id: s\nname: n\nquota_type: soft\nwhen_met: show_message\n")

	loader := NewLoader()
	if err := loader.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	policy := loader.List()[0]
	if policy.StopCondition != "greater" {
		t.Errorf("expected default stop condition greater, got %q", policy.StopCondition)
	}
	if policy.ID == "" {
		t.Error("missing id should be generated")
	}
}
