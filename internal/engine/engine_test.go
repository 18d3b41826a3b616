package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/surveyloop/quota-engine/internal/counter"
	"github.com/surveyloop/quota-engine/internal/models"
)

type stubPolicySource struct {
	policies []*models.QuotaPolicy
	err      error
}

func (s *stubPolicySource) ListActivePolicies(ctx context.Context, surveyID, questionID string) ([]*models.QuotaPolicy, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.policies, nil
}

type stubLifecycle struct {
	closed []string
}

func (s *stubLifecycle) CloseSurvey(ctx context.Context, surveyID string) error {
	s.closed = append(s.closed, surveyID)
	return nil
}

func newCell(id string, cap int64, cond string) *models.QuotaCell {
	c := &models.QuotaCell{
		ID:        id,
		Label:     id,
		Cap:       cap,
		IsEnabled: true,
	}
	if cond != "" {
		c.Condition = json.RawMessage(cond)
	}
	c.ParseCondition()
	return c
}

func newPolicy(id string, qt models.QuotaType, stop models.StopCondition, whenMet models.WhenMetAction, cells ...*models.QuotaCell) *models.QuotaPolicy {
	for _, c := range cells {
		c.PolicyID = id
	}
	return &models.QuotaPolicy{
		ID:            id,
		SurveyID:      "sur-1",
		Name:          id,
		QuotaType:     qt,
		StopCondition: stop,
		WhenMet:       whenMet,
		ActionPayload: map[string]string{"message": "quota full"},
		IsEnabled:     true,
		Cells:         cells,
	}
}

func newEngine(source PolicySource) (*Engine, *stubLifecycle, *counter.MemoryStore) {
	lifecycle := &stubLifecycle{}
	store := counter.NewMemoryStore()
	return New(source, store, NewDispatcher(lifecycle)), lifecycle, store
}

func request(respondent string, answers map[string]interface{}) *models.AdmissionRequest {
	return &models.AdmissionRequest{
		SurveyID:     "sur-1",
		RespondentID: respondent,
		Answers:      answers,
	}
}

// Hard policy, cap 2: first two matching respondents are allowed, the
// third is blocked carrying the policy's when-met action, and a fourth
// respondent not matching the condition passes untouched.
func TestHardQuotaScenario(t *testing.T) {
	policy := newPolicy("pol-1", models.QuotaHard, models.StopGreater, models.WhenMetShowMessage,
		newCell("f18-24", 2, `{"gender":"female","age_band":"18-24"}`))
	eng, _, _ := newEngine(&stubPolicySource{policies: []*models.QuotaPolicy{policy}})
	ctx := context.Background()

	matching := map[string]interface{}{"gender": "female", "age_band": "18-24"}

	for i := 1; i <= 2; i++ {
		dec, err := eng.Decide(ctx, request(fmt.Sprintf("resp-%d", i), matching))
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if dec.Verdict != models.VerdictAllow {
			t.Fatalf("respondent %d: verdict %s, want allow", i, dec.Verdict)
		}
	}

	blocked, err := eng.Decide(ctx, request("resp-3", matching))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if blocked.Verdict != models.VerdictBlock {
		t.Fatalf("third respondent: verdict %s, want block", blocked.Verdict)
	}
	if blocked.BlockedBy == nil || blocked.BlockedBy.Action != models.WhenMetShowMessage {
		t.Fatalf("blocked action = %+v, want show_message", blocked.BlockedBy)
	}
	if blocked.BlockedBy.Message != "quota full" {
		t.Errorf("blocked message %q, want configured payload", blocked.BlockedBy.Message)
	}

	other, err := eng.Decide(ctx, request("resp-4", map[string]interface{}{"gender": "male"}))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if other.Verdict != models.VerdictAllow {
		t.Errorf("non-matching respondent: verdict %s, want allow despite exhausted cell", other.Verdict)
	}
	if len(other.Outcomes) != 0 {
		t.Errorf("non-matching respondent should have no cell outcomes, got %d", len(other.Outcomes))
	}
}

// Soft policy, cap 1, stop condition "equal": first matching
// respondent gets a plain allow, the second an allow with warning and
// the counter keeps climbing.
func TestSoftQuotaScenario(t *testing.T) {
	policy := newPolicy("pol-1", models.QuotaSoft, models.StopEqual, models.WhenMetShowMessage,
		newCell("everyone", 1, ""))
	eng, _, store := newEngine(&stubPolicySource{policies: []*models.QuotaPolicy{policy}})
	ctx := context.Background()

	first, err := eng.Decide(ctx, request("resp-1", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if first.Verdict != models.VerdictAllow {
		t.Errorf("first respondent: verdict %s, want allow", first.Verdict)
	}

	second, err := eng.Decide(ctx, request("resp-2", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if second.Verdict != models.VerdictAllowWithWarning {
		t.Errorf("second respondent: verdict %s, want allow_with_warning", second.Verdict)
	}
	if len(second.Warnings) != 1 || second.Warnings[0] != "everyone" {
		t.Errorf("warned cells = %v, want [everyone]", second.Warnings)
	}

	c, _ := store.GetCounter(ctx, "everyone")
	if c.CurrentCount != 2 {
		t.Errorf("soft counter = %d, want 2", c.CurrentCount)
	}
}

// A policy with zero cells never blocks and never counts.
func TestZeroCellPolicyInert(t *testing.T) {
	policy := newPolicy("pol-1", models.QuotaHard, models.StopGreater, models.WhenMetShowMessage)
	eng, _, _ := newEngine(&stubPolicySource{policies: []*models.QuotaPolicy{policy}})

	dec, err := eng.Decide(context.Background(), request("resp-1", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if dec.Verdict != models.VerdictAllow || len(dec.Outcomes) != 0 {
		t.Errorf("inert policy produced %+v", dec)
	}
}

// A policy-load failure surfaces as a retryable error, never as an
// implicit allow or block.
func TestPolicyLoadFailure(t *testing.T) {
	eng, _, _ := newEngine(&stubPolicySource{err: errors.New("storage unavailable")})

	dec, err := eng.Decide(context.Background(), request("resp-1", map[string]interface{}{}))
	if err == nil {
		t.Fatalf("expected error, got decision %+v", dec)
	}
	var loadErr *PolicyLoadError
	if !errors.As(err, &loadErr) {
		t.Errorf("error is %T, want *PolicyLoadError", err)
	}
}

// Counters incremented before a later hard rejection stay incremented;
// cells attempted after the rejection are not counted.
func TestPartialAdmissionNoRollback(t *testing.T) {
	broad := newPolicy("pol-broad", models.QuotaHard, models.StopGreater, models.WhenMetShowMessage,
		newCell("broad", 100, `{"gender":"female"}`))
	narrow := newPolicy("pol-narrow", models.QuotaHard, models.StopGreater, models.WhenMetShowMessage,
		newCell("narrow", 0, `{"gender":"female"}`))
	late := newPolicy("pol-late", models.QuotaHard, models.StopGreater, models.WhenMetShowMessage,
		newCell("late", 100, `{"gender":"female"}`))

	eng, _, store := newEngine(&stubPolicySource{policies: []*models.QuotaPolicy{broad, narrow, late}})
	ctx := context.Background()

	dec, err := eng.Decide(ctx, request("resp-1", map[string]interface{}{"gender": "female"}))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if dec.Verdict != models.VerdictBlock {
		t.Fatalf("verdict %s, want block", dec.Verdict)
	}
	if dec.BlockedBy.PolicyID != "pol-narrow" {
		t.Errorf("blocked by %s, want pol-narrow (creation-order tie-break)", dec.BlockedBy.PolicyID)
	}

	broadCounter, _ := store.GetCounter(ctx, "broad")
	if broadCounter.CurrentCount != 1 {
		t.Errorf("earlier admission rolled back: broad count %d, want 1", broadCounter.CurrentCount)
	}

	lateCounter, _ := store.GetCounter(ctx, "late")
	if lateCounter.CurrentCount != 0 {
		t.Errorf("cell after the rejection was counted: late count %d, want 0", lateCounter.CurrentCount)
	}
}

// close_survey fires on the cap-reached transition, exactly once.
func TestCloseSurveyDispatchedOnce(t *testing.T) {
	policy := newPolicy("pol-1", models.QuotaHard, models.StopGreater, models.WhenMetCloseSurvey,
		newCell("all", 1, ""))
	eng, lifecycle, _ := newEngine(&stubPolicySource{policies: []*models.QuotaPolicy{policy}})
	ctx := context.Background()

	if _, err := eng.Decide(ctx, request("resp-1", map[string]interface{}{})); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if len(lifecycle.closed) != 0 {
		t.Fatalf("survey closed before cap reached")
	}

	for i := 2; i <= 4; i++ {
		dec, err := eng.Decide(ctx, request(fmt.Sprintf("resp-%d", i), map[string]interface{}{}))
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if dec.Verdict != models.VerdictBlock {
			t.Fatalf("respondent %d: verdict %s, want block", i, dec.Verdict)
		}
	}

	if len(lifecycle.closed) != 1 || lifecycle.closed[0] != "sur-1" {
		t.Errorf("CloseSurvey calls = %v, want exactly one for sur-1", lifecycle.closed)
	}
}

// A respondent retrying the same check is not double-counted.
func TestDecideIdempotentPerRespondent(t *testing.T) {
	policy := newPolicy("pol-1", models.QuotaHard, models.StopGreater, models.WhenMetShowMessage,
		newCell("all", 5, ""))
	eng, _, store := newEngine(&stubPolicySource{policies: []*models.QuotaPolicy{policy}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := eng.Decide(ctx, request("resp-1", map[string]interface{}{}))
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if dec.Verdict != models.VerdictAllow {
			t.Fatalf("retry %d: verdict %s, want allow", i, dec.Verdict)
		}
	}

	c, _ := store.GetCounter(ctx, "all")
	if c.CurrentCount != 1 {
		t.Errorf("counter %d after retries, want 1", c.CurrentCount)
	}
}
