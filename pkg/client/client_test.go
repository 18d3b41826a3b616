package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newEnvelopeServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestCheckAdmissionSuccess(t *testing.T) {
	srv := newEnvelopeServer(t, http.StatusOK,
		`{"success":true,"data":{"check_id":"chk-1","verdict":"allow"}}`)
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test")
	decision, err := c.CheckAdmission(context.Background(), AdmissionRequest{
		SurveyID:     "sur-1",
		RespondentID: "resp-1",
	})
	if err != nil {
		t.Fatalf("CheckAdmission failed: %v", err)
	}
	if decision.Verdict != VerdictAllow {
		t.Errorf("expected allow verdict, got %q", decision.Verdict)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newEnvelopeServer(t, http.StatusOK,
		`{"success":false,"error":{"code":"not_found","message":"policy not found"}}`)
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test")
	if _, err := c.GetPolicy(context.Background(), "pol-1"); err == nil {
		t.Fatal("expected error from failure envelope")
	} else if !strings.Contains(err.Error(), "not_found") {
		t.Errorf("expected error code in message, got %q", err.Error())
	}
}

func TestFailureEnvelopeWithoutErrorBody(t *testing.T) {
	// A 2xx body claiming failure but carrying no error object must
	// produce an error, not a panic.
	srv := newEnvelopeServer(t, http.StatusOK, `{"success":false}`)
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test")

	if _, err := c.CheckAdmission(context.Background(), AdmissionRequest{SurveyID: "s", RespondentID: "r"}); err == nil {
		t.Error("CheckAdmission: expected error")
	}
	if _, err := c.GetPolicy(context.Background(), "pol-1"); err == nil {
		t.Error("GetPolicy: expected error")
	}
	if _, err := c.ListSurveyPolicies(context.Background(), "sur-1", ""); err == nil {
		t.Error("ListSurveyPolicies: expected error")
	}
	if _, err := c.GetSurveyCounters(context.Background(), "sur-1"); err == nil {
		t.Error("GetSurveyCounters: expected error")
	}
}
