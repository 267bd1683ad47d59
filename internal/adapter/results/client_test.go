package results

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.BackendConfig{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, srv
}

func TestPostExtraction(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.PostExtraction(context.Background(), "call-1", domain.Extraction{
		AuthNumber:   "PA-777",
		Status:       domain.AuthApproved,
		ValidThrough: "2026-12-31",
	})
	if err != nil {
		t.Fatalf("PostExtraction: %v", err)
	}
	if gotPath != "POST /api/calls/call-1/extraction" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["auth_number"] != "PA-777" || gotBody["status"] != "approved" {
		t.Errorf("body = %v", gotBody)
	}
	if _, present := gotBody["denial_reason"]; present {
		t.Error("empty fields must be elided")
	}
}

func TestUpdateCallStatus(t *testing.T) {
	var gotPath string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
	}))

	if err := c.UpdateCallStatus(context.Background(), "call-2", "completed"); err != nil {
		t.Fatalf("UpdateCallStatus: %v", err)
	}
	if gotPath != "PUT /api/calls/call-2" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestPostFailure(t *testing.T) {
	var gotBody map[string]string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
	}))

	err := c.PostFailure(context.Background(), "call-3", domain.FailureMaxUncertain, "IVR: hello")
	if err != nil {
		t.Fatalf("PostFailure: %v", err)
	}
	if gotBody["failure_reason"] != "max_uncertain_exceeded" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSendRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.UpdateCallStatus(context.Background(), "call-4", "failed"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestSendGivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	if err := c.UpdateCallStatus(context.Background(), "call-5", "failed"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestSendDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	if err := c.UpdateCallStatus(context.Background(), "call-6", "failed"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestGetMember(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/members/M1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(Member{ID: "1", MemberID: "M1", DateOfBirth: "03/15/1965"})
	}))

	m, err := c.GetMember(context.Background(), "M1")
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m == nil || m.DateOfBirth != "03/15/1965" {
		t.Errorf("member = %+v", m)
	}

	missing, err := c.GetMember(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetMember missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for 404, got %+v", missing)
	}
}

func TestGetCall(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CallRecord{ID: "call-7", Status: "completed"})
	}))

	rec, err := c.GetCall(context.Background(), "call-7")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec == nil || rec.Status != "completed" {
		t.Errorf("record = %+v", rec)
	}
}
