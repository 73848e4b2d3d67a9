package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"compromisos/pkg/idalloc"
	"compromisos/pkg/lifecycle"
	"compromisos/services/cge/internal/store"
)

// The evaluate route is pure: it never touches the pool, so a nil-backed
// store is fine here.
func newTestRouter() http.Handler {
	return buildRouter(store.New(nil), lifecycle.DefaultPolicy())
}

func TestEvaluateRoute(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	body := `{"target":{"objective":"100","reported":"80","direction":"gte","weight":100,"frequency":"ANNUAL","due_date":"2026-12-31"}}`
	resp, err := http.Post(srv.URL+"/cge/targets:evaluate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var out struct {
		Compliance     *float64 `json:"compliance"`
		Classification string   `json:"classification"`
		Period         string   `json:"period"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Compliance == nil || *out.Compliance != 80.0 {
		t.Fatalf("unexpected compliance: %v", out.Compliance)
	}
	if out.Classification != "PARTIALLY_MET" {
		t.Fatalf("unexpected classification: %s", out.Classification)
	}
	if out.Period != "ANNUAL-2026" {
		t.Fatalf("unexpected period: %s", out.Period)
	}
}

func TestEvaluateRoute_UndefinedCompliance(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	body := `{"target":{"objective":"100","reported":"","direction":"gte","weight":100}}`
	resp, err := http.Post(srv.URL+"/cge/targets:evaluate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["compliance"] != nil {
		t.Fatalf("expected null compliance, got %v", out["compliance"])
	}
}

func TestEvaluateRoute_RejectsInvertedRange(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	body := `{"target":{"objective":"100","reported":"80","direction":"gte","weight":100,"ranges":[{"min":60,"max":0,"percentage":40}]}}`
	resp, err := http.Post(srv.URL+"/cge/targets:evaluate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Code != "INVALID" {
		t.Fatalf("unexpected error code: %s", out.Error.Code)
	}
}

func TestEvaluateRoute_BadJSON(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/cge/targets:evaluate", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthRoute(t *testing.T) {
	srv := httptest.NewServer(newTestRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]idalloc.Kind{"AC": idalloc.KindAgreement, "F": idalloc.KindSheet, "M": idalloc.KindTarget}
	for in, want := range cases {
		got, ok := parseKind(in)
		if !ok || got != want {
			t.Fatalf("parseKind(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := parseKind("X"); ok {
		t.Fatalf("expected parseKind to reject X")
	}
}

func TestWriteStoreErrMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, 404, "NOT_FOUND"},
		{store.ErrConflict, 409, "CONFLICT"},
		{errLocked, 403, "AGREEMENT_LOCKED"},
		{errForbidden, 403, "PERMISSION_DENIED"},
		{&lifecycle.PermissionError{Role: lifecycle.RoleOwner}, 403, "PERMISSION_DENIED"},
		{&lifecycle.StaleStateError{}, 409, "CONFLICT"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeStoreErr(rec, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.status, rec.Code)
		}
		var out struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Error.Code != tc.code {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, out.Error.Code)
		}
	}
}
