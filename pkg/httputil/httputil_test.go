package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return env
}

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteSuccess(rec, map[string]string{"status": "ok"}); err != nil {
		t.Fatalf("WriteSuccess() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Error("success should be true")
	}
	if env.Error != "" {
		t.Errorf("error should be empty, got %q", env.Error)
	}
}

func TestWriteCreated(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteCreated(rec, map[string]int{"id": 7}); err != nil {
		t.Fatalf("WriteCreated() error = %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name       string
		write      func(http.ResponseWriter)
		wantStatus int
		wantError  string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad input") }, http.StatusBadRequest, "bad input"},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "who are you") }, http.StatusUnauthorized, "who are you"},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "not yours") }, http.StatusForbidden, "not yours"},
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "gone") }, http.StatusNotFound, "gone"},
		{"conflict", func(w http.ResponseWriter) { WriteConflict(w, "already there") }, http.StatusConflict, "already there"},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, errors.New("boom")) }, http.StatusInternalServerError, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			env := decodeEnvelope(t, rec)
			if env.Success {
				t.Error("success should be false")
			}
			if env.Error != tt.wantError {
				t.Errorf("error = %q, want %q", env.Error, tt.wantError)
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ward-7"}`))
	if err := ParseJSON(req, &dest); err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}
	if dest.Name != "ward-7" {
		t.Errorf("name = %q, want %q", dest.Name, "ward-7")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
	if err := ParseJSON(req, &dest); err == nil {
		t.Fatal("ParseJSON() should fail on malformed input")
	}
}

func TestParseJSONOrError(t *testing.T) {
	var dest map[string]interface{}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{broken`))
	rec := httptest.NewRecorder()
	if ParseJSONOrError(rec, req, &dest) {
		t.Fatal("ParseJSONOrError() should return false on malformed input")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestParsePathInt64(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/users/42", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "42"})

	val, err := ParsePathInt64(req, "id")
	if err != nil {
		t.Fatalf("ParsePathInt64() error = %v", err)
	}
	if val != 42 {
		t.Errorf("val = %d, want 42", val)
	}

	req = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/users/abc", nil), map[string]string{"id": "abc"})
	if _, err := ParsePathInt64(req, "id"); err == nil {
		t.Error("non-numeric parameter should fail")
	}

	req = httptest.NewRequest(http.MethodGet, "/users", nil)
	if _, err := ParsePathInt64(req, "id"); err == nil {
		t.Error("missing parameter should fail")
	}
}

func TestParseQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/list?limit=25&sort=name", nil)

	if got := ParseQueryInt(req, "limit", 10); got != 25 {
		t.Errorf("limit = %d, want 25", got)
	}
	if got := ParseQueryInt(req, "offset", 10); got != 10 {
		t.Errorf("offset default = %d, want 10", got)
	}
	if got := ParseQueryString(req, "sort", "id"); got != "name" {
		t.Errorf("sort = %q, want %q", got, "name")
	}
	if got := ParseQueryString(req, "order", "asc"); got != "asc" {
		t.Errorf("order default = %q, want %q", got, "asc")
	}
}
