package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

func TestWriteErrorMapsKindsToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{herr.New(herr.AuthFailure, "bad credentials"), http.StatusUnauthorized},
		{herr.New(herr.TokenExpired, "expired"), http.StatusUnauthorized},
		{herr.New(herr.Validation, "bad input"), http.StatusBadRequest},
		{herr.New(herr.NotFound, "missing"), http.StatusNotFound},
		{herr.New(herr.Forbidden, "no"), http.StatusForbidden},
		{herr.New(herr.UsernameTaken, "taken"), http.StatusConflict},
		{herr.New(herr.PrekeyExhausted, "empty"), http.StatusGone},
		{herr.New(herr.RateLimited, "slow down"), http.StatusTooManyRequests},
		{herr.Wrap(herr.PersistenceFailure, "db down", errors.New("boom")), http.StatusInternalServerError},
	}

	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, c.err)
		if rec.Code != c.status {
			t.Errorf("%v: got status %d, want %d", c.err, rec.Code, c.status)
		}

		var body errorBody
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("error body should be JSON: %v", err)
		}
		if body.Status != c.status {
			t.Errorf("body status %d should match header %d", body.Status, c.status)
		}
		if body.Error == "" {
			t.Error("error body should carry a message")
		}
	}
}

func TestWriteErrorNeverLeaksInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, herr.Wrap(herr.PersistenceFailure, "insert user", errors.New("pq: secret table detail")))

	var body errorBody
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Error != "internal server error" {
		t.Fatalf("internal detail leaked: %q", body.Error)
	}
}

func TestWriteErrorWrapsUnknownErrorsAsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("plain error"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unknown errors should be 500, got %d", rec.Code)
	}
}
