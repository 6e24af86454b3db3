package main

import (
	"net/http"
	"testing"

	"github.com/elemental-run/agentcore/internal/orcherr"
)

func TestExitForError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", orcherr.New(orcherr.NotFound, "op", nil), exitNotFound},
		{"parse failure", orcherr.New(orcherr.ParseFailure, "op", nil), exitValidation},
		{"invalid state", orcherr.New(orcherr.InvalidState, "op", nil), exitGeneral},
		{"cli arg error", argError("bad flag"), exitInvalidArg},
		{"http not found", &httpStatusError{status: http.StatusNotFound}, exitNotFound},
		{"http bad request", &httpStatusError{status: http.StatusBadRequest}, exitValidation},
		{"http internal error", &httpStatusError{status: http.StatusInternalServerError}, exitGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitForError(tt.err); got != tt.expected {
				t.Errorf("exitForError(%v) = %d, want %d", tt.err, got, tt.expected)
			}
		})
	}
}

func TestExitForHTTPStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected int
	}{
		{http.StatusOK, exitOK},
		{http.StatusNotFound, exitNotFound},
		{http.StatusBadRequest, exitValidation},
		{http.StatusInternalServerError, exitGeneral},
	}
	for _, tt := range tests {
		if got := exitForHTTPStatus(tt.status); got != tt.expected {
			t.Errorf("exitForHTTPStatus(%d) = %d, want %d", tt.status, got, tt.expected)
		}
	}
}
