package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/soarflow/internal/alert"
	"github.com/gyaneshwarpardhi/soarflow/internal/incident"
	"github.com/gyaneshwarpardhi/soarflow/internal/orchestrator"
	"github.com/gyaneshwarpardhi/soarflow/internal/workflow"
)

// maxBodyBytes caps request bodies; a full batch of events fits comfortably.
const maxBodyBytes = 4 << 20

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps an engine error onto its HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, alert.ErrNotFound),
		errors.Is(err, incident.ErrNotFound),
		errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alert.ErrInvalidTransition),
		errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, incident.ErrRunbookAttached),
		errors.Is(err, workflow.ErrInvalidState),
		errors.Is(err, workflow.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrNotApprover):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrInvalidDefinition),
		errors.Is(err, orchestrator.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, workflow.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return t, nil
}
