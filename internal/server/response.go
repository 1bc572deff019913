package server

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/nainya/scriptgov/pkg/diff"
	"github.com/nainya/scriptgov/pkg/governance"
	"github.com/nainya/scriptgov/pkg/sandbox"
	"github.com/nainya/scriptgov/pkg/validator"
	"github.com/nainya/scriptgov/pkg/version"
)

// Problem is the body of every error response
type Problem struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Verdict *validator.Verdict `json:"verdict,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Problem{Code: code, Message: message})
}

// classify maps an error to a status and a stable code
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, governance.ErrInvalidRecord):
		return http.StatusBadRequest, "invalid_record"
	case errors.Is(err, governance.ErrConfirmationRequired):
		return http.StatusBadRequest, "confirmation_required"
	case errors.Is(err, governance.ErrConfirmationMismatch):
		return http.StatusConflict, "confirmation_mismatch"
	case errors.Is(err, governance.ErrRejected):
		return http.StatusUnprocessableEntity, "rejected"
	case errors.Is(err, version.ErrPolicyRegression):
		return http.StatusUnprocessableEntity, "policy_regression"
	case errors.Is(err, version.ErrNotValidated), errors.Is(err, sandbox.ErrNotValidated):
		return http.StatusUnprocessableEntity, "not_validated"
	case errors.Is(err, version.ErrVersionNotFound):
		return http.StatusNotFound, "version_not_found"
	case errors.Is(err, version.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, version.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, diff.ErrTooLarge):
		return http.StatusUnprocessableEntity, "diff_too_large"
	case errors.Is(err, sandbox.ErrUnavailable):
		return http.StatusServiceUnavailable, "sandbox_unavailable"
	case errors.Is(err, sandbox.ErrTimeout):
		return http.StatusGatewayTimeout, "sandbox_timeout"
	case errors.Is(err, sandbox.ErrExecution):
		return http.StatusBadGateway, "execution_failed"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError answers with the classified status. Internal errors are
// logged and their text withheld.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, verdict *validator.Verdict) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed").Err(err).Str("path", r.URL.Path).Send()
		msg = "internal error"
	}
	writeJSON(w, status, Problem{Code: code, Message: msg, Verdict: verdict})
}

// decode reads a JSON body, rejecting unknown fields and oversized bodies
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		writeProblem(w, http.StatusBadRequest, "bad_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}
