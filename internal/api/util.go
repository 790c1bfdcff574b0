package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/org/lockr/internal/secret"
)

type errorBody struct {
	Errors      []string `json:"errors"`
	Code        string   `json:"code,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Errors: []string{msg}})
}

// writeVaultError maps a vault error to a status and carries its stable
// code and remediation.
func writeVaultError(w http.ResponseWriter, err error) {
	code := secret.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case secret.CodeNotFound:
		status = http.StatusNotFound
	case secret.CodeInvalidArgument:
		status = http.StatusBadRequest
	case secret.CodeKeyUnavailable, secret.CodeAuditUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{
		Errors:      []string{err.Error()},
		Code:        code,
		Remediation: secret.Remediation(err),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
