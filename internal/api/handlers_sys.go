package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/org/lockr/internal/core"
)

const errKeyFileMode = "the vault key is supplied by a key file; init, unseal and seal are unavailable"

// InitHandler handles POST /v1/sys/init
func (s *Server) InitHandler(w http.ResponseWriter, r *http.Request) {
	if s.seal == nil {
		writeError(w, http.StatusBadRequest, errKeyFileMode)
		return
	}
	req := struct {
		SecretShares    int `json:"secret_shares"`
		SecretThreshold int `json:"secret_threshold"`
	}{SecretShares: 5, SecretThreshold: 3}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SecretThreshold < 2 || req.SecretThreshold > req.SecretShares || req.SecretShares > 255 {
		writeError(w, http.StatusBadRequest, "need 2 <= secret_threshold <= secret_shares <= 255")
		return
	}

	shares, err := s.seal.Initialize(r.Context(), req.SecretShares, req.SecretThreshold)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyInitialized) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	setSealGauge(false)

	// Shares are shown once and never stored.
	keys := make([]string, len(shares))
	for i, sh := range shares {
		keys[i] = base64.StdEncoding.EncodeToString(sh)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":        keys,
		"shares":      req.SecretShares,
		"threshold":   req.SecretThreshold,
		"initialized": true,
		"sealed":      false,
	})
}

// SealStatusHandler handles GET /v1/sys/seal-status
func (s *Server) SealStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.seal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sealed": false, "key_file": true})
		return
	}
	st, err := s.seal.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UnsealHandler handles POST /v1/sys/unseal
func (s *Server) UnsealHandler(w http.ResponseWriter, r *http.Request) {
	if s.seal == nil {
		writeError(w, http.StatusBadRequest, errKeyFileMode)
		return
	}
	var req struct {
		Key   string `json:"key"`
		Reset bool   `json:"reset"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Reset {
		s.seal.ResetProgress()
	} else {
		share, err := base64.StdEncoding.DecodeString(req.Key)
		if err != nil || len(share) == 0 {
			writeError(w, http.StatusBadRequest, "invalid key encoding (must be base64)")
			return
		}
		if _, err := s.seal.Unseal(r.Context(), share); err != nil {
			switch {
			case errors.Is(err, core.ErrNotInitialized), errors.Is(err, core.ErrDuplicateShare), errors.Is(err, core.ErrInvalidShares):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
	}

	st, err := s.seal.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	setSealGauge(st.Sealed)
	writeJSON(w, http.StatusOK, st)
}

// SealHandler handles PUT /v1/sys/seal
func (s *Server) SealHandler(w http.ResponseWriter, r *http.Request) {
	if s.seal == nil {
		writeError(w, http.StatusBadRequest, errKeyFileMode)
		return
	}
	s.seal.Seal()
	setSealGauge(true)
	writeJSON(w, http.StatusOK, map[string]any{"sealed": true})
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.store.IsInitialized(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sealed := s.seal != nil && s.seal.IsSealed()
	if s.seal == nil {
		initialized = true
	}
	if n, err := s.store.CountSecrets(r.Context()); err == nil {
		secretsTotal.Set(float64(n))
	}

	code := http.StatusOK
	if !initialized || sealed {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"initialized": initialized,
		"sealed":      sealed,
	})
}
