package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/org/lockr/internal/probe"
	"github.com/org/lockr/pkg/models"
)

const maxSweepHosts = 1024

func validateHost(h *models.HostRecord) error {
	h.Address = strings.TrimSpace(h.Address)
	if h.Address == "" {
		return errors.New("address is required")
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("invalid port %d", h.Port)
	}
	if h.Name == "" {
		h.Name = h.Address
	}
	return nil
}

// ProbeHandler handles POST /v1/probe
func (s *Server) ProbeHandler(w http.ResponseWriter, r *http.Request) {
	var host models.HostRecord
	if err := decodeJSON(r, &host); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateHost(&host); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.prober.Probe(r.Context(), host)})
}

// SweepHandler handles POST /v1/probe/sweep
func (s *Server) SweepHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hosts []models.HostRecord `json:"hosts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Hosts) == 0 || len(req.Hosts) > maxSweepHosts {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("hosts must list between 1 and %d entries", maxSweepHosts))
		return
	}
	for i := range req.Hosts {
		if err := validateHost(&req.Hosts[i]); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("hosts[%d]: %v", i, err))
			return
		}
	}
	results, err := s.prober.Sweep(r.Context(), req.Hosts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": results})
}

// ProbeResultHandler handles GET /v1/probe/{address}
func (s *Server) ProbeResultHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	res, err := s.prober.Latest(r.Context(), address)
	if err != nil {
		if errors.Is(err, probe.ErrNoResult) {
			writeError(w, http.StatusNotFound, "no cached result for "+address)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": res})
}

// PrincipalHandler handles POST /v1/probe/principal
func (s *Server) PrincipalHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		models.HostRecord
		Principal string `json:"principal"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateHost(&req.HostRecord); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.prober.CheckPrincipal(r.Context(), req.HostRecord, req.Principal)
	if err != nil {
		if errors.Is(err, probe.ErrInvalidPrincipal) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": res})
}
