package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/org/lockr/internal/crypto"
	"github.com/org/lockr/internal/password"
	"github.com/org/lockr/pkg/models"
)

type mintRequest struct {
	Length int              `json:"length"`
	Policy *password.Policy `json:"policy,omitempty"`
}

func secretKey(r *http.Request) (scope, principal string) {
	return chi.URLParam(r, "scope"), chi.URLParam(r, "principal")
}

// secretResponse renders a released plaintext and zeroes it.
func secretResponse(scope, principal string, versionID int, plain []byte) map[string]any {
	defer crypto.Zero(plain)
	data := map[string]any{
		"scope":     scope,
		"principal": principal,
		"password":  string(plain),
	}
	if versionID > 0 {
		data["version_id"] = versionID
	}
	return map[string]any{"data": data}
}

// SecretMintHandler handles POST /v1/secrets/{scope}/{principal}
func (s *Server) SecretMintHandler(w http.ResponseWriter, r *http.Request) {
	scope, principal := secretKey(r)
	var req mintRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ver, plain, err := s.vault.MintAndStore(r.Context(), operatorFromCtx(r.Context()), scope, principal, req.Length, req.Policy)
	if err != nil {
		// A committed but unaudited version is not handed out.
		crypto.Zero(plain)
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, secretResponse(scope, principal, ver.VersionID, plain))
}

// SecretGetHandler handles GET /v1/secrets/{scope}/{principal}[?version=N]
func (s *Server) SecretGetHandler(w http.ResponseWriter, r *http.Request) {
	scope, principal := secretKey(r)
	actor := operatorFromCtx(r.Context())

	if v := r.URL.Query().Get("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		plain, err := s.vault.RetrieveVersion(r.Context(), actor, scope, principal, version)
		if err != nil {
			writeVaultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, secretResponse(scope, principal, version, plain))
		return
	}

	plain, err := s.vault.RetrieveCurrent(r.Context(), actor, scope, principal)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse(scope, principal, 0, plain))
}

// SecretRotateHandler handles POST /v1/secrets/{scope}/{principal}/rotate
func (s *Server) SecretRotateHandler(w http.ResponseWriter, r *http.Request) {
	scope, principal := secretKey(r)
	var req mintRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ver, plain, err := s.vault.Rotate(r.Context(), operatorFromCtx(r.Context()), scope, principal, req.Length, req.Policy)
	if err != nil {
		// A committed but unaudited version is not handed out.
		crypto.Zero(plain)
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse(scope, principal, ver.VersionID, plain))
}

// SecretRollbackHandler handles POST /v1/secrets/{scope}/{principal}/rollback
func (s *Server) SecretRollbackHandler(w http.ResponseWriter, r *http.Request) {
	scope, principal := secretKey(r)
	var req struct {
		Version int `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Version < 1 {
		writeError(w, http.StatusBadRequest, "request body must name a version >= 1")
		return
	}
	ver, err := s.vault.Rollback(r.Context(), operatorFromCtx(r.Context()), scope, principal, req.Version)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"scope":      scope,
		"principal":  principal,
		"version_id": ver.VersionID,
		"restored":   req.Version,
		"created_at": ver.CreatedAt,
	}})
}

// SecretVersionsHandler handles GET /v1/secrets/{scope}/{principal}/versions
func (s *Server) SecretVersionsHandler(w http.ResponseWriter, r *http.Request) {
	scope, principal := secretKey(r)
	versions, err := s.vault.History(r.Context(), scope, principal)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": versions})
}

// SecretListHandler handles GET /v1/secrets
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	secrets := []models.SecretSummary{}
	for sum, err := range s.vault.ListSecrets(r.Context()) {
		if err != nil {
			writeVaultError(w, err)
			return
		}
		secrets = append(secrets, sum)
	}
	secretsTotal.Set(float64(len(secrets)))
	writeJSON(w, http.StatusOK, map[string]any{"data": secrets})
}
