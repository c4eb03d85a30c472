package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/louisbranch/latchkey/internal/platform/requestctx"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

type startResponse struct {
	FlowID    string          `json:"flow_id"`
	Options   json.RawMessage `json:"options"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type finishRequest struct {
	FlowID          string          `json:"flow_id"`
	Response        json.RawMessage `json:"response"`
	DevicePublicKey json.RawMessage `json:"device_public_key,omitempty"`
	DeviceLabel     string          `json:"device_label,omitempty"`
}

type finishResponse struct {
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id"`
	DeviceID     string `json:"device_id,omitempty"`
}

type addFinishResponse struct {
	CredentialID string `json:"credential_id"`
}

type passkeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	AAGUID     string     `json:"aaguid,omitempty"`
	Transports []string   `json:"transports,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type deviceView struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// statusResponse acknowledges a mutation with no other payload.
type statusResponse struct {
	Status string `json:"status"`
}

var statusOK = statusResponse{Status: "ok"}

type renameRequest struct {
	Name string `json:"name"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type scopesRequest struct {
	Scopes []string `json:"scopes"`
}

func (s *Server) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.engine.StartRegistration(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		FlowID:    result.FlowID,
		Options:   json.RawMessage(result.OptionsJSON),
		ExpiresAt: result.ExpiresAt,
	})
}

func (s *Server) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request finishRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	result, err := s.engine.FinishRegistration(r.Context(), request.FlowID, request.Response, string(request.DevicePublicKey), request.DeviceLabel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finishResponse{
		UserID:       result.UserID,
		CredentialID: result.CredentialID,
		DeviceID:     result.DeviceID,
	})
}

func (s *Server) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.engine.StartLogin(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		FlowID:    result.FlowID,
		Options:   json.RawMessage(result.OptionsJSON),
		ExpiresAt: result.ExpiresAt,
	})
}

func (s *Server) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request finishRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	result, err := s.engine.FinishLogin(r.Context(), request.FlowID, request.Response, string(request.DevicePublicKey), request.DeviceLabel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finishResponse{
		UserID:       result.UserID,
		CredentialID: result.CredentialID,
		DeviceID:     result.DeviceID,
	})
}

func (s *Server) handleAddStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.engine.StartAddCredential(r.Context(), requestctx.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		FlowID:    result.FlowID,
		Options:   json.RawMessage(result.OptionsJSON),
		ExpiresAt: result.ExpiresAt,
	})
}

func (s *Server) handleAddFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request finishRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	credentialID, err := s.engine.FinishAddCredential(r.Context(), requestctx.UserIDFromContext(r.Context()), request.FlowID, request.Response)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addFinishResponse{CredentialID: credentialID})
}

func (s *Server) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summaries, err := s.engine.ListCredentials(r.Context(), requestctx.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]passkeyView, 0, len(summaries))
	for _, summary := range summaries {
		views = append(views, passkeyView{
			ID:         summary.ID,
			Name:       summary.Name,
			AAGUID:     summary.AAGUID,
			Transports: summary.Transports,
			CreatedAt:  summary.CreatedAt,
			LastUsedAt: summary.LastUsedAt,
			RevokedAt:  summary.RevokedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePasskeyRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request renameRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.engine.RenameCredential(r.Context(), userID, r.PathValue("credentialID"), request.Name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handlePasskeyRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.engine.RevokeCredential(r.Context(), userID, r.PathValue("credentialID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := s.devices.List(r.Context(), requestctx.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]deviceView, 0, len(records))
	for _, record := range records {
		views = append(views, deviceView{
			ID:          record.ID,
			Label:       record.Label,
			Fingerprint: record.Fingerprint,
			CreatedAt:   record.CreatedAt,
			RevokedAt:   record.RevokedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := requestctx.UserIDFromContext(r.Context())
	if err := s.devices.Revoke(r.Context(), userID, r.PathValue("deviceID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleUserRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request roleRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	role, err := user.ParseRole(request.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.users.SetUserRole(r.Context(), r.PathValue("userID"), role); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleUserScopes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request scopesRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	if err := s.users.SetUserScopes(r.Context(), r.PathValue("userID"), request.Scopes); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}
