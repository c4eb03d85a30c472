package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/errors/i18n"
	"github.com/louisbranch/latchkey/internal/platform/requestctx"
	"github.com/louisbranch/latchkey/internal/services/auth/devicetoken"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requireUser verifies the bearer token for the HTTP channel and stores the
// resolved user and device ids on the request context.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := requestctx.WithUserID(r.Context(), identity.User.ID)
		ctx = requestctx.WithDeviceID(ctx, identity.DeviceID)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin authenticates the caller and additionally requires the admin
// role. The role check always reads current state, so a demotion takes
// effect on the next request even while old tokens are still valid.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireUser(func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorizer.RequireAdmin(r.Context(), requestctx.UserIDFromContext(r.Context())); err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (devicetoken.Identity, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return devicetoken.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	return s.verifier.Verify(r.Context(), token, devicetoken.AudienceHTTP)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func decodeRequest(w http.ResponseWriter, r *http.Request, payload any) bool {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "INVALID_REQUEST",
			Message: "request body must be valid JSON",
		})
		return false
	}
	return true
}

// writeError renders a domain error as JSON, localized for the caller's
// Accept-Language. Unrecognized errors are logged and reported as UNKNOWN.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	metadata := map[string]string{}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		metadata = domainErr.Metadata
	}
	catalog := i18n.GetCatalog(r.Header.Get("Accept-Language"))
	writeJSON(w, code.HTTPStatus(), errorResponse{
		Code:    string(code),
		Message: catalog.Format(string(code), metadata),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
