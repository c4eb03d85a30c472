// Package realtime authenticates the streaming channels.
//
// Each channel carries its own token audience, so a token minted for the
// JSON API cannot open a WebSocket and vice versa. WebSocket clients cannot
// set request headers from browsers, so that channel reads the token from
// the `token` query parameter; it is the only place a token may appear in a
// URL.
package realtime

import (
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/platform/errors/i18n"
	"github.com/louisbranch/latchkey/internal/services/auth/devicetoken"
)

// Authenticator verifies channel tokens with the audience each channel
// requires.
type Authenticator struct {
	verifier *devicetoken.Verifier
}

// NewAuthenticator wraps a device token verifier for channel checks.
func NewAuthenticator(verifier *devicetoken.Verifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// AuthenticateHTTP verifies an Authorization bearer token for the plain
// HTTP channel.
func (a *Authenticator) AuthenticateHTTP(r *http.Request) (devicetoken.Identity, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return devicetoken.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	return a.verifier.Verify(r.Context(), token, devicetoken.AudienceHTTP)
}

// AuthenticateSSE verifies the SSE channel token. The Authorization header
// is preferred; EventSource clients that cannot set headers may fall back
// to the `token` query parameter.
func (a *Authenticator) AuthenticateSSE(r *http.Request) (devicetoken.Identity, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return devicetoken.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	return a.verifier.Verify(r.Context(), token, devicetoken.AudienceSSE)
}

// AuthenticateWebSocket verifies the WebSocket channel token from the
// `token` query parameter.
func (a *Authenticator) AuthenticateWebSocket(r *http.Request) (devicetoken.Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return devicetoken.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token query parameter is required")
	}
	return a.verifier.Verify(r.Context(), token, devicetoken.AudienceWS)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	metadata := map[string]string{}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		metadata = domainErr.Metadata
	}
	catalog := i18n.GetCatalog(r.Header.Get("Accept-Language"))
	http.Error(w, catalog.Format(string(code), metadata), code.HTTPStatus())
}
