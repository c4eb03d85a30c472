// Package httpapi exposes the passkey ceremonies and credential, device,
// and user management operations as a JSON API.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/louisbranch/latchkey/internal/services/auth/authz"
	"github.com/louisbranch/latchkey/internal/services/auth/ceremony"
	"github.com/louisbranch/latchkey/internal/services/auth/device"
	"github.com/louisbranch/latchkey/internal/services/auth/devicetoken"
	"github.com/louisbranch/latchkey/internal/services/auth/storage"
)

// Server hosts the authentication JSON endpoints.
type Server struct {
	engine     *ceremony.Engine
	verifier   *devicetoken.Verifier
	authorizer *authz.Resolver
	devices    *device.Registry
	users      storage.UserStore
}

// NewServer builds an HTTP server over the ceremony engine and its
// supporting registries.
func NewServer(engine *ceremony.Engine, verifier *devicetoken.Verifier, authorizer *authz.Resolver, devices *device.Registry, users storage.UserStore) *Server {
	return &Server{
		engine:     engine,
		verifier:   verifier,
		authorizer: authorizer,
		devices:    devices,
		users:      users,
	}
}

// RegisterRoutes registers the auth HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) error {
	if mux == nil {
		return nil
	}

	mux.HandleFunc("/auth/passkey/register/start", s.handleRegisterStart)
	mux.HandleFunc("/auth/passkey/register/finish", s.handleRegisterFinish)
	mux.HandleFunc("/auth/passkey/login/start", s.handleLoginStart)
	mux.HandleFunc("/auth/passkey/login/finish", s.handleLoginFinish)

	mux.HandleFunc("/auth/passkey/add/start", s.requireUser(s.handleAddStart))
	mux.HandleFunc("/auth/passkey/add/finish", s.requireUser(s.handleAddFinish))
	mux.HandleFunc("/auth/passkeys", s.requireUser(s.handlePasskeyList))
	mux.HandleFunc("/auth/passkeys/{credentialID}", s.requireUser(s.handlePasskeyRename))
	mux.HandleFunc("/auth/passkeys/{credentialID}/revoke", s.requireUser(s.handlePasskeyRevoke))
	mux.HandleFunc("/auth/devices", s.requireUser(s.handleDeviceList))
	mux.HandleFunc("/auth/devices/{deviceID}/revoke", s.requireUser(s.handleDeviceRevoke))

	mux.HandleFunc("/auth/users/{userID}/role", s.requireAdmin(s.handleUserRole))
	mux.HandleFunc("/auth/users/{userID}/scopes", s.requireAdmin(s.handleUserScopes))

	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return nil
}

// StartChallengeSweep starts periodic deletion of expired ceremony
// challenges.
//
// Consume already ignores expired rows, so the sweep only keeps abandoned
// flows from accumulating without a separate maintenance process.
func (s *Server) StartChallengeSweep(ctx context.Context, interval time.Duration) {
	if s == nil || s.engine == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.engine.SweepExpiredChallenges(ctx)
				if err != nil {
					log.Printf("challenge sweep: %v", err)
					continue
				}
				if deleted > 0 {
					log.Printf("challenge sweep: deleted %d expired challenges", deleted)
				}
			}
		}
	}()
}
