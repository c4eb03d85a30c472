package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/latchkey/internal/platform/requestctx"
)

const defaultHeartbeatInterval = 30 * time.Second

// Server hosts the SSE and WebSocket endpoints behind channel token checks.
type Server struct {
	auth      *Authenticator
	heartbeat time.Duration
}

// NewServer builds a realtime server over the channel authenticator.
func NewServer(auth *Authenticator) *Server {
	return &Server{auth: auth, heartbeat: defaultHeartbeatInterval}
}

// WithHeartbeat overrides the SSE heartbeat interval. Intended for tests.
func (s *Server) WithHeartbeat(interval time.Duration) *Server {
	if interval > 0 {
		s.heartbeat = interval
	}
	return s
}

// RegisterRoutes registers the streaming endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) error {
	if mux == nil {
		return nil
	}
	mux.HandleFunc("/events", s.handleSSE)
	mux.HandleFunc("/ws", s.handleWS)
	return nil
}

type readyEvent struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, err := s.auth.AuthenticateSSE(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ready, err := json.Marshal(readyEvent{UserID: identity.User.ID, DeviceID: identity.DeviceID})
	if err != nil {
		http.Error(w, "encode ready event", http.StatusInternalServerError)
		return
	}
	_, _ = io.WriteString(w, "event: ready\ndata: "+string(ready)+"\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// handleWS gates the upgrade on the channel token, then echoes JSON frames
// back to the client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, err := s.auth.AuthenticateWebSocket(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	ctx := requestctx.WithUserID(r.Context(), identity.User.ID)
	ctx = requestctx.WithDeviceID(ctx, identity.DeviceID)

	handler := websocket.Handler(func(conn *websocket.Conn) {
		s.serveWSConn(conn)
	})
	handler.ServeHTTP(w, r.WithContext(ctx))
}

func (s *Server) serveWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	request := conn.Request()
	ready, err := json.Marshal(readyEvent{
		UserID:   requestctx.UserIDFromContext(request.Context()),
		DeviceID: requestctx.DeviceIDFromContext(request.Context()),
	})
	if err != nil {
		return
	}
	if err := encoder.Encode(wsFrame{Type: "ready", Payload: ready}); err != nil {
		return
	}

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = encoder.Encode(wsFrame{Type: "error"})
			return
		}
		if err := encoder.Encode(wsFrame{Type: "echo", Payload: frame.Payload}); err != nil {
			return
		}
	}
}
