package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"

	"github.com/tpflaum/Guardian/internal/platform/id"
	"github.com/tpflaum/Guardian/internal/platform/timeouts"
	"github.com/tpflaum/Guardian/internal/services/presence/storage"
	journalsqlite "github.com/tpflaum/Guardian/internal/services/presence/storage/sqlite"
)

const (
	tokenCookieName = "guardian_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

var tracer = otel.Tracer("github.com/tpflaum/Guardian/internal/services/presence")

// Config defines the inputs for the presence transport boundary.
type Config struct {
	HTTPAddr          string
	JournalPath       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the presence HTTP/WebSocket process.
//
// It owns the session transport and the assignment coordinator; everything a
// client sees is derived from the frames the coordinator emits.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	journal         storage.Journal
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type wsUserIDContextKey struct{}

// NewHandler creates presence routes for tests and offline paths.
// WebSocket auth is intentionally disabled in this constructor.
func NewHandler() http.Handler {
	return newHandler(newCoordinator(nil), nil, false)
}

// NewHandlerWithAuthorizer creates presence routes with enforced websocket
// identity checks.
func NewHandlerWithAuthorizer(authorizer wsAuthorizer) http.Handler {
	return newHandler(newCoordinator(nil), authorizer, true)
}

func newHandler(coord *coordinator, authorizer wsAuthorizer, requireAuth bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, coord)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if requireAuth {
			if authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("presence: websocket unauthorized: missing %s for remote=%s", tokenCookieName, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := authorizer.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				if err != nil {
					log.Printf("presence: websocket unauthorized: token rejected for remote=%s err=%v", r.RemoteAddr, err)
				}
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, coord *coordinator) {
	defer func() {
		_ = conn.Close()
	}()

	sessionID, err := id.NewID()
	if err != nil {
		log.Printf("presence: assign session id: %v", err)
		return
	}

	userID := ""
	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	coord.attach(sessionID, userID, peer)
	defer coord.disconnect(sessionID)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		dispatchFrame(ctx, coord, sessionID, peer, frame)
	}
}

func dispatchFrame(ctx context.Context, coord *coordinator, sessionID string, peer *wsPeer, frame wsFrame) {
	_, span := tracer.Start(ctx, frame.Type, trace.WithAttributes(
		attribute.String("presence.session_id", sessionID),
	))
	defer span.End()

	switch frame.Type {
	case frameRegister:
		var payload registerPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid register payload")
			return
		}
		coord.registerGuardian(sessionID, payload)
	case frameLocation:
		var payload locationPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid location payload")
			return
		}
		coord.updateLocation(sessionID, payload)
	case frameRequestHelp:
		var payload requestHelpPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid help request payload")
				return
			}
		}
		coord.requestHelp(sessionID, payload)
	case frameAcceptHelp:
		var payload acceptHelpPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid accept payload")
			return
		}
		if strings.TrimSpace(payload.RequesterSessionID) == "" {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "requester_session_id is required")
			return
		}
		coord.acceptHelp(sessionID, payload)
	default:
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
	}
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured presence server, opening the assignment
// journal when a path is set.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var journal storage.Journal
	if strings.TrimSpace(config.JournalPath) != "" {
		store, err := journalsqlite.Open(config.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open assignment journal: %w", err)
		}
		journal = store
	}

	authorizer, err := newWSAuthorizerFromEnv()
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return nil, fmt.Errorf("configure websocket auth: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(newCoordinator(journal), authorizer, authorizer != nil),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		journal:         journal,
	}, nil
}

// Run creates and serves a presence server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init presence server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve presence: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("presence server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("presence server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Printf("close assignment journal: %v", err)
		}
	}
}
