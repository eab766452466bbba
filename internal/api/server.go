// Package api exposes the HTTP surface of the bridge: credential endpoints,
// session initialization, message sending, and status/pairing-code reads.
// Handlers stay thin; all session lifecycle logic lives behind the dispatch
// facade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/bridge/internal/auth"
	"github.com/whisper/bridge/internal/bridge"
	"github.com/whisper/bridge/internal/metrics"
	"github.com/whisper/bridge/internal/ratelimit"
	"github.com/whisper/bridge/internal/session"
	"github.com/whisper/bridge/internal/transport"
)

// SessionService is the dispatch facade surface the handlers call.
// *bridge.Service implements it.
type SessionService interface {
	InitializeSession(ctx context.Context, userID string) (bridge.InitializeResult, error)
	SendMessage(ctx context.Context, userID, to, body string) error
	GetStatus(userID string) (string, error)
	LookupContact(ctx context.Context, userID, contactID string) (*transport.Contact, error)
	PairingCode(ctx context.Context, userID string) (string, error)
}

// CredentialService verifies and registers accounts. *auth.Store implements
// it.
type CredentialService interface {
	Register(ctx context.Context, username, password string) (*auth.User, error)
	Authenticate(ctx context.Context, username, password string) (*auth.User, error)
}

// Limiter is the subset of the rate limiter the handlers use. Nil disables
// rate limiting (tests).
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ServerConfig holds tunable parameters for the HTTP server.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":5000",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the bridge HTTP API server.
type Server struct {
	config      ServerConfig
	sessions    SessionService
	credentials CredentialService
	tokens      *auth.TokenIssuer
	limiter     Limiter

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the API server. limiter may be nil.
func NewServer(config ServerConfig, sessions SessionService, credentials CredentialService, tokens *auth.TokenIssuer, limiter Limiter) *Server {
	return &Server{
		config:      config,
		sessions:    sessions,
		credentials: credentials,
		tokens:      tokens,
		limiter:     limiter,
	}
}

// Handler builds the route table. Exposed separately from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/initialize", s.authenticated(s.handleInitialize))
	mux.HandleFunc("POST /api/send", s.authenticated(s.handleSend))
	mux.HandleFunc("GET /api/status", s.authenticated(s.handleStatus))
	mux.HandleFunc("GET /api/qr", s.authenticated(s.handleQR))
	mux.HandleFunc("GET /api/contact", s.authenticated(s.handleContact))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	log.Printf("api: server listening on %s", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type contextKey string

const userIDKey contextKey = "user_id"

// authenticated wraps a handler with bearer-token verification and puts the
// verified user identity on the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		claims, err := s.tokens.Verify(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// allow applies a rate limit rule, failing open when no limiter is wired.
func (s *Server) allow(r *http.Request, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(r.Context(), identifier, rule)
	return ok
}

// clientIP extracts the remote IP for per-IP rate limiting.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---------------------------------------------------------------------------
// Credential endpoints
// ---------------------------------------------------------------------------

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "username and password are required")
		return
	}

	_, err := s.credentials.Register(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username_taken", "username already exists")
		return
	}
	if err != nil {
		log.Printf("api: register failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "user registered successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, clientIP(r), ratelimit.RuleLogin) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "username and password are required")
		return
	}

	user, err := s.credentials.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}
	if err != nil {
		log.Printf("api: login failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		log.Printf("api: token issue failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ---------------------------------------------------------------------------
// Session endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if !s.allow(r, userID, ratelimit.RuleInitialize) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many initialization attempts")
		return
	}

	result, err := s.sessions.InitializeSession(r.Context(), userID)
	if err != nil {
		log.Printf("api: initialize failed user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "store_failure", "session could not be created")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              result.Phase,
		"already_initialized": result.AlreadyInitialized,
	})
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if !s.allow(r, userID, ratelimit.RuleSend) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "sending too fast")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "to and body are required")
		return
	}

	err := s.sessions.SendMessage(r.Context(), userID, req.To, req.Body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "message sent successfully"})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusServiceUnavailable, "not_initialized", "session is not initialized")
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "not_ready", "session is not ready, retry later")
	case errors.Is(err, session.ErrAuthFailed):
		writeError(w, http.StatusServiceUnavailable, "auth_failed", "session authentication failed, reinitialize the session")
	case errors.Is(err, transport.ErrRecipientNotFound):
		writeError(w, http.StatusNotFound, "recipient_not_found", "recipient unreachable on the protocol")
	default:
		log.Printf("api: send failed user=%s: %v", userID, err)
		writeError(w, http.StatusBadGateway, "transport_failure", "message could not be sent")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)

	phase, err := s.sessions.GetStatus(userID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_initialized", "no session for this user")
		return
	}
	if err != nil {
		log.Printf("api: status failed user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal", "status unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": phase})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)

	code, err := s.sessions.PairingCode(r.Context(), userID)
	if err != nil {
		log.Printf("api: qr fetch failed user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal", "pairing code unavailable")
		return
	}
	if code == "" {
		writeError(w, http.StatusNotFound, "no_pairing_code", "no pairing code available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"qr": code})
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	contactID := r.URL.Query().Get("id")
	if contactID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "id query parameter is required")
		return
	}

	contact, err := s.sessions.LookupContact(r.Context(), userID, contactID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, contact)
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusServiceUnavailable, "not_initialized", "session is not initialized")
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "not_ready", "session is not ready, retry later")
	case errors.Is(err, session.ErrAuthFailed):
		writeError(w, http.StatusServiceUnavailable, "auth_failed", "session authentication failed, reinitialize the session")
	case errors.Is(err, transport.ErrRecipientNotFound):
		writeError(w, http.StatusNotFound, "recipient_not_found", "no such contact on the protocol")
	default:
		log.Printf("api: contact lookup failed user=%s: %v", userID, err)
		writeError(w, http.StatusBadGateway, "transport_failure", "lookup failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Seconds(),
	})
}

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
