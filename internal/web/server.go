package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/credentials"
	"github.com/mtzanidakis/postdeck/internal/jobs"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
	"github.com/mtzanidakis/postdeck/internal/platform"
	"github.com/mtzanidakis/postdeck/internal/publisher"
	"github.com/mtzanidakis/postdeck/internal/store"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour // 30 days
)

// ScanLister reads the scan history; *store.Store satisfies it.
type ScanLister interface {
	ListScanRuns(ctx context.Context, limit int) ([]store.ScanRun, error)
}

// Deps are the components the HTTP API serves. NATS, Scans and Credentials
// are optional.
type Deps struct {
	Jobs        *jobs.Store
	Scanner     *publisher.Scanner
	Status      *agentstatus.Store
	Adapters    *platform.Registry
	Scans       ScanLister
	Credentials *credentials.Resolver
	NATS        *natsbus.Client
}

type Server struct {
	jobs      *jobs.Store
	scanner   *publisher.Scanner
	status    *agentstatus.Store
	adapters  *platform.Registry
	scans     ScanLister
	creds     *credentials.Resolver
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
	now       func() time.Time

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token → expiry
}

func NewServer(cfg config.WebConfig, d Deps, version string) *Server {
	return &Server{
		jobs:      d.Jobs,
		scanner:   d.Scanner,
		status:    d.Status,
		adapters:  d.Adapters,
		scans:     d.Scans,
		creds:     d.Credentials,
		nats:      d.NATS,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		now:       time.Now,
		sessions:  make(map[string]time.Time),
	}
}

// Handler returns the routed API with auth and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints (public)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	stop := s.subscribeEvents()
	defer stop()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// publicPaths skip the general auth check. The cron endpoint checks its own
// secret.
var publicPaths = map[string]bool{
	"/api/login":        true,
	"/api/auth/check":   true,
	"/api/health":       true,
	"/api/cron/publish": true,
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if r.Method == http.MethodPost && r.URL.Path == "/api/status/agents" {
			if id, ok := s.workerFor(r); ok {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workerKey{}, id)))
				return
			}
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !publicPaths[r.URL.Path] {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth accepts a session cookie, a Basic auth password or a bearer
// token equal to the configured password.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.validSession(w, cookie.Value) {
		return true
	}

	if _, pass, ok := r.BasicAuth(); ok && secretEqual(pass, s.cfg.Auth) {
		return true
	}
	if token, ok := bearerToken(r); ok && secretEqual(token, s.cfg.Auth) {
		return true
	}

	jsonError(w, "unauthorized", http.StatusUnauthorized)
	return false
}

type workerKey struct{}

// workerFor returns the agent whose worker token the request carries.
func (s *Server) workerFor(r *http.Request) (string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return "", false
	}
	for id, want := range s.cfg.WorkerTokens {
		if want != "" && secretEqual(token, want) {
			return id, true
		}
	}
	return "", false
}

// workerFrom reports the agent a request is bound to. Requests without a
// worker token come from operators and may update any agent.
func workerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workerKey{}).(string)
	return id, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// validSession refreshes and accepts a live session token.
func (s *Server) validSession(w http.ResponseWriter, token string) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	expiry, ok := s.sessions[token]
	if ok && time.Now().Before(expiry) {
		s.sessions[token] = time.Now().Add(sessionMaxAge)
		s.setSessionCookie(w, token)
		return true
	}
	if ok {
		delete(s.sessions, token)
	}
	return false
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	s.sessionMu.Unlock()

	return token, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !secretEqual(body.Password, s.cfg.Auth) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, token)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	// No auth configured, the composer skips login
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.validSession(w, cookie.Value) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	jsonError(w, "unauthorized", http.StatusUnauthorized)
}

// subscribeEvents feeds the websocket hub. With NATS every event topic is
// forwarded; without it only agent status changes are.
func (s *Server) subscribeEvents() func() {
	if s.nats == nil {
		if s.status == nil {
			return func() {}
		}
		return s.status.Subscribe(func(st agentstatus.SwarmState) {
			data, err := json.Marshal(st)
			if err != nil {
				return
			}
			s.hub.Broadcast(Event{Type: natsbus.EventStatus, Payload: data, Time: time.Now().UTC()})
		})
	}

	sub, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
	if err != nil {
		slog.Error("web event subscription failed", "error", err)
		return func() {}
	}
	return func() { _ = sub.Unsubscribe() }
}
