// Package server is the HTTP surface: dashboard pages, the settings and logo
// admin APIs, the threat-feed API, session endpoints, websocket upgrades, and
// the operational probes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/auth"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/config"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/middleware"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/threatfeed"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/ws"
)

// Server owns the router and the http.Server lifecycle.
type Server struct {
	cfg    *config.Config
	log    *slog.Logger
	auth   *auth.Manager
	feed   *threatfeed.Store
	hub    *ws.Hub
	seclog *middleware.SecurityLog

	settingsMu   sync.Mutex
	settingsPath string

	httpServer *http.Server
}

// NewServer wires every route. gatherer backs the /metrics endpoint.
func NewServer(cfg *config.Config, authMgr *auth.Manager, feed *threatfeed.Store, hub *ws.Hub, seclog *middleware.SecurityLog, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		log:          log.With("component", "http"),
		auth:         authMgr,
		feed:         feed,
		hub:          hub,
		seclog:       seclog,
		settingsPath: filepath.Join(cfg.DataDir, "settings.json"),
	}

	loginLimit := middleware.NewRateLimiter("login", 5, 15*time.Minute, seclog, log)
	passwordLimit := middleware.NewRateLimiter("password", 3, time.Hour, seclog, log)
	apiLimit := middleware.NewRateLimiter("api", 100, time.Minute, seclog, log)
	feedLimit := middleware.NewRateLimiter("threat-feed", 10, time.Minute, seclog, log)

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(log))

	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/dashboard", http.StatusFound)
	}).Methods(http.MethodGet)

	r.HandleFunc("/dashboard", s.servePage("dashboard.html", "Threat Map")).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLoginPage).Methods(http.MethodGet)
	r.HandleFunc("/login", loginLimit.Wrap(s.handleLogin)).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/admin", s.requirePage(s.servePage("admin.html", "Admin"))).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/status", apiLimit.Wrap(s.handleAuthStatus)).Methods(http.MethodGet)
	r.HandleFunc("/api/change-password", passwordLimit.Wrap(s.requireAPI(s.handleChangePassword))).Methods(http.MethodPost)

	r.HandleFunc("/api/settings", apiLimit.Wrap(s.handleGetSettings)).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", apiLimit.Wrap(s.requireAPI(s.handlePutSettings))).Methods(http.MethodPut)

	r.HandleFunc("/api/logo", apiLimit.Wrap(s.handleGetLogo)).Methods(http.MethodGet)
	r.HandleFunc("/api/logo", apiLimit.Wrap(s.requireAPI(s.handleUploadLogo))).Methods(http.MethodPost)
	r.HandleFunc("/api/logo", apiLimit.Wrap(s.requireAPI(s.handleDeleteLogo))).Methods(http.MethodDelete)

	r.HandleFunc("/api/threat-feed", feedLimit.Wrap(s.handleGetFeed)).Methods(http.MethodGet)
	r.HandleFunc("/api/threat-feed", feedLimit.Wrap(s.handleIngestFeed)).Methods(http.MethodPost)
	r.HandleFunc("/api/threat-feed/{id}", feedLimit.Wrap(s.requireAPI(s.handleDeleteFeed))).Methods(http.MethodDelete)

	r.HandleFunc("/ws", hub.HandleUpgrade)
	r.HandleFunc("/ws/admin", hub.HandleAdminUpgrade)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(filepath.Join(cfg.PublicDir, "uploads")))))
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/",
		http.FileServer(http.Dir(filepath.Join(cfg.PublicDir, "static")))))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBindAddress, cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until the listener is closed by Shutdown. The caller decides
// whether ErrServerClosed is an error (it is not, on a clean shutdown).
func (s *Server) Run() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// servePage serves a file from the public directory, with a minimal inline
// shell when the asset bundle is not deployed alongside the binary.
func (s *Server) servePage(name, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(s.cfg.PublicDir, name)
		if _, err := os.Stat(path); err == nil {
			http.ServeFile(w, r, path)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1></body></html>", title, title)
	}
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.auth.UserID(r); ok {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	s.servePage("login.html", "Login")(w, r)
}

// requirePage gates a browser page behind the session, redirecting to /login.
func (s *Server) requirePage(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.auth.UserID(r); !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next(w, r)
	}
}

// requireAPI gates a JSON endpoint behind the session with a 401 body.
func (s *Server) requireAPI(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.auth.UserID(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
