// Package management provides a lightweight HTTP API for runtime inspection
// of the running proxy.
//
// Endpoints:
//
//	GET /status   - proxy health and configuration summary
//	GET /metrics  - counters and latency snapshot
//	GET /ca.crt   - the CA certificate, for installing into a client trust store
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"ai-anonymizing-proxy/internal/config"
	"ai-anonymizing-proxy/internal/metrics"
)

// CAPEMProvider returns the PEM-encoded CA certificate for the /ca.crt
// endpoint. internal/mitm.CA satisfies this.
type CAPEMProvider interface {
	CACertPEM() ([]byte, error)
}

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	ca        CAPEMProvider
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
}

// New creates a management server. ca may be nil, in which case /ca.crt
// responds 503.
func New(cfg *config.Config, ca CAPEMProvider, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		ca:        ca,
		token:     cfg.ManagementToken,
		metrics:   m,
	}
	if s.token != "" {
		log.Printf("[MANAGEMENT] Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ca.crt", s.handleCACert)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[MANAGEMENT] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status      string `json:"status"`
		Uptime      string `json:"uptime"`
		ProxyPort   int    `json:"proxyPort"`
		UseDoH      bool   `json:"useDoH"`
		DoHProvider string `json:"dohProvider"`
		PrivacyMode bool   `json:"privacyMode"`
		RotateUA    bool   `json:"rotateUA"`
		FrontDomain string `json:"frontDomain,omitempty"`
	}

	resp := response{
		Status:      "running",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort:   s.cfg.ProxyPort,
		UseDoH:      s.cfg.UseDoH,
		DoHProvider: s.cfg.DoHProvider,
		PrivacyMode: s.cfg.PrivacyMode,
		RotateUA:    s.cfg.RotateUA,
		FrontDomain: s.cfg.FrontDomain,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleCACert(w http.ResponseWriter, _ *http.Request) {
	if s.ca == nil {
		http.Error(w, "CA not enabled", http.StatusServiceUnavailable)
		return
	}
	pemBytes, err := s.ca.CACertPEM()
	if err != nil {
		log.Printf("[MANAGEMENT] CA cert read error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pemBytes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	log.Printf("[MANAGEMENT] Listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
