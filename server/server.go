// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"bezorgmoment/pkg/delivery"
	"bezorgmoment/poll"
)

// FilesPrefix is the route under which stored outputs are served. Location
// hints in served records point below it.
const FilesPrefix = "/files/"

// Checker runs delivery checks.
type Checker interface {
	Check(ctx context.Context, flags poll.Flags) (*delivery.Record, error)
}

// Files reads stored outputs.
type Files interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	checker    Checker
	files      Files
	flags      poll.Flags
	timeout    time.Duration
	logger     *slog.Logger
	isNotFound IsNotFound
}

// Config holds server configuration.
type Config struct {
	Checker    Checker
	Files      Files
	Flags      poll.Flags // base flags; requests toggle pdf and cached
	Timeout    time.Duration
	Logger     *slog.Logger
	IsNotFound IsNotFound
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Server{
		checker:    cfg.Checker,
		files:      cfg.Files,
		flags:      cfg.Flags,
		timeout:    timeout,
		logger:     cfg.Logger,
		isNotFound: cfg.IsNotFound,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/delivery", s.handleDelivery)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc(FilesPrefix, s.handleFile)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Checks drive a browser, so the write timeout covers a full check.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// handleDelivery runs a check and returns the record. Failed checks are
// still records and are served with status 200.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	flags := s.flags
	flags.PDF = q.Has("withPdf")
	flags.Cached = q.Has("cached")
	flags.ServerURL = serverURL(r)

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	rec, err := s.checker.Check(ctx, flags)
	if err != nil {
		s.logger.Error("Delivery check failed", "error", err, "remote_addr", r.RemoteAddr)
	}
	if rec == nil {
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	flags := s.flags
	flags.Compare = true
	flags.ServerURL = serverURL(r)
	if _, err := s.checker.Check(ctx, flags); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, FilesPrefix)
	if name == "" || name != path.Base(name) {
		http.NotFound(w, r)
		return
	}

	data, err := s.files.Get(r.Context(), name)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("Failed to read stored file", "name", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("Failed to write file response", "name", name, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, rec *delivery.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		s.logger.Warn("Failed to write delivery response", "error", err)
	}
}

// serverURL is the public base under which stored files are reachable,
// derived from the request as seen by the client.
func serverURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return scheme + "://" + host + strings.TrimSuffix(FilesPrefix, "/")
}
