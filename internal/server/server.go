// Package server exposes the archive-request HTTP API: an ingest
// endpoint for encoded download requests, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zipperd/zipperd/internal/metrics"
	"github.com/zipperd/zipperd/internal/zipper"
	"github.com/zipperd/zipperd/pkg/fingerprint"
	"github.com/zipperd/zipperd/pkg/wire"
)

// maxRequestBody bounds an ingest payload.
const maxRequestBody = 4 << 20

// ErrorResponse is the JSON error body for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DownloadResponse acknowledges an ingest request.
type DownloadResponse struct {
	RequestID   string `json:"request_id"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"` // "processing", "joined", or "notified"
	Output      string `json:"output,omitempty"`
}

// Server handles archive requests, deduplicating concurrent requests
// for the same file set through the in-progress cache.
type Server struct {
	zip   *zipper.ZipUploader
	cache *zipper.InProgressCache
	mux   *http.ServeMux
	log   zerolog.Logger

	// sem bounds concurrent background builds.
	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Server dispatching builds to zip. maxInProgress bounds
// concurrent background builds; requests beyond it are rejected with
// 503 rather than queued without bound.
func New(zip *zipper.ZipUploader, cache *zipper.InProgressCache, maxInProgress int, log zerolog.Logger) *Server {
	if maxInProgress <= 0 {
		maxInProgress = 4
	}
	s := &Server{
		zip:   zip,
		cache: cache,
		mux:   http.NewServeMux(),
		log:   log.With().Str("component", "server").Logger(),
		sem:   make(chan struct{}, maxInProgress),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/download", s.handleDownload)
	s.mux.Handle("/metrics", metrics.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests and waits for running builds before returning.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info().Str("listen", addr).Msg("Starting archive request server")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down, draining requests and running builds")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Wait blocks until all background builds have finished. Used by tests
// and graceful shutdown.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDownload ingests one encoded download request. Depending on the
// fingerprint's state this starts a build, joins a running one, or
// re-notifies against an already-finished archive.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.jsonError(w, "read request body", http.StatusBadRequest)
		return
	}
	msg, err := wire.DecodeFileDownload(body)
	if err != nil {
		s.jsonError(w, "malformed download message", http.StatusBadRequest)
		return
	}
	if len(msg.Files) == 0 {
		s.jsonError(w, "no files requested", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	names := make([]string, len(msg.Files))
	for i, f := range msg.Files {
		names[i] = f.Object
	}
	_, fp := fingerprint.Files(names)

	log := s.log.With().
		Str("request_id", requestID).
		Str("fingerprint", fp).
		Str("requester", msg.Requester.String()).
		Logger()
	log.Info().Int("files", len(msg.Files)).Msg("Download request received")

	resp := DownloadResponse{RequestID: requestID, Fingerprint: fp}
	switch {
	case s.cache.FileInProgress(fp):
		// Another build for the same file set is running; this
		// requester will be notified when it completes.
		s.cache.AddRequester(fp, msg.Requester)
		resp.Status = "joined"

	case s.cache.IsProcessed(fp):
		s.cache.AddRequester(fp, msg.Requester)
		res, err := s.zip.NotifyOnly(r.Context(), fp, []wire.Requester{msg.Requester}, names)
		if err != nil {
			log.Error().Err(err).Msg("Notify-only failed")
			s.jsonError(w, "notification failed", http.StatusBadGateway)
			return
		}
		resp.Status = "notified"
		resp.Output = res.OutputPath

	default:
		select {
		case s.sem <- struct{}{}:
		default:
			s.jsonError(w, "too many archives in progress", http.StatusServiceUnavailable)
			return
		}
		s.cache.AddRequester(fp, msg.Requester)
		s.wg.Add(1)
		go s.runBuild(fp, msg.Files, log)
		resp.Status = "processing"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// runBuild processes one archive in the background. Requesters are
// resolved from the cache at notify time, picking up anyone who joined
// while the build ran. A failed build abandons the cache entry so a
// later request for the same file set starts a fresh build instead of
// joining one that no longer exists.
func (s *Server) runBuild(fp string, files []wire.FileRef, log zerolog.Logger) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	if _, err := s.zip.Process(context.Background(), files, nil, nil); err != nil {
		log.Error().Err(err).Msg("Archive build failed")
		s.cache.Abandon(fp)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
