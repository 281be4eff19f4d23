// Package api exposes a small local HTTP surface for the node: create
// messages, inspect queue state, trigger drains, and move packs and QR
// payloads in and out. It binds to loopback in practice; there is no
// authentication layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"afetnet/internal/envelope"
	"afetnet/internal/exchange"
	"afetnet/internal/logger"
	"afetnet/internal/queue"
	"afetnet/internal/reconcile"
)

// maxBodySize bounds request bodies; packs are small by construction.
const maxBodySize = 1 << 20

// Queue is the slice of the retry queue the API needs.
type Queue interface {
	Snapshot(max int) []envelope.Envelope
	Stats() queue.Stats
	Clear() error
	Drain(ctx context.Context, forced bool, send func(context.Context, envelope.Envelope) error) queue.DrainResult
}

// Admitter is the deduplicating ingestion chokepoint.
type Admitter interface {
	Admit(env envelope.Envelope) (bool, error)
}

// Sender delivers one envelope to nearby peers; used by forced drains.
type Sender interface {
	SendEnvelope(env envelope.Envelope) error
}

// Syncer is the slice of the sync reconciler the API needs. Nil when
// no sync service is configured.
type Syncer interface {
	Enqueue(item reconcile.SyncItem) error
	Drain(ctx context.Context) reconcile.DrainResult
	Stats() reconcile.Stats
	ClearFailed() error
}

// Server is the local HTTP control server.
type Server struct {
	addr   string
	queue  Queue
	admit  Admitter
	sender Sender
	syncer Syncer
	server *http.Server
}

// New creates the control server.
func New(addr string, q Queue, admit Admitter, sender Sender, syncer Syncer) *Server {
	return &Server{
		addr:   addr,
		queue:  q,
		admit:  admit,
		sender: sender,
		syncer: syncer,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleCreateMessage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /pack", s.handleExportPack)
	mux.HandleFunc("POST /pack", s.handleImportPack)
	mux.HandleFunc("GET /qr", s.handleExportQR)
	mux.HandleFunc("POST /qr", s.handleImportQR)
	mux.HandleFunc("POST /drain", s.handleDrain)
	mux.HandleFunc("DELETE /queue", s.handleClearQueue)
	mux.HandleFunc("POST /sync", s.handleEnqueueSync)
	mux.HandleFunc("POST /sync/drain", s.handleDrainSync)
	mux.HandleFunc("GET /sync/status", s.handleSyncStatus)
	mux.HandleFunc("DELETE /sync/failed", s.handleClearFailedSync)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("control api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("control api error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleCreateMessage wraps a payload into an envelope and admits it.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var payload envelope.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}

	env, err := envelope.MakeEnvelope(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	admitted, err := s.admit.Admit(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"hash":     env.Hash,
		"admitted": admitted,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"pending":  stats.Pending,
		"eligible": stats.Eligible,
		"critical": stats.Critical,
	})
}

// handleExportPack returns a sealed pack of pending envelopes.
func (s *Server) handleExportPack(w http.ResponseWriter, r *http.Request) {
	pack, err := exchange.Export(s.queue, exchange.DefaultPackSize, time.Now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, pack)
}

// handleImportPack verifies and ingests a pack file.
func (s *Server) handleImportPack(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := exchange.Import(body, s.admit)
	if err != nil {
		writeImportError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"items":    res.Items,
		"admitted": res.Admitted,
	})
}

// handleExportQR returns the pending batch as a QR text payload.
func (s *Server) handleExportQR(w http.ResponseWriter, r *http.Request) {
	text, err := exchange.EncodeQR(s.queue.Snapshot(exchange.DefaultPackSize))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"qr": text})
}

// handleImportQR ingests a scanned QR text payload.
func (s *Server) handleImportQR(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := exchange.ImportQR(string(body), s.admit)
	if err != nil {
		writeImportError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"items":    res.Items,
		"admitted": res.Admitted,
	})
}

// handleDrain forces a queue drain toward connected peers, ignoring
// backoff eligibility.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "no peer transport available")
		return
	}

	res := s.queue.Drain(r.Context(), true, func(_ context.Context, env envelope.Envelope) error {
		return s.sender.SendEnvelope(env)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"attempted": res.Attempted,
		"delivered": res.Delivered,
		"failed":    res.Failed,
		"dropped":   res.Dropped,
		"skipped":   res.Skipped,
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleEnqueueSync queues one operation for the central service.
func (s *Server) handleEnqueueSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "no sync service configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var item reconcile.SyncItem
	if err := json.Unmarshal(body, &item); err != nil {
		writeError(w, http.StatusBadRequest, "sync item is not valid JSON")
		return
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if err := s.syncer.Enqueue(item); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": item.ID})
}

// handleDrainSync runs one reconciliation pass regardless of the
// connectivity observer.
func (s *Server) handleDrainSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "no sync service configured")
		return
	}

	res := s.syncer.Drain(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"attempted": res.Attempted,
		"synced":    res.Synced,
		"failed":    res.Failed,
		"dropped":   res.Dropped,
		"skipped":   res.Skipped,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "no sync service configured")
		return
	}

	stats := s.syncer.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"pending":  stats.Pending,
		"critical": stats.Critical,
		"failing":  stats.Failing,
	})
}

func (s *Server) handleClearFailedSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "no sync service configured")
		return
	}

	if err := s.syncer.ClearFailed(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// writeImportError maps the import error taxonomy onto status codes:
// malformed input is the client's fault, a hash mismatch means the pack
// was corrupted or tampered with in transit.
func writeImportError(w http.ResponseWriter, err error) {
	var verr *envelope.ValidationError
	var ierr *exchange.IntegrityError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &ierr):
		writeError(w, http.StatusUnprocessableEntity, ierr.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
