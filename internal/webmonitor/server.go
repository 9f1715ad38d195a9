// Package webmonitor serves the live annotated stream, stored evidence,
// status and alert events over HTTP.
package webmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/esp32-object-sentry/internal/evidence"
	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
)

// EvidenceReader lists stored evidence.
type EvidenceReader interface {
	All(ctx context.Context) ([]evidence.Record, error)
}

// OfferHandler answers a WebRTC offer.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	ClientCount() int
}

// Server serves the presentation endpoints.
type Server struct {
	cfg      Config
	monitor  *Monitor
	frames   *FrameBroadcaster
	alerts   *AlertBroadcaster
	evidence EvidenceReader
	offers   OfferHandler
	metrics  *metrics.Metrics
}

// Deps are the collaborators of a Server. Evidence and Offers may be nil.
type Deps struct {
	Monitor  *Monitor
	Frames   *FrameBroadcaster
	Alerts   *AlertBroadcaster
	Evidence EvidenceReader
	Offers   OfferHandler
	Metrics  *metrics.Metrics
}

// NewServer returns a configured presentation server.
func NewServer(cfg Config, deps Deps) *Server {
	cfg.applyDefaults()
	if deps.Monitor == nil {
		deps.Monitor = NewMonitor(cfg.Cameras, cfg.FPSWindow, cfg.AlertHistory, nil)
	}
	if deps.Frames == nil {
		deps.Frames = NewFrameBroadcaster(deps.Metrics)
	}
	if deps.Alerts == nil {
		deps.Alerts = NewAlertBroadcaster()
	}
	return &Server{
		cfg:      cfg,
		monitor:  deps.Monitor,
		frames:   deps.Frames,
		alerts:   deps.Alerts,
		evidence: deps.Evidence,
		offers:   deps.Offers,
		metrics:  deps.Metrics,
	}
}

// Monitor returns the status aggregator.
func (s *Server) Monitor() *Monitor { return s.monitor }

// Frames returns the live frame broadcaster.
func (s *Server) Frames() *FrameBroadcaster { return s.frames }

// Alerts returns the alert event broadcaster.
func (s *Server) Alerts() *AlertBroadcaster { return s.alerts }

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	if s.cfg.AssetsDir != "" {
		mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	}
	mux.HandleFunc("/video", s.handleVideo)
	mux.HandleFunc("/images", s.handleImages)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/alerts/stream", s.handleAlertsStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/offer", corsMiddleware(s.handleOffer))

	return mux
}

// corsMiddleware lets a separately hosted page negotiate WebRTC.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTemplate.Execute(w, indexData{Cameras: s.cfg.Cameras, WebRTC: s.offers != nil})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	camera := r.URL.Query().Get("camera")
	if camera == "" {
		camera = s.cfg.Cameras[0]
	}
	if !s.monitor.HasCamera(camera) {
		http.Error(w, fmt.Sprintf("unknown camera %q", camera), http.StatusNotFound)
		return
	}

	id, frameCh := s.frames.Subscribe(camera)
	defer s.frames.Unsubscribe(camera, id)

	if s.metrics != nil {
		s.metrics.StreamClients.Add(1)
		defer s.metrics.StreamClients.Add(-1)
	}

	streamMJPEGFromChannel(r.Context(), w, frameCh, s.cfg.StreamTimeout)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if s.evidence == nil {
		writeJSON(w, []evidence.Record{})
		return
	}

	records, err := s.evidence.All(r.Context())
	if err != nil {
		logger.Warn("HTTP", "List evidence: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "evidence store unavailable"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.monitor.Snapshot()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleAlertsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.alerts.Subscribe()
	defer s.alerts.Unsubscribe(id)

	if s.metrics != nil {
		s.metrics.AlertClients.Add(1)
		defer s.metrics.AlertClients.Add(-1)
	}

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepAlive)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":        "ok",
		"cameras":       len(s.cfg.Cameras),
		"alert_clients": s.alerts.ClientCount(),
	}
	stream := 0
	for _, c := range s.cfg.Cameras {
		stream += s.frames.ClientCount(c)
	}
	payload["stream_clients"] = stream
	if s.offers != nil {
		payload["webrtc_clients"] = s.offers.ClientCount()
	}
	writeJSON(w, payload)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	if s.offers == nil {
		writeJSONWithStatus(w, map[string]any{"error": "webrtc is disabled"}, http.StatusNotFound)
		return
	}

	answer, err := s.offers.HandleOffer(body)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

// Stop disconnects streaming clients so the HTTP server can shut down.
func (s *Server) Stop() {
	s.frames.Stop()
	s.alerts.Stop()
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
