package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/kai5263499/zone-counter/backend/internal/config"
	"github.com/kai5263499/zone-counter/backend/internal/counting"
	"github.com/kai5263499/zone-counter/backend/internal/metrics"
	"github.com/kai5263499/zone-counter/backend/internal/pipeline"
	"github.com/kai5263499/zone-counter/backend/internal/store"
)

type Server struct {
	cfg        *config.Config
	configPath string
	mgr        *counting.Manager
	db         *store.DB
	metrics    *metrics.Metrics
	srv        *http.Server
}

// New builds the API server. db and m may be nil, which disables the
// vehicle and metrics endpoints.
func New(cfg *config.Config, configPath string, mgr *counting.Manager, db *store.DB, m *metrics.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		mgr:        mgr,
		db:         db,
		metrics:    m,
	}
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/streams", s.handleStreams)
	mux.HandleFunc("/api/streams/", s.handleStreamUpdate)

	// Stream control routes
	mux.HandleFunc("/api/streams/start/", s.handleStreamStart)
	mux.HandleFunc("/api/streams/stop/", s.handleStreamStop)
	mux.HandleFunc("/api/streams/counts/", s.handleStreamCounts)
	mux.HandleFunc("/api/streams/live/", s.handleStreamLive)
	mux.HandleFunc("/api/streams/events/", s.handleStreamEvents)

	// Vehicle records
	mux.HandleFunc("/api/vehicles", s.handleVehicles)
	mux.HandleFunc("/api/vehicles/", s.handleVehicle)

	// Snapshot serving routes
	mux.HandleFunc("/api/snapshots", s.handleSnapshots)
	mux.HandleFunc("/api/snapshots/view", s.handleSnapshotView)
	mux.HandleFunc("/api/snapshots/delete", s.handleSnapshotDelete)

	// Swagger UI
	mux.HandleFunc("/swagger/", httpSwagger.WrapHandler)

	if s.metrics != nil && !s.cfg.Get().Metrics.Disabled {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	mux.HandleFunc("/", s.handleRoot)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return s.corsMiddleware(mux)
}

func (s *Server) Start() error {
	cfg := s.cfg.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting API server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// CORS middleware for web app
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRoot godoc
// @Summary Welcome message
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router / [get]
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the vehicle counting API"})
}

// handleConfig godoc
// @Summary Get configuration
// @Tags System
// @Produce json
// @Success 200 {object} config.Snapshot
// @Router /api/config [get]
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Get())
}

// handleStatus godoc
// @Summary Get system status
// @Tags System
// @Produce json
// @Success 200 {object} counting.Status
// @Router /api/status [get]
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	respondJSON(w, http.StatusOK, s.mgr.GetStatus())
}

// handleStreams godoc
// @Summary List all streams
// @Tags Streams
// @Produce json
// @Success 200 {array} config.StreamConfig
// @Router /api/streams [get]
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Get().Streams)
}

// handleStreamUpdate godoc
// @Summary Update stream configuration
// @Description Changes apply the next time the stream is started.
// @Tags Streams
// @Param name path string true "Stream name"
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/streams/{name} [put]
func (s *Server) handleStreamUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	if name == "" || strings.Contains(name, "/") {
		respondError(w, http.StatusNotFound, "Stream not found")
		return
	}

	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := validateStreamUpdates(updates); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	found := false
	s.cfg.Update(func(c *config.Config) {
		for i := range c.Streams {
			if c.Streams[i].Name == name {
				applyStreamUpdates(&c.Streams[i], updates)
				found = true
				break
			}
		}
	})

	if !found {
		respondError(w, http.StatusNotFound, "Stream not found")
		return
	}

	if s.configPath != "" {
		if err := s.cfg.Save(s.configPath); err != nil {
			log.Warn().Err(err).Str("path", s.configPath).Msg("Failed to save config")
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func validateStreamUpdates(updates map[string]interface{}) error {
	if v, ok := updates["frame_skip"].(float64); ok && v < 1 {
		return fmt.Errorf("frame_skip must be at least 1")
	}
	if v, ok := updates["min_confidence"].(float64); ok && (v < 0 || v > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1")
	}
	return nil
}

func applyStreamUpdates(sc *config.StreamConfig, updates map[string]interface{}) {
	if enabled, ok := updates["enabled"].(bool); ok {
		sc.Enabled = enabled
	}
	if url, ok := updates["url"].(string); ok && url != "" {
		sc.URL = url
	}
	if skip, ok := updates["frame_skip"].(float64); ok {
		sc.FrameSkip = int(skip)
	}
	if conf, ok := updates["min_confidence"].(float64); ok {
		sc.MinConfidence = conf
	}
	if overlay, ok := updates["overlay"].(bool); ok {
		sc.Overlay = overlay
	}
}

// handleStreamStart godoc
// @Summary Start counting on a stream
// @Tags Streams
// @Param name path string true "Stream name"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/streams/start/{name} [post]
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/streams/start/")
	if name == "" {
		respondError(w, http.StatusBadRequest, "Stream name required")
		return
	}

	if err := s.mgr.StartStream(name); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "started",
		"stream":  name,
		"message": fmt.Sprintf("Stream %s started successfully", name),
	})
}

// handleStreamStop godoc
// @Summary Stop counting on a stream
// @Tags Streams
// @Param name path string true "Stream name"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/streams/stop/{name} [post]
func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/streams/stop/")
	if name == "" {
		respondError(w, http.StatusBadRequest, "Stream name required")
		return
	}

	if err := s.mgr.StopStream(name); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "stopped",
		"stream":  name,
		"message": fmt.Sprintf("Stream %s stopped successfully", name),
	})
}

// handleStreamCounts godoc
// @Summary Get direction counts of a stream
// @Tags Streams
// @Param name path string true "Stream name"
// @Produce json
// @Success 200 {object} map[string]integer
// @Failure 404 {object} map[string]string
// @Router /api/streams/counts/{name} [get]
func (s *Server) handleStreamCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/streams/counts/")
	counts, err := s.mgr.Counts(name)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

// handleStreamLive godoc
// @Summary Stream live annotated MJPEG video
// @Tags Streams
// @Param name path string true "Stream name"
// @Produce multipart/x-mixed-replace
// @Success 200
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/streams/live/{name} [get]
func (s *Server) handleStreamLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/streams/live/")
	if name == "" {
		respondError(w, http.StatusBadRequest, "Stream name required")
		return
	}

	frameChan, err := s.mgr.Subscribe(name)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	defer s.mgr.Unsubscribe(name, frameChan)

	// Set MJPEG stream headers
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	for {
		select {
		case frameBytes, ok := <-frameChan:
			if !ok {
				return
			}

			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frameBytes))
			_, _ = w.Write(frameBytes)
			fmt.Fprintf(w, "\r\n")

			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}

		case <-r.Context().Done():
			// Client disconnected
			return
		}
	}
}

// handleStreamEvents godoc
// @Summary Stream crossing events as server-sent events
// @Tags Streams
// @Param name path string true "Stream name"
// @Produce text/event-stream
// @Success 200
// @Failure 404 {object} map[string]string
// @Router /api/streams/events/{name} [get]
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/streams/events/")
	events, err := s.mgr.SubscribeEvents(name)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	defer s.mgr.UnsubscribeEvents(name, events)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case rec, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				log.Warn().Err(err).Str("stream", name).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Event.Direction, data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, counting.ErrUnknownStream), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, counting.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Validate snapshot path is within configured snapshot directories
func (s *Server) isValidSnapshotPath(filePath string) bool {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return false
	}

	for _, dir := range s.mgr.SnapshotDirs() {
		root, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, absPath)
		if err != nil {
			continue
		}
		if rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// handleSnapshots godoc
// @Summary List event snapshots
// @Tags Snapshots
// @Produce json
// @Success 200 {array} snapshot.FileInfo
// @Router /api/snapshots [get]
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	respondJSON(w, http.StatusOK, s.mgr.Snapshots())
}

// handleSnapshotView godoc
// @Summary View an event snapshot
// @Tags Snapshots
// @Param file query string true "Snapshot file path"
// @Produce image/jpeg
// @Success 200
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/snapshots/view [get]
func (s *Server) handleSnapshotView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filePath := r.URL.Query().Get("file")
	if filePath == "" {
		respondError(w, http.StatusBadRequest, "file parameter required")
		return
	}

	if !s.isValidSnapshotPath(filePath) {
		respondError(w, http.StatusForbidden, "Access denied")
		return
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		respondError(w, http.StatusNotFound, "Snapshot not found")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, filePath)
}

// handleSnapshotDelete godoc
// @Summary Delete an event snapshot
// @Tags Snapshots
// @Param file query string true "Snapshot file path"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/snapshots/delete [delete]
func (s *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filePath := r.URL.Query().Get("file")
	if filePath == "" {
		respondError(w, http.StatusBadRequest, "file parameter required")
		return
	}

	if !s.isValidSnapshotPath(filePath) {
		respondError(w, http.StatusForbidden, "Access denied")
		return
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		respondError(w, http.StatusNotFound, "Snapshot not found")
		return
	}

	if err := os.Remove(filePath); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete file: %v", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"file":   filepath.Base(filePath),
	})
}

// handleVehicles godoc
// @Summary List or create vehicle records
// @Tags Vehicles
// @Accept json
// @Produce json
// @Param skip query int false "Records to skip" default(0)
// @Param limit query int false "Maximum records" default(10)
// @Param start_date query string false "Range start (RFC 3339); used only with end_date"
// @Param end_date query string false "Range end (RFC 3339); used only with start_date"
// @Param stream query string false "Stream name"
// @Param direction query string false "Direction label"
// @Success 200 {array} store.Vehicle
// @Failure 400 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/vehicles [get]
// @Router /api/vehicles [post]
func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		respondError(w, http.StatusServiceUnavailable, "Vehicle storage disabled")
		return
	}

	switch r.Method {
	case http.MethodGet:
		filter, err := parseVehicleFilter(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		vehicles, err := s.db.ListVehicles(r.Context(), filter)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list vehicles")
			respondError(w, http.StatusInternalServerError, "Failed to list vehicles")
			return
		}
		if vehicles == nil {
			vehicles = []*store.Vehicle{}
		}
		respondJSON(w, http.StatusOK, vehicles)

	case http.MethodPost:
		var v store.Vehicle
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if v.TrackID == "" || v.Direction == "" {
			respondError(w, http.StatusBadRequest, "trackId and direction are required")
			return
		}
		v.ID = 0
		v.CreatedAt = time.Time{}
		if err := s.db.InsertVehicle(r.Context(), &v); err != nil {
			log.Error().Err(err).Msg("Failed to insert vehicle")
			respondError(w, http.StatusInternalServerError, "Failed to store vehicle")
			return
		}
		respondJSON(w, http.StatusOK, v)

	default:
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleVehicle godoc
// @Summary Get a vehicle record
// @Tags Vehicles
// @Param id path int true "Vehicle id"
// @Produce json
// @Success 200 {object} store.Vehicle
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/vehicles/{id} [get]
func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		respondError(w, http.StatusServiceUnavailable, "Vehicle storage disabled")
		return
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/vehicles/"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid vehicle id")
		return
	}

	v, err := s.db.GetVehicle(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Vehicle not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("id", id).Msg("Failed to get vehicle")
		respondError(w, http.StatusInternalServerError, "Failed to get vehicle")
		return
	}
	respondJSON(w, http.StatusOK, v)
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", value)
}

func parseVehicleFilter(r *http.Request) (store.VehicleFilter, error) {
	q := r.URL.Query()
	f := store.VehicleFilter{
		Limit:     store.DefaultListLimit,
		Stream:    q.Get("stream"),
		Direction: q.Get("direction"),
	}

	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid skip")
		}
		f.Skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit")
		}
		f.Limit = n
	}
	if v := q.Get("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, err
		}
		f.Start = t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, err
		}
		f.End = t
	}
	return f, nil
}
