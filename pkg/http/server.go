// Package http exposes the call control API, health and metrics
// endpoints, and the WebSocket event stream.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/errors"
	"sipkit-server/pkg/metrics"
	"sipkit-server/pkg/registration"
	"sipkit-server/pkg/service"
	"sipkit-server/pkg/version"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	EnableMetrics  bool
	EnableEventsWS bool
}

// DefaultConfig returns the default HTTP server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		EnableMetrics:  true,
		EnableEventsWS: true,
	}
}

// Server serves the call control API plus operational endpoints.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	service    *service.Service
	controller *registration.Controller
	hub        *EventHub
	startTime  time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config, svc *service.Service, controller *registration.Controller, hub *EventHub) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:     config,
		logger:     logger,
		service:    svc,
		controller: controller,
		hub:        hub,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux

	mux.HandleFunc("GET /health", server.healthHandler)
	mux.HandleFunc("GET /status", server.statusHandler)

	if config.EnableMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	if config.EnableEventsWS && hub != nil {
		mux.HandleFunc("GET /ws/events", hub.ServeWs)
		logger.Info("WebSocket event stream enabled at /ws/events")
	}

	mux.HandleFunc("GET /api/sessions", server.listSessionsHandler)
	mux.HandleFunc("GET /api/sessions/{id}", server.getSessionHandler)
	mux.HandleFunc("POST /api/calls", server.makeCallHandler)
	mux.HandleFunc("POST /api/sessions/{id}/answer", server.answerHandler)
	mux.HandleFunc("POST /api/sessions/{id}/reject", server.rejectHandler)
	mux.HandleFunc("POST /api/sessions/{id}/hangup", server.hangupHandler)
	mux.HandleFunc("POST /api/sessions/{id}/hold", server.holdHandler)
	mux.HandleFunc("POST /api/sessions/{id}/dtmf", server.dtmfHandler)

	addServerHeader := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next.ServeHTTP(w, r)
		})
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      addServerHeader(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server in a goroutine
func (s *Server) Start() {
	go func() {
		s.logger.WithField("port", s.config.Port).Info("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"version":    version.Version,
		"uptime":     time.Since(s.startTime).String(),
		"started_at": s.startTime.Format(time.RFC3339),
	}
	if s.controller != nil {
		status["registration"] = s.controller.Status().String()
		status["registered"] = s.controller.IsRegistered()
	}
	if s.service != nil {
		status["active_sessions"] = len(s.service.Sessions())
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.service.Sessions(),
	})
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	snap, err := s.service.Session(id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type makeCallRequest struct {
	Number  string `json:"number"`
	SendSDP *bool  `json:"send_sdp,omitempty"`
	Video   bool   `json:"video,omitempty"`
}

func (s *Server) makeCallHandler(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sendSDP := true
	if req.SendSDP != nil {
		sendSDP = *req.SendSDP
	}

	snap, err := s.service.MakeCall(req.Number, sendSDP, req.Video)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) answerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req struct {
		Video bool `json:"video,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	if err := s.service.Answer(id, req.Video); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "answered"})
}

func (s *Server) rejectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req struct {
		Code int32 `json:"code,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if req.Code == 0 {
		req.Code = service.CodeBusyHere
	}

	if err := s.service.Reject(id, req.Code); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "rejected"})
}

func (s *Server) hangupHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if err := s.service.End(id); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ended"})
}

func (s *Server) holdHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req struct {
		OnHold bool `json:"on_hold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.service.SetHold(id, req.OnHold); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"on_hold": req.OnHold})
}

func (s *Server) dtmfHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req struct {
		Tone int32 `json:"tone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.service.SendTone(id, engine.DTMFTone(req.Tone)); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "sent"})
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

// errorResponse maps domain errors to HTTP status codes.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrNotInitialised):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrEngineCall):
		status = http.StatusBadGateway
	}

	body := map[string]interface{}{"error": err.Error()}
	if code, ok := errors.EngineCode(err); ok && code != 0 {
		body["engine_code"] = code
	}

	s.logger.WithError(err).Warn("HTTP error response sent")
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
