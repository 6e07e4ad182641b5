// Package gateway exposes the in-process register_msg dispatcher over
// HTTP (SPEC_FULL.md "Supplemented features" #2), mirroring the
// original's http_api/handlers.py: POST / for register_msg, /ping for
// liveness, dialog listing and rating endpoints, and a debug websocket
// reporting current workflow load.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/dp-orchestrator/internal/agentloop"
	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/dialog"
)

// Registrar is the subset of *agentloop.Loop the gateway needs.
type Registrar interface {
	RegisterMsg(ctx context.Context, in agentloop.RegisterInput) (*dialog.Dialog, error)
}

// Store is the subset of storage.Store the gateway's read/rating
// endpoints need.
type Store interface {
	ListDialogIDs(ctx context.Context, externalUserID, channelType string) ([]string, error)
	SetRatingDialog(ctx context.Context, dialogID string, rating float64) error
	SetRatingUtterance(ctx context.Context, uttID string, rating float64) error
}

// LoadSource reports the current number of in-flight workflows, for
// the debug stats websocket.
type LoadSource interface {
	ActiveCount() int
}

// Server is the HTTP ingress surface for one agent process.
type Server struct {
	loop   Registrar
	store  Store
	load   LoadSource
	cfg    config.GatewayConfig
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds a Server and wires its routes. cfg configures auth, CORS,
// and rate limiting; all three are optional and off unless configured.
func New(loop Registrar, store Store, load LoadSource, cfg config.GatewayConfig, logger *slog.Logger) *Server {
	s := &Server{loop: loop, store: store, load: load, cfg: cfg, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("POST /", s.handleRegister)
	s.mux.HandleFunc("GET /api/user/{user_external_id}", s.handleDialogsByUser)
	s.mux.HandleFunc("POST /rating/dialog", s.handleRatingDialog)
	s.mux.HandleFunc("POST /rating/utterance", s.handleRatingUtterance)
	s.mux.HandleFunc("GET /debug/current_load/ws", s.handleStatsWS)
}

// Handler builds the full middleware chain (size limit, CORS, auth)
// around the route mux, in that order so a body that's too large or a
// disallowed origin never reaches the auth check.
func (s *Server) Handler() http.Handler {
	cfg := s.cfg
	var h http.Handler = s.mux
	h = NewAuthMiddleware(cfg.APIKey).Wrap(h)
	h = NewCORSMiddleware(cfg.CORSEnabled, cfg.AllowedOrigins)(h)
	if cfg.RateLimitEnabled {
		h = NewRateLimitMiddleware(RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: cfg.RequestsPerMinute,
			BurstSize:         cfg.BurstSize,
		}).Wrap(h)
	}
	h = RequestSizeLimitMiddleware(0)(h)
	return h
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "pong")
}

type registerRequest struct {
	UserID      string         `json:"user_id"`
	Payload     string         `json:"payload"`
	ChannelType string         `json:"channel_type"`
	Attrs       map[string]any `json:"attrs"`
	Reset       bool           `json:"reset"`
	DeadlineSec int            `json:"deadline_sec"`
}

// handleRegister is the HTTP front door onto register_msg, mirroring
// handlers.py's ApiHandler.handle_api_request: reset commands (/start,
// /close) drop the active dialog instead of being run through the
// pipeline.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "application/json" && ct != "application/json; charset=utf-8" {
		writeError(w, http.StatusBadRequest, "Content-Type should be application/json")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id key is required")
		return
	}
	if req.ChannelType == "" {
		req.ChannelType = "http_client"
	}

	reset := req.Reset || req.Payload == "/start" || req.Payload == "/close"
	in := agentloop.RegisterInput{
		ExternalUserID:  req.UserID,
		ChannelType:     req.ChannelType,
		Utterance:       req.Payload,
		Attrs:           req.Attrs,
		Reset:           reset,
		RequireResponse: true,
	}
	if req.DeadlineSec > 0 {
		in.HasDeadline = true
		in.Deadline = time.Now().Add(time.Duration(req.DeadlineSec) * time.Second)
	}

	d, err := s.loop.RegisterMsg(r.Context(), in)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		s.logger.Error("gateway: register_msg failed", "error", err, "user_id", req.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if d == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDialogsByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_external_id")
	channelType := r.URL.Query().Get("channel_type")
	if channelType == "" {
		channelType = "http_client"
	}
	ids, err := s.store.ListDialogIDs(r.Context(), userID, channelType)
	if err != nil {
		s.logger.Error("gateway: list dialog ids failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dialog_ids": ids})
}

type ratingDialogRequest struct {
	DialogID string  `json:"dialog_id"`
	Rating   float64 `json:"rating"`
}

func (s *Server) handleRatingDialog(w http.ResponseWriter, r *http.Request) {
	var req ratingDialogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DialogID == "" {
		writeError(w, http.StatusBadRequest, "dialog_id and rating are required")
		return
	}
	if err := s.store.SetRatingDialog(r.Context(), req.DialogID, req.Rating); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

type ratingUtteranceRequest struct {
	UttID  string  `json:"utt_id"`
	Rating float64 `json:"rating"`
}

func (s *Server) handleRatingUtterance(w http.ResponseWriter, r *http.Request) {
	var req ratingUtteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UttID == "" {
		writeError(w, http.StatusBadRequest, "utt_id and rating are required")
		return
	}
	if err := s.store.SetRatingUtterance(r.Context(), req.UttID, req.Rating); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
