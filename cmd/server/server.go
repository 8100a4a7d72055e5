package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/storagerules/accesscount"
	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/metastore"
	"github.com/liamcoop/storagerules/rulemanager"
	"github.com/liamcoop/storagerules/rules"
)

const defaultCmdletLimit = 100

// Server exposes rule management, access event ingestion and metrics
type Server struct {
	store    *metastore.Store
	rules    *rulemanager.Manager
	registry *prometheus.Registry
	router   *chi.Mux
	log      *slog.Logger
}

func NewServer(store *metastore.Store, manager *rulemanager.Manager, registry *prometheus.Registry) *Server {
	s := &Server{
		store:    store,
		rules:    manager,
		registry: registry,
		log:      logger.Named("server.http"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Post("/api/v1/access-events", s.handleRecordAccess)
	r.Get("/api/v1/cmdlets", s.handleListCmdlets)

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleSubmitRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/activate", s.handleActivateRule)
			r.Post("/disable", s.handleDisableRule)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	if s.rules.IsClosed() {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "stopping"})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Rules: len(s.rules.ListRules())})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	infos := s.rules.ListRules()
	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(infos))}
	for _, info := range infos {
		resp.Rules = append(resp.Rules, newRuleResponse(info))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitRule(w http.ResponseWriter, r *http.Request) {
	var req SubmitRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required", nil)
		return
	}

	state := rules.StateActive
	if req.State != "" {
		parsed, err := rules.ParseRuleState(req.State)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid state", err)
			return
		}
		state = parsed
	}

	id, err := s.rules.SubmitRule(r.Context(), req.Text, state)
	if err != nil && id == 0 {
		respondRuleError(w, "failed to submit rule", err)
		return
	}
	if err != nil {
		s.log.Warn("rule stored but not activated", "rule_id", id, "error", err)
	}

	info, err := s.rules.RuleInfo(id)
	if err != nil {
		respondRuleError(w, "failed to read rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, newRuleResponse(info))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	info, err := s.rules.RuleInfo(id)
	if err != nil {
		respondRuleError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, newRuleResponse(info))
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.rules.ActivateRule(r.Context(), id); err != nil {
		respondRuleError(w, "failed to activate rule", err)
		return
	}
	s.handleGetRule(w, r)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.rules.DisableRule(r.Context(), id, dropPending(r)); err != nil {
		respondRuleError(w, "failed to disable rule", err)
		return
	}
	s.handleGetRule(w, r)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.rules.DeleteRule(r.Context(), id, dropPending(r)); err != nil {
		respondRuleError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordAccess(w http.ResponseWriter, r *http.Request) {
	var req RecordAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	now := time.Now().UnixMilli()
	events := make([]accesscount.FileAccessEvent, 0, len(req.Events))
	for i, e := range req.Events {
		if e.Path == "" {
			respondError(w, http.StatusBadRequest, "path is required for event "+strconv.Itoa(i), nil)
			return
		}
		ts := e.Timestamp
		if ts == 0 {
			ts = now
		}
		events = append(events, accesscount.FileAccessEvent{Path: e.Path, Timestamp: ts})
	}

	if err := s.store.RecordAccess(r.Context(), events...); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record access events", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListCmdlets(w http.ResponseWriter, r *http.Request) {
	limit := defaultCmdletLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	cmdlets, err := s.store.PendingCmdlets(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list cmdlets", err)
		return
	}
	resp := CmdletsListResponse{Cmdlets: make([]CmdletResponse, 0, len(cmdlets))}
	for _, c := range cmdlets {
		resp.Cmdlets = append(resp.Cmdlets, newCmdletResponse(c))
	}
	respondJSON(w, http.StatusOK, resp)
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ruleId"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return 0, false
	}
	return id, true
}

func dropPending(r *http.Request) bool {
	drop, _ := strconv.ParseBool(r.URL.Query().Get("dropPendingCmdlets"))
	return drop
}

// respondRuleError maps rule manager errors to status codes
func respondRuleError(w http.ResponseWriter, message string, err error) {
	var transition *rules.TransitionError
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.As(err, &transition):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, rulemanager.ErrManagerClosed):
		respondError(w, http.StatusServiceUnavailable, message, err)
	default:
		respondError(w, http.StatusBadRequest, message, err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}
