package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/realtalk/internal/observability"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/session"
)

var api = sonic.ConfigStd

// Server exposes health, metrics, and the live-session registry.
type Server struct {
	sessions *session.Manager
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func New(sessions *session.Manager, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sessions: sessions, gatherer: gatherer, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleCloseSession)
	r.Post("/v1/sessions/{id}/response", s.handleCreateResponse)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady reports ready while at least one session is active.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	active := s.sessions.ActiveCount()
	if active == 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":          "not_ready",
			"active_sessions": 0,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": active,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Remove(r.Context(), id); err != nil {
		s.respondLookupError(w, err)
		return
	}
	s.logger.Info("session closed via api", zap.String("session", id))
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "closed"})
}

type createResponseRequest struct {
	Instructions string              `json:"instructions"`
	Voice        string              `json:"voice"`
	Modalities   []protocol.Modality `json:"modalities"`
}

func (s *Server) handleCreateResponse(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.respondLookupError(w, err)
		return
	}

	var req createResponseRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp := protocol.ResponseCreate{
		Instructions: strings.TrimSpace(req.Instructions),
		Modalities:   req.Modalities,
	}
	if strings.TrimSpace(req.Voice) != "" {
		v, err := protocol.ParseVoice(req.Voice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_voice", err.Error())
			return
		}
		resp.Voice = v
	}

	if err := sess.CreateResponse(resp); err != nil {
		switch {
		case errors.Is(err, session.ErrUnusable):
			respondError(w, http.StatusConflict, "session_unusable", err.Error())
		default:
			respondError(w, http.StatusServiceUnavailable, "send_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"session_id": sess.ID(), "status": "queued"})
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.logger.Error("session lookup failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal", err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errEmptyBody
	}
	return api.Unmarshal(body, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = api.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
