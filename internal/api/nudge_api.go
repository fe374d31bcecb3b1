package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/domain"
)

// ─── Request Types ──────────────────────────────────────────────────────────

type completionRequest struct {
	Priority string `json:"priority" validate:"omitempty,priority"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// sendRequest selects an orchestrator entry point by kind. A motivational
// request with a title sends that copy as-is.
type sendRequest struct {
	Kind     string `json:"kind" validate:"required,nudgekind"`
	Title    string `json:"title,omitempty" validate:"max=200"`
	Body     string `json:"body,omitempty" validate:"max=2000"`
	Task     string `json:"task,omitempty" validate:"max=200"`
	Priority string `json:"priority,omitempty" validate:"omitempty,priority"`
}

type feedbackRequest struct {
	MessageType string                  `json:"message_type"`
	Outcome     domain.Outcome          `json:"outcome"`
	Context     *domain.FeedbackContext `json:"context,omitempty"`
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// ─── Signals ────────────────────────────────────────────────────────────────

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.nudges.RecordActivity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	p := domain.PriorityMedium
	if req.Priority != "" {
		parsed, err := domain.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p = parsed
	}
	s.nudges.RecordCompletion(p)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := decode(r, &req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, `body must be {"online": true|false}`)
		return
	}
	s.nudges.Queue.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.nudges.Queue.Online()})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	// Malformed feedback is not an HTTP error: it is logged and ignored.
	accepted := s.nudges.RecordFeedback(req.MessageType, req.Outcome, req.Context)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

// ─── Nudges ─────────────────────────────────────────────────────────────────

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	kind, err := domain.ParseNudgeKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority := domain.PriorityMedium
	if req.Priority != "" {
		if priority, err = domain.ParsePriority(req.Priority); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	var sent bool
	switch {
	case kind == domain.KindIntervention:
		sent = s.nudges.SendBehavioralIntervention(ctx)
	case kind == domain.KindContextual:
		if req.Task == "" {
			writeError(w, http.StatusBadRequest, "contextual nudges need a task")
			return
		}
		sent = s.nudges.SendContextualNudge(ctx, req.Task, priority)
	case req.Title != "":
		sent = s.nudges.SendNudge(ctx, req.Title, req.Body, kind, priority)
	default:
		sent = s.nudges.GenerateMotivationalNudge(ctx)
	}
	s.log.Debug("send requested", zap.String("kind", string(kind)), zap.Bool("sent", sent))
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.nudges.Status())
}

// ─── Inbox ──────────────────────────────────────────────────────────────────

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	due, err := s.inbox.Due(limit)
	if err != nil {
		s.log.Error("list notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if due == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, due)
}

func (s *Server) handleNotificationsToday(w http.ResponseWriter, r *http.Request) {
	n, err := s.inbox.CountToday()
	if err != nil {
		s.log.Error("count notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleNotificationShown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.inbox.MarkShown(id)
	if err != nil {
		s.log.Error("mark notification shown", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update notification")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
