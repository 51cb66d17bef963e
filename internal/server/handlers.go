package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/soundmem/internal/rag"
	"github.com/lexiqai/soundmem/internal/segment"
	"github.com/lexiqai/soundmem/internal/session"
)

const maxBodyBytes = 1 << 20

type sessionView struct {
	segment.SessionRecord
	Active   bool `json:"active"`
	Segments int  `json:"segments,omitempty"`
}

type queryRequest struct {
	Question string `json:"question"`
}

type statsResponse struct {
	Sessions        int `json:"sessions"`
	ActiveSessions  int `json:"active_sessions"`
	Segments        int `json:"segments"`
	IndexedSegments int `json:"indexed_segments"`
	PendingIndex    int `json:"pending_index"`
}

func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var settings map[string]interface{}
	if err := decodeBody(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	sess, err := s.deps.Sessions.Start(r.Context(), settings)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to start session")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sessionView{SessionRecord: sess.Record(), Active: true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]sessionView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.view(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, ok := s.deps.Sessions.Get(id); ok {
		writeJSON(w, http.StatusOK, sessionView{SessionRecord: sess.Record(), Active: true, Segments: sess.Committed()})
		return
	}

	rec, err := s.deps.Store.GetSession(r.Context(), id)
	if errors.Is(err, segment.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *Server) view(rec segment.SessionRecord) sessionView {
	if sess, ok := s.deps.Sessions.Get(rec.ID); ok {
		return sessionView{SessionRecord: sess.Record(), Active: true, Segments: sess.Committed()}
	}
	return sessionView{SessionRecord: rec}
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Allow the grace period plus time to persist the final segment
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SessionGracePeriod()+10*time.Second)
	defer cancel()

	rec, err := s.deps.Sessions.Stop(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not running")
	case err != nil:
		writeError(w, http.StatusGatewayTimeout, "session is still stopping: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, sessionView{SessionRecord: rec})
	}
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, segment.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var rng *segment.TimeRange
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from != "" || to != "" {
		rng = &segment.TimeRange{}
		var err error
		if from != "" {
			if rng.From, err = time.Parse(time.RFC3339, from); err != nil {
				writeError(w, http.StatusBadRequest, "from must be RFC3339")
				return
			}
		}
		if to != "" {
			if rng.To, err = time.Parse(time.RFC3339, to); err != nil {
				writeError(w, http.StatusBadRequest, "to must be RFC3339")
				return
			}
		}
	}

	segs, err := s.deps.Store.List(id, rng).Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if segs == nil {
		segs = []segment.Segment{}
	}
	writeJSON(w, http.StatusOK, segs)
}

func (s *Server) handleSessionQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetSession(r.Context(), id); errors.Is(err, segment.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.answer(w, r, id)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.answer(w, r, "")
}

func (s *Server) handleSessionQueryStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetSession(r.Context(), id); errors.Is(err, segment.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.answerStream(w, r, id)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	s.answerStream(w, r, "")
}

type deltaEvent struct {
	Text string `json:"text"`
}

// answerStream replies with server-sent events: a "delta" event per
// completion fragment, then one "answer" event carrying the final Answer.
// Deltas are only sent for answered questions, so a client that sees an
// unavailable outcome after deltas must discard them.
func (s *Server) answerStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ans, err := s.deps.Answers.AnswerStream(r.Context(), req.Question, sessionID, func(delta string) error {
		return send("delta", deltaEvent{Text: delta})
	})
	if ans.Outcome == rag.OutcomeUnavailable {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Streamed answer unavailable")
	}
	if err := send("answer", ans); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Client left before the answer was sent")
	}
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ans, err := s.deps.Answers.Answer(r.Context(), req.Question, sessionID)
	if ans.Outcome == rag.OutcomeUnavailable {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Answer unavailable")
		writeJSON(w, http.StatusServiceUnavailable, ans)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statsResponse{
		Sessions:       stats.Sessions,
		ActiveSessions: len(s.deps.Sessions.Active()),
		Segments:       stats.Segments,
	}
	if s.deps.Index != nil {
		resp.IndexedSegments = s.deps.Index.Len()
		resp.PendingIndex = s.deps.Index.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}
