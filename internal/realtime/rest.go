package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"santinel/internal/ai"
	"santinel/internal/protocol"
	"santinel/internal/session"
	"santinel/internal/shellexec"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) aiStatus() string {
	if s.engine != nil && s.engine.Configured() {
		return protocol.AIConnected
	}
	return protocol.AIMissingKey
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, sess := range s.sessions.List() {
		if sess.State != session.StateTerminated {
			active++
		}
	}
	writeJSON(w, http.StatusOK, protocol.HealthReport{
		System:    protocol.SystemOnline,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Modules: protocol.ModuleStatus{
			AI:       s.aiStatus(),
			Database: "MOUNTED (RAM)",
			Network:  "ACTIVE",
			Security: "ENFORCED",
		},
		Sessions: &protocol.SessionStats{Active: active, Max: s.maxSessions},
	})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req protocol.SetupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if len(key) < s.minAPIKeyLength {
		writeError(w, http.StatusBadRequest, "Invalid Key")
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "AI Engine unavailable")
		return
	}

	s.engine.Configure(key)
	s.logger.Info("AI module configured", "remote", clientIP(r))

	writeJSON(w, http.StatusOK, protocol.SetupResponse{
		Success: true,
		Message: "System Configured",
		Modules: protocol.ModuleStatus{AI: protocol.AIConnected},
	})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.exec.Exec(r.Context(), req.SessionID, req.Cmd)
	if err != nil {
		if errors.Is(err, shellexec.ErrEmptyCommand) {
			writeError(w, http.StatusBadRequest, "cmd is required")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, protocol.ExecResponse{
		Output:    res.Output,
		Cwd:       res.Cwd,
		SessionID: res.SessionID,
		ExitCode:  res.ExitCode,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

// sessionDetail adds the output backlog of a slow client to a session.
type sessionDetail struct {
	*session.Session
	PendingOutput int `json:"pendingOutput"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	// A reaped session has no queue left.
	pending, _ := s.sessions.Pending(id)
	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, PendingOutput: pending})
}

func (s *Server) handleScrollback(w http.ResponseWriter, r *http.Request) {
	data, err := s.sessions.Scrollback(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Kill(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

type radicalizationRequest struct {
	Text string `json:"text"`
}

type osintSummaryRequest struct {
	Query string `json:"query"`
}

type osintToolRequest struct {
	Tool  string `json:"tool"`
	Query string `json:"query"`
}

type osintToolResponse struct {
	Result string `json:"result"`
}

// aiCall runs fn and maps its failure to 503 when the engine has no key
// and 500 otherwise. Nothing is retried.
func (s *Server) aiCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (interface{}, error)) {
	if s.engine == nil || !s.engine.Configured() {
		writeError(w, http.StatusServiceUnavailable, "AI Engine not configured")
		return
	}
	out, err := fn(r.Context())
	if err != nil {
		if errors.Is(err, ai.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "AI Engine not configured")
			return
		}
		s.logger.Error("AI request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRadicalization(w http.ResponseWriter, r *http.Request) {
	var req radicalizationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.aiCall(w, r, func(ctx context.Context) (interface{}, error) {
		return s.engine.AssessThreat(ctx, req.Text)
	})
}

func (s *Server) handleOsintSummary(w http.ResponseWriter, r *http.Request) {
	var req osintSummaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.aiCall(w, r, func(ctx context.Context) (interface{}, error) {
		return s.engine.OsintSummary(ctx, req.Query)
	})
}

func (s *Server) handleOsintTool(w http.ResponseWriter, r *http.Request) {
	var req osintToolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.aiCall(w, r, func(ctx context.Context) (interface{}, error) {
		out, err := s.engine.ToolOutput(ctx, req.Tool, req.Query)
		if err != nil {
			return nil, err
		}
		return osintToolResponse{Result: out}, nil
	})
}
