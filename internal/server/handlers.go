package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/stream"
)

// StatusResponse describes the relay for the panel's connection indicator.
type StatusResponse struct {
	Success            bool   `json:"success"`
	Status             string `json:"status"`
	Port               int    `json:"port"`
	Clients            int    `json:"clients"`
	ActiveSessionCount int    `json:"activeSessionCount"`
	Timestamp          string `json:"timestamp"`
}

// ModelsResponse lists the available chat models.
type ModelsResponse struct {
	Success   bool             `json:"success"`
	Models    []provider.Model `json:"models"`
	Timestamp string           `json:"timestamp"`
}

// SessionInfo is the introspection view of one stream session.
type SessionInfo struct {
	ID         string `json:"id"`
	ModelID    string `json:"modelId"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunkCount"`
	CreatedAt  string `json:"createdAt"`
	Error      string `json:"error,omitempty"`
}

// getHealth is the discovery probe target. It must answer fast and
// unconditionally: clients use it to tell this relay apart from whatever
// else may be squatting on a candidate port.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getStatus reports connection and session counts.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Success:            true,
		Status:             "connected",
		Port:               s.config.Port,
		Clients:            s.conns.count(),
		ActiveSessionCount: s.sessions.ActiveCount(),
		Timestamp:          nowISO(),
	})
}

// getModels lists models from every backend. Backend failures degrade to the
// fallback catalog inside the registry, so this endpoint never 500s.
func (s *Server) getModels(w http.ResponseWriter, r *http.Request) {
	models := s.registry.Models(r.Context())
	writeJSON(w, http.StatusOK, ModelsResponse{
		Success:   true,
		Models:    models,
		Timestamp: nowISO(),
	})
}

// listSessions enumerates sessions still in the table.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := make([]SessionInfo, 0)
	for _, sess := range s.sessions.All() {
		infos = append(infos, sessionInfo(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessions":  infos,
		"timestamp": nowISO(),
	})
}

// getSession returns one session's lifecycle state.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"session":   sessionInfo(sess),
		"timestamp": nowISO(),
	})
}

// cancelSession is the explicit cancellation path. A transport dropping off
// never cancels a session; this endpoint is how a client asks for it.
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"session":   sessionInfo(sess),
		"timestamp": nowISO(),
	})
}

func sessionInfo(sess *stream.Session) SessionInfo {
	info := SessionInfo{
		ID:         sess.ID(),
		ModelID:    sess.ModelID(),
		Status:     string(sess.Status()),
		ChunkCount: sess.ChunkCount(),
		CreatedAt:  sess.CreatedAt().UTC().Format(time.RFC3339),
	}
	if errInfo := sess.Err(); errInfo != nil {
		info.Error = errInfo.Message
	}
	return info
}
