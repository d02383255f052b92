package web

import (
	"net/http"

	"agenthub/internal/state"
	"agenthub/internal/tokens"
)

// agentAuth verifies the per-chat agent_tools bearer token before the
// wrapped handler runs.
func (s *Server) agentAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(tokens.HeaderAgentTools)
		if err := s.hub.AuthenticateChatAgent(r.PathValue("id"), token); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAgentCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.hub.AgentCredentialsForChat(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (s *Server) handleAgentBinding(w http.ResponseWriter, r *http.Request) {
	var binding state.CredentialBinding
	if err := decode(r, &binding); err != nil {
		writeError(w, err)
		return
	}
	if err := s.hub.AgentSetProjectBinding(r.PathValue("id"), binding); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleAgentAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GUID  string            `json:"guid"`
		Stage string            `json:"stage"`
		Meta  map[string]string `json:"meta"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.hub.Ack(r.PathValue("id"), req.GUID, req.Stage, req.Meta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (s *Server) handleAgentArtifactSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	art, err := s.hub.PublishChatArtifact(r.PathValue("id"), req.Path, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleSessionArtifactSubmit(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, err := s.hub.Sessions.Authenticate(sid, r.Header.Get(tokens.HeaderAgentTools)); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	art, err := s.hub.PublishSessionArtifact(sid, req.Path, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleSessionAck(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if _, err := s.hub.Sessions.Authenticate(sid, r.Header.Get(tokens.HeaderAgentTools)); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		GUID  string `json:"guid"`
		Stage string `json:"stage"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.hub.SessionAck(sid, req.GUID, req.Stage); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}
