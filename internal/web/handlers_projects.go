package web

import (
	"net/http"

	"agenthub/internal/hub"
	"agenthub/internal/state"
)

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req hub.ProjectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.hub.CreateProject(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProjectPatch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.hub.PatchProject(r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleBuildCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.CancelBuild(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancel_requested": true})
}

func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	tail, err := s.hub.BuildLogTail(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": string(tail)})
}

func (s *Server) handleProjectLaunchProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.hub.ProjectLaunchProfile(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleProjectChatStart creates a chat on the project and starts it in one
// call.
func (s *Server) handleProjectChatStart(w http.ResponseWriter, r *http.Request) {
	var req hub.ChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ProjectID = r.PathValue("id")
	c, err := s.hub.CreateChat(req)
	if err != nil {
		writeError(w, err)
		return
	}
	started, err := s.hub.StartChat(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

func (s *Server) handleBindingGet(w http.ResponseWriter, r *http.Request) {
	binding, err := s.hub.Binding(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (s *Server) handleBindingSet(w http.ResponseWriter, r *http.Request) {
	var binding state.CredentialBinding
	if err := decode(r, &binding); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.hub.SetBinding(r.PathValue("id"), binding)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAutoConfigure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoURL   string `json:"repo_url"`
		RequestID string `json:"request_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	requestID, err := s.hub.AutoConfig.Start(req.RepoURL, req.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

func (s *Server) handleAutoConfigureCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.hub.AutoConfig.Cancel(req.RequestID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancel_requested": true})
}
