package web

import (
	"net/http"

	"agenthub/internal/creds"
	"agenthub/internal/huberr"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Settings())
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	settings, err := s.hub.PatchSettings(patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.hub.Auth.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOpenAIConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
		Verify bool   `json:"verify"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.hub.Auth.ConnectOpenAIKey(r.Context(), req.APIKey, req.Verify); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) handleOpenAIDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Auth.DisconnectOpenAIKey(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}

func (s *Server) handleTitleTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompts []string `json:"prompts"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	title, err := s.hub.TitleTest(r.Context(), req.Prompts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (s *Server) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceAuth bool `json:"device_auth"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.hub.StartAccountLogin(req.DeviceAuth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLoginCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Auth.CancelLogin(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleLoginSession(w http.ResponseWriter, r *http.Request) {
	sess := s.hub.Auth.LoginSessionView()
	if sess == nil {
		writeError(w, huberr.NotFound("no login session"))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleLoginCallback is hit by the user's browser after the provider
// redirect; the query is relayed verbatim into the login container.
func (s *Server) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	res, err := s.hub.DeliverLoginCallback(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><p>Login callback delivered (status " +
		http.StatusText(res.StatusCode) + "). You can close this tab.</p></body></html>"))
}

func (s *Server) handleAppSetupStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.hub.Auth.StartAppSetup()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAppSetupSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.hub.Auth.AppSetupSessionByID(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAppSetupCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	settings, err := s.hub.Auth.CompleteAppSetup(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><p>GitHub App \"" + settings.Slug +
		"\" registered. You can close this tab and return to Agent Hub.</p></body></html>"))
}

func (s *Server) handleAppInstallations(w http.ResponseWriter, r *http.Request) {
	installations, err := s.hub.Auth.ListInstallations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installations": installations})
}

func (s *Server) handleAppConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstallationID int64 `json:"installation_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.hub.Auth.ConnectInstallation(r.Context(), req.InstallationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleAppDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Auth.DisconnectApp(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}

func (s *Server) handlePATConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Host  string `json:"host"`
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.hub.Auth.ConnectPAT(r.Context(), req.Host, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePATDisconnect(provider creds.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.hub.Auth.DisconnectPAT(provider, r.PathValue("token_id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
	}
}
