// Package web is the hub's HTTP and WebSocket surface. Every handler is a
// thin decode, hub call, encode; errors flow through the huberr mapper as
// {error_code, detail}.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agenthub/internal/huberr"
	"agenthub/internal/hub"
)

const fallbackPage = `<!doctype html>
<html>
<head><title>Agent Hub</title></head>
<body>
<h1>Agent Hub</h1>
<p>The hub API is running. The web frontend bundle is not installed;
use the HTTP API under <code>/api</code>.</p>
</body>
</html>
`

// Server routes hub operations.
type Server struct {
	hub *hub.Controller
	mux *http.ServeMux
}

func New(h *hub.Controller) *Server {
	s := &Server{hub: h, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	m := s.mux

	m.HandleFunc("GET /{$}", s.handleIndex)
	m.Handle("GET /metrics", promhttp.Handler())
	m.HandleFunc("GET /api/state", s.handleState)

	m.HandleFunc("GET /api/settings", s.handleGetSettings)
	m.HandleFunc("PATCH /api/settings", s.handlePatchSettings)

	m.HandleFunc("GET /api/settings/auth", s.handleAuthStatus)
	m.HandleFunc("POST /api/settings/auth/openai/connect", s.handleOpenAIConnect)
	m.HandleFunc("POST /api/settings/auth/openai/disconnect", s.handleOpenAIDisconnect)
	m.HandleFunc("POST /api/settings/auth/openai/title-test", s.handleTitleTest)
	m.HandleFunc("POST /api/settings/auth/openai/account/start", s.handleLoginStart)
	m.HandleFunc("POST /api/settings/auth/openai/account/cancel", s.handleLoginCancel)
	m.HandleFunc("GET /api/settings/auth/openai/account/session", s.handleLoginSession)
	m.HandleFunc("GET /api/settings/auth/openai/account/callback", s.handleLoginCallback)

	m.HandleFunc("POST /api/settings/auth/github-app/setup/start", s.handleAppSetupStart)
	m.HandleFunc("GET /api/settings/auth/github-app/setup/session", s.handleAppSetupSession)
	m.HandleFunc("GET /api/settings/auth/github-app/setup/callback", s.handleAppSetupCallback)
	m.HandleFunc("GET /api/settings/auth/github-app/installations", s.handleAppInstallations)
	m.HandleFunc("POST /api/settings/auth/github-app/connect", s.handleAppConnect)
	m.HandleFunc("POST /api/settings/auth/github-app/disconnect", s.handleAppDisconnect)

	m.HandleFunc("POST /api/settings/auth/github-tokens/connect", s.handlePATConnect)
	m.HandleFunc("POST /api/settings/auth/gitlab-tokens/connect", s.handlePATConnect)
	m.HandleFunc("DELETE /api/settings/auth/github-tokens/{token_id}", s.handlePATDisconnect("github"))
	m.HandleFunc("DELETE /api/settings/auth/gitlab-tokens/{token_id}", s.handlePATDisconnect("gitlab"))

	m.HandleFunc("POST /api/projects", s.handleProjectCreate)
	m.HandleFunc("PATCH /api/projects/{id}", s.handleProjectPatch)
	m.HandleFunc("DELETE /api/projects/{id}", s.handleProjectDelete)
	m.HandleFunc("POST /api/projects/{id}/build/cancel", s.handleBuildCancel)
	m.HandleFunc("GET /api/projects/{id}/build-logs", s.handleBuildLogs)
	m.HandleFunc("GET /api/projects/{id}/launch-profile", s.handleProjectLaunchProfile)
	m.HandleFunc("POST /api/projects/{id}/chats/start", s.handleProjectChatStart)
	m.HandleFunc("GET /api/projects/{id}/credential-binding", s.handleBindingGet)
	m.HandleFunc("POST /api/projects/{id}/credential-binding", s.handleBindingSet)
	m.HandleFunc("POST /api/projects/auto-configure", s.handleAutoConfigure)
	m.HandleFunc("POST /api/projects/auto-configure/cancel", s.handleAutoConfigureCancel)

	m.HandleFunc("POST /api/chats", s.handleChatCreate)
	m.HandleFunc("PATCH /api/chats/{id}", s.handleChatPatch)
	m.HandleFunc("DELETE /api/chats/{id}", s.handleChatDelete)
	m.HandleFunc("POST /api/chats/{id}/start", s.handleChatStart)
	m.HandleFunc("POST /api/chats/{id}/close", s.handleChatClose)
	m.HandleFunc("POST /api/chats/{id}/refresh-container", s.handleChatRefresh)
	m.HandleFunc("GET /api/chats/{id}/launch-profile", s.handleChatLaunchProfile)
	m.HandleFunc("GET /api/chats/{id}/logs", s.handleChatLogs)

	m.HandleFunc("GET /api/chats/{id}/artifacts", s.handleArtifactsList)
	m.HandleFunc("POST /api/chats/{id}/artifacts/publish", s.handleArtifactPublish)
	m.HandleFunc("GET /api/chats/{id}/artifacts/{aid}/download", s.handleArtifactServe(true))
	m.HandleFunc("GET /api/chats/{id}/artifacts/{aid}/preview", s.handleArtifactServe(false))

	m.HandleFunc("GET /api/chats/{id}/agent-tools/credentials", s.agentAuth(s.handleAgentCredentials))
	m.HandleFunc("POST /api/chats/{id}/agent-tools/credentials", s.agentAuth(s.handleAgentCredentials))
	m.HandleFunc("POST /api/chats/{id}/agent-tools/project-binding", s.agentAuth(s.handleAgentBinding))
	m.HandleFunc("POST /api/chats/{id}/agent-tools/ack", s.agentAuth(s.handleAgentAck))
	m.HandleFunc("POST /api/chats/{id}/agent-tools/artifacts/submit", s.agentAuth(s.handleAgentArtifactSubmit))

	m.HandleFunc("POST /api/agent-tools/sessions/{sid}/artifacts/submit", s.handleSessionArtifactSubmit)
	m.HandleFunc("POST /api/agent-tools/sessions/{sid}/ack", s.handleSessionAck)

	m.HandleFunc("GET /api/events", s.handleEventsWS)
	m.HandleFunc("GET /api/chats/{id}/terminal", s.handleTerminalWS)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(fallbackPage))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.StateView())
}

// writeJSON encodes the payload; encode failures are logged, not surfaced.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Response encode failed", "error", err)
	}
}

// writeError maps any error to the {error_code, detail} envelope.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, huberr.HTTPStatus(err), map[string]string{
		"error_code": huberr.CodeOf(err),
		"detail":     huberr.DetailOf(err),
	})
}

// decode parses a JSON request body into v. An empty body is allowed when v
// tolerates it.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if err.Error() == "EOF" {
			return nil
		}
		return huberr.BadRequest("invalid JSON body: %v", err)
	}
	return nil
}
