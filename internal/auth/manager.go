// Package auth implements the credential provider adapters: OpenAI API key,
// OpenAI ChatGPT account (login container), GitHub App manifest flow, and
// GitHub/GitLab personal access tokens. Every mutation persists through the
// broker's secret stores and emits auth_changed with a provider reason.
package auth

import (
	"net/http"
	"sync"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/creds"
	"agenthub/internal/gitutil"
)

// Publisher decouples the adapters from the event bus.
type Publisher func(eventType string, payload any)

type Manager struct {
	cfg     *config.Config
	broker  *creds.Broker
	runner  gitutil.Runner
	publish Publisher

	// HTTPClient performs upstream verification calls; replaceable in tests.
	HTTPClient *http.Client

	setupMu       sync.Mutex
	setupSessions map[string]*AppSetupSession

	loginMu sync.Mutex
	login   *LoginSession
}

func NewManager(cfg *config.Config, broker *creds.Broker, runner gitutil.Runner, publish Publisher) *Manager {
	return &Manager{
		cfg:           cfg,
		broker:        broker,
		runner:        runner,
		publish:       publish,
		HTTPClient:    &http.Client{Timeout: 8 * time.Second},
		setupSessions: make(map[string]*AppSetupSession),
	}
}

func (m *Manager) emitAuthChanged(reason string) {
	status, err := m.Status()
	if err != nil {
		status = map[string]any{"error": err.Error()}
	}
	m.publish("auth_changed", map[string]any{"reason": reason, "auth": status})
}

// Status assembles the catalog view the UI renders: never includes secret
// material, only masked hints and metadata.
func (m *Manager) Status() (map[string]any, error) {
	out := map[string]any{}

	key, mtime, err := m.openAIKeyStatus()
	if err != nil {
		return nil, err
	}
	openai := map[string]any{"connected": key != ""}
	if key != "" {
		openai["key_hint"] = maskKey(key)
		openai["connected_at"] = mtime
	}
	if sess := m.LoginSessionView(); sess != nil {
		openai["account_session"] = sess
	}
	out["openai"] = openai

	settings, err := m.broker.AppSettings()
	if err != nil {
		return nil, err
	}
	app := map[string]any{"configured": settings != nil}
	if settings != nil {
		app["app_id"] = settings.AppID
		app["slug"] = settings.Slug
		app["html_url"] = settings.HTMLURL
	}
	inst, err := m.broker.Installation()
	if err != nil {
		return nil, err
	}
	if inst != nil {
		app["installation"] = inst
	}
	out["github_app"] = app

	catalog, err := m.broker.Catalog()
	if err != nil {
		return nil, err
	}
	out["credentials"] = catalog
	return out, nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
