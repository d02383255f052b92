package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agenthub/internal/creds"
	"agenthub/internal/huberr"
)

// AppSetupSession tracks one in-flight GitHub App manifest flow. The state
// nonce is compared constant-time on callback.
type AppSetupSession struct {
	ID        string    `json:"id"`
	State     string    `json:"-"`
	FormURL   string    `json:"form_url"`
	Manifest  string    `json:"manifest"`
	CreatedAt time.Time `json:"created_at"`
}

// StartAppSetup creates a setup session and renders the app manifest the
// browser posts to <web_base>/settings/apps/new.
func (m *Manager) StartAppSetup() (*AppSetupSession, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate setup state: %w", err)
	}
	stateNonce := hex.EncodeToString(nonce)

	manifest := map[string]any{
		"name":         "agent-hub-local",
		"url":          m.cfg.PublishBaseURL,
		"redirect_url": m.cfg.PublishBaseURL + "/api/settings/auth/github-app/setup/callback",
		"public":       false,
		"default_permissions": map[string]string{
			"contents":      "write",
			"metadata":      "read",
			"pull_requests": "write",
		},
	}
	manifestJSON, _ := json.Marshal(manifest)

	sess := &AppSetupSession{
		ID:        newTokenID(),
		State:     stateNonce,
		FormURL:   fmt.Sprintf("%s/settings/apps/new?state=%s", m.cfg.GitHubWebBaseURL, url.QueryEscape(stateNonce)),
		Manifest:  string(manifestJSON),
		CreatedAt: time.Now().UTC(),
	}
	m.setupMu.Lock()
	m.setupSessions[sess.ID] = sess
	m.setupMu.Unlock()
	return sess, nil
}

// AppSetupSessionByID returns an in-flight setup session.
func (m *Manager) AppSetupSessionByID(id string) (*AppSetupSession, error) {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()
	sess, ok := m.setupSessions[id]
	if !ok {
		return nil, huberr.NotFound("github app setup session %s not found", id)
	}
	return sess, nil
}

// CompleteAppSetup handles the manifest callback: verify the state nonce,
// convert the temporary code into app credentials, and persist them.
func (m *Manager) CompleteAppSetup(ctx context.Context, stateNonce, code string) (*creds.AppSettings, error) {
	m.setupMu.Lock()
	var sess *AppSetupSession
	for _, candidate := range m.setupSessions {
		if subtle.ConstantTimeCompare([]byte(candidate.State), []byte(stateNonce)) == 1 {
			sess = candidate
		}
	}
	if sess != nil {
		delete(m.setupSessions, sess.ID)
	}
	m.setupMu.Unlock()
	if sess == nil {
		return nil, huberr.BadRequest("unknown or expired github app setup state")
	}
	if code == "" {
		return nil, huberr.BadRequest("missing code in github app setup callback")
	}

	convURL := fmt.Sprintf("%s/app-manifests/%s/conversions", m.cfg.GitHubAPIBaseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, convURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, huberr.Upstream("github manifest conversion failed").Wrap(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return nil, huberr.Upstream("github manifest conversion returned status %d", resp.StatusCode)
	}

	var converted struct {
		ID      int64  `json:"id"`
		Slug    string `json:"slug"`
		PEM     string `json:"pem"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &converted); err != nil || converted.ID == 0 || converted.PEM == "" {
		return nil, huberr.Upstream("unparseable github manifest conversion response")
	}

	host := "github.com"
	if u, err := url.Parse(m.cfg.GitHubWebBaseURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	settings := &creds.AppSettings{
		AppID:      converted.ID,
		Slug:       converted.Slug,
		PEM:        converted.PEM,
		HTMLURL:    converted.HTMLURL,
		WebBaseURL: m.cfg.GitHubWebBaseURL,
		APIBaseURL: m.cfg.GitHubAPIBaseURL,
		Host:       host,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.broker.SaveAppSettings(settings); err != nil {
		return nil, err
	}
	m.emitAuthChanged("github_app_configured")
	return settings, nil
}

// Installation is one installation of the configured app as listed upstream.
type Installation struct {
	ID           int64  `json:"id"`
	AccountLogin string `json:"account_login"`
	AccountType  string `json:"account_type"`
}

// ListInstallations queries GET /app/installations with an app JWT.
func (m *Manager) ListInstallations(ctx context.Context) ([]Installation, error) {
	settings, err := m.broker.AppSettings()
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, huberr.CredentialResolution("github app is not configured")
	}
	body, err := m.appAPIGet(ctx, settings, "/app/installations")
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, huberr.Upstream("unparseable github installations response")
	}
	out := make([]Installation, 0, len(raw))
	for _, item := range raw {
		out = append(out, Installation{ID: item.ID, AccountLogin: item.Account.Login, AccountType: item.Account.Type})
	}
	return out, nil
}

// ConnectInstallation verifies the installation exists and persists it as
// the single connected installation.
func (m *Manager) ConnectInstallation(ctx context.Context, installationID int64) (*creds.AppInstallation, error) {
	settings, err := m.broker.AppSettings()
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, huberr.CredentialResolution("github app is not configured")
	}
	body, err := m.appAPIGet(ctx, settings, fmt.Sprintf("/app/installations/%d", installationID))
	if err != nil {
		return nil, err
	}
	var raw struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || raw.ID == 0 {
		return nil, huberr.Upstream("unparseable github installation response")
	}
	inst := &creds.AppInstallation{
		InstallationID: raw.ID,
		AccountLogin:   raw.Account.Login,
		Host:           settings.Host,
		ConnectedAt:    time.Now().UTC(),
	}
	if err := m.broker.SaveInstallation(inst); err != nil {
		return nil, err
	}
	m.emitAuthChanged("github_app_installation_connected")
	return inst, nil
}

// DisconnectApp removes the app configuration, the installation, and every
// materialized credential file.
func (m *Manager) DisconnectApp() error {
	if err := m.broker.DeleteAppSettings(); err != nil {
		return err
	}
	if _, err := m.broker.SweepCredentialFiles(); err != nil {
		return err
	}
	m.emitAuthChanged("github_app_disconnected")
	return nil
}

func (m *Manager) appAPIGet(ctx context.Context, settings *creds.AppSettings, path string) ([]byte, error) {
	jwt, err := m.broker.AppJWT(ctx)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(settings.APIBaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, huberr.Upstream("github request failed").Wrap(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, huberr.Upstream("github %s returned status %d", path, resp.StatusCode)
	}
	return body, nil
}
