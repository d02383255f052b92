package auth

import (
	"context"
	"crypto/rand"
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

// requiredGitLabScopes: a PAT passes with `api`, or with both repository
// scopes.
var gitLabRepoScopes = []string{"read_repository", "write_repository"}

// ConnectPAT verifies and stores a personal access token for the given host.
// The provider is probed GitHub-first unless the host hints GitLab. Returns
// the normalized record.
func (m *Manager) ConnectPAT(ctx context.Context, rawHost, token string) (*creds.Record, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, huberr.BadRequest("token is empty")
	}
	host, scheme, err := normalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	order := []creds.Provider{creds.ProviderGitHub, creds.ProviderGitLab}
	if strings.Contains(strings.ToLower(host), "gitlab") {
		order = []creds.Provider{creds.ProviderGitLab, creds.ProviderGitHub}
	}

	var identity *patIdentity
	var provider creds.Provider
	var lastErr error
	for _, p := range order {
		identity, lastErr = m.verifyPAT(ctx, p, host, scheme, token)
		if lastErr == nil {
			provider = p
			break
		}
		// Scope rejections are terminal for that provider and for the
		// connect as a whole; only "not this provider" errors fall through.
		if he, ok := lastErr.(*huberr.Error); ok && he.Code == huberr.CodeBadRequest {
			return nil, lastErr
		}
	}
	if identity == nil {
		if lastErr == nil {
			lastErr = huberr.Upstream("token verification failed for host %s", host)
		}
		return nil, lastErr
	}

	list, err := m.broker.PATs(provider)
	if err != nil {
		return nil, err
	}
	for _, existing := range list {
		if existing.Host == host && existing.Login == identity.Login && existing.Token == token {
			// Exact duplicate: connecting again is a no-op.
			rec := patRecord(provider, existing)
			return &rec, nil
		}
	}

	pat := creds.PAT{
		TokenID:     newTokenID(),
		Host:        host,
		Scheme:      scheme,
		Login:       identity.Login,
		Email:       identity.Email,
		Name:        identity.Name,
		Token:       token,
		ConnectedAt: time.Now().UTC(),
	}
	list = append(list, pat)
	if err := m.broker.SavePATs(provider, list); err != nil {
		return nil, err
	}
	m.emitAuthChanged(string(provider) + "_token_connected")
	rec := patRecord(provider, pat)
	return &rec, nil
}

// DisconnectPAT removes one stored token by id.
func (m *Manager) DisconnectPAT(provider creds.Provider, tokenID string) error {
	list, err := m.broker.PATs(provider)
	if err != nil {
		return err
	}
	kept := list[:0]
	found := false
	for _, p := range list {
		if p.TokenID == tokenID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return huberr.NotFound("token %s not found", tokenID)
	}
	if err := m.broker.SavePATs(provider, kept); err != nil {
		return err
	}
	if _, err := m.broker.SweepCredentialFiles(); err != nil {
		return err
	}
	m.emitAuthChanged(string(provider) + "_token_disconnected")
	return nil
}

type patIdentity struct {
	Login string
	Email string
	Name  string
}

func (m *Manager) verifyPAT(ctx context.Context, provider creds.Provider, host, scheme, token string) (*patIdentity, error) {
	switch provider {
	case creds.ProviderGitHub:
		return m.verifyGitHubPAT(ctx, host, scheme, token)
	case creds.ProviderGitLab:
		return m.verifyGitLabPAT(ctx, host, scheme, token)
	default:
		return nil, huberr.BadRequest("unknown provider %q", provider)
	}
}

func (m *Manager) verifyGitHubPAT(ctx context.Context, host, scheme, token string) (*patIdentity, error) {
	base := m.cfg.GitHubAPIBaseURL
	if host != "github.com" {
		base = fmt.Sprintf("%s://%s/api/v3", scheme, host)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, huberr.Upstream("github verification request failed").Wrap(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, huberr.Upstream("github /user returned status %d", resp.StatusCode)
	}
	var user struct {
		Login string `json:"login"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &user); err != nil || user.Login == "" {
		return nil, huberr.Upstream("unparseable github /user response")
	}
	return &patIdentity{Login: user.Login, Email: user.Email, Name: user.Name}, nil
}

func (m *Manager) verifyGitLabPAT(ctx context.Context, host, scheme, token string) (*patIdentity, error) {
	base := fmt.Sprintf("%s://%s/api/v4", scheme, host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, huberr.Upstream("gitlab verification request failed").Wrap(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, huberr.Upstream("gitlab /user returned status %d", resp.StatusCode)
	}
	var user struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(body, &user); err != nil || user.Username == "" {
		return nil, huberr.Upstream("unparseable gitlab /user response")
	}

	scopes, err := m.gitLabTokenScopes(ctx, base, token)
	if err != nil {
		return nil, err
	}
	if !scopesSufficient(scopes) {
		missing := missingGitLabScopes(scopes)
		return nil, huberr.BadRequest("gitlab token is missing required scopes: %s", strings.Join(missing, ", "))
	}
	return &patIdentity{Login: user.Username, Email: user.Email, Name: user.Name}, nil
}

func (m *Manager) gitLabTokenScopes(ctx context.Context, base, token string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/personal_access_tokens/self", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, huberr.Upstream("gitlab scope check failed").Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, huberr.Upstream("gitlab scope check returned status %d", resp.StatusCode)
	}
	var info struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, huberr.Upstream("unparseable gitlab token response")
	}
	return info.Scopes, nil
}

func scopesSufficient(scopes []string) bool {
	have := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		have[s] = true
	}
	if have["api"] {
		return true
	}
	for _, s := range gitLabRepoScopes {
		if !have[s] {
			return false
		}
	}
	return true
}

func missingGitLabScopes(scopes []string) []string {
	have := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		have[s] = true
	}
	var missing []string
	for _, s := range gitLabRepoScopes {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		missing = []string{"api"}
	}
	return missing
}

func patRecord(provider creds.Provider, p creds.PAT) creds.Record {
	return creds.Record{
		CredentialID: p.TokenID,
		Kind:         creds.KindPAT,
		Provider:     provider,
		Host:         p.Host,
		Scheme:       p.Scheme,
		AccountLogin: p.Login,
		AccountEmail: p.Email,
		AccountName:  p.Name,
		ConnectedAt:  p.ConnectedAt,
	}
}

func newTokenID() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}

func normalizeHost(raw string) (host, scheme string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", huberr.BadRequest("host is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, perr := url.Parse(raw)
	if perr != nil || u.Hostname() == "" {
		return "", "", huberr.BadRequest("unparseable host %q", raw)
	}
	scheme = u.Scheme
	if scheme != "http" {
		scheme = "https"
	}
	return u.Hostname(), scheme, nil
}
