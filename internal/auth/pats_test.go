package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/config"
	"agenthub/internal/creds"
	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
)

// routeTransport serves canned JSON per "host path" key and records every
// request it sees.
type routeTransport struct {
	routes map[string]string
	calls  []string
}

func (rt *routeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	key := req.URL.Host + " " + req.URL.Path
	rt.calls = append(rt.calls, key)
	body, ok := rt.routes[key]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = `{"message":"not found"}`
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

type capturedEvent struct {
	Type    string
	Payload any
}

func testManager(t *testing.T) (*Manager, *[]capturedEvent) {
	t.Helper()
	cfg := &config.Config{
		DataDir:          t.TempDir(),
		GitHubAPIBaseURL: "https://api.github.com",
		OpenAIAPIBaseURL: "https://api.openai.com",
	}
	require.NoError(t, cfg.EnsureDirs())

	runner := gitutil.RunnerFunc(func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		return "", nil
	})
	broker := creds.NewBroker(cfg.SecretsDir(), cfg.GitCredentialsDir(), runner)

	events := &[]capturedEvent{}
	m := NewManager(cfg, broker, runner, func(eventType string, payload any) {
		*events = append(*events, capturedEvent{Type: eventType, Payload: payload})
	})
	return m, events
}

func eventReasons(events []capturedEvent) []string {
	var out []string
	for _, e := range events {
		if m, ok := e.Payload.(map[string]any); ok {
			if r, ok := m["reason"].(string); ok {
				out = append(out, r)
			}
		}
	}
	return out
}

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in, host, scheme string
		wantErr          bool
	}{
		{in: "github.com", host: "github.com", scheme: "https"},
		{in: "https://gitlab.com/", host: "gitlab.com", scheme: "https"},
		{in: "http://git.internal:8080", host: "git.internal", scheme: "http"},
		{in: "ssh://git.internal", host: "git.internal", scheme: "https"},
		{in: "", wantErr: true},
		{in: "https://", wantErr: true},
	}
	for _, tc := range cases {
		host, scheme, err := normalizeHost(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.host, host, tc.in)
		assert.Equal(t, tc.scheme, scheme, tc.in)
	}
}

func TestGitLabScopeChecks(t *testing.T) {
	assert.True(t, scopesSufficient([]string{"api"}))
	assert.True(t, scopesSufficient([]string{"read_repository", "write_repository"}))
	assert.False(t, scopesSufficient([]string{"read_repository"}))
	assert.False(t, scopesSufficient(nil))

	assert.Equal(t, []string{"write_repository"}, missingGitLabScopes([]string{"read_repository"}))
	assert.Equal(t, []string{"api"}, missingGitLabScopes([]string{"read_repository", "write_repository"}))
}

func TestConnectGitHubPAT(t *testing.T) {
	m, events := testManager(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "token ghp_abc", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"login":"octocat","email":"o@example.com","name":"Octo"}`))
	}))
	defer srv.Close()
	m.cfg.GitHubAPIBaseURL = srv.URL

	rec, err := m.ConnectPAT(context.Background(), "github.com", "ghp_abc")
	require.NoError(t, err)
	assert.Equal(t, creds.ProviderGitHub, rec.Provider)
	assert.Equal(t, "octocat", rec.AccountLogin)
	assert.Equal(t, "github.com", rec.Host)

	list, err := m.broker.PATs(creds.ProviderGitHub)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ghp_abc", list[0].Token)

	assert.Contains(t, eventReasons(*events), "github_token_connected")
}

func TestConnectPATDuplicateIsNoOp(t *testing.T) {
	m, events := testManager(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"login":"octocat"}`))
	}))
	defer srv.Close()
	m.cfg.GitHubAPIBaseURL = srv.URL

	first, err := m.ConnectPAT(context.Background(), "github.com", "ghp_abc")
	require.NoError(t, err)
	second, err := m.ConnectPAT(context.Background(), "github.com", "ghp_abc")
	require.NoError(t, err)
	assert.Equal(t, first.CredentialID, second.CredentialID)

	list, _ := m.broker.PATs(creds.ProviderGitHub)
	assert.Len(t, list, 1)
	assert.Len(t, eventReasons(*events), 1, "the duplicate connect must not emit again")
}

func TestConnectGitLabPAT(t *testing.T) {
	m, _ := testManager(t)
	rt := &routeTransport{routes: map[string]string{
		"gitlab.example.com /api/v4/user":                        `{"username":"carol","name":"Carol"}`,
		"gitlab.example.com /api/v4/personal_access_tokens/self": `{"scopes":["api"]}`,
	}}
	m.HTTPClient = &http.Client{Transport: rt}

	rec, err := m.ConnectPAT(context.Background(), "gitlab.example.com", "glpat-xyz")
	require.NoError(t, err)
	assert.Equal(t, creds.ProviderGitLab, rec.Provider)
	assert.Equal(t, "carol", rec.AccountLogin)
}

func TestConnectGitLabPATMissingScopes(t *testing.T) {
	m, _ := testManager(t)
	rt := &routeTransport{routes: map[string]string{
		"gitlab.example.com /api/v4/user":                        `{"username":"carol"}`,
		"gitlab.example.com /api/v4/personal_access_tokens/self": `{"scopes":["read_api"]}`,
	}}
	m.HTTPClient = &http.Client{Transport: rt}

	_, err := m.ConnectPAT(context.Background(), "gitlab.example.com", "glpat-xyz")
	require.Error(t, err)
	assert.Equal(t, huberr.CodeBadRequest, huberr.CodeOf(err))
	assert.Contains(t, huberr.DetailOf(err), "read_repository, write_repository")
	for _, call := range rt.calls {
		assert.NotContains(t, call, "github", "a scope rejection must not fall through to the next provider")
	}
}

func TestDisconnectPAT(t *testing.T) {
	m, events := testManager(t)
	require.NoError(t, m.broker.SavePATs(creds.ProviderGitHub, []creds.PAT{
		{TokenID: "tok-1", Host: "github.com", Token: "x"},
		{TokenID: "tok-2", Host: "github.com", Token: "y"},
	}))

	require.NoError(t, m.DisconnectPAT(creds.ProviderGitHub, "tok-1"))
	list, _ := m.broker.PATs(creds.ProviderGitHub)
	require.Len(t, list, 1)
	assert.Equal(t, "tok-2", list[0].TokenID)
	assert.Contains(t, eventReasons(*events), "github_token_disconnected")

	err := m.DisconnectPAT(creds.ProviderGitHub, "tok-1")
	assert.Equal(t, huberr.CodeNotFound, huberr.CodeOf(err))
}

func TestConnectOpenAIKeyVerified(t *testing.T) {
	m, events := testManager(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-live", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()
	m.cfg.OpenAIAPIBaseURL = srv.URL

	require.NoError(t, m.ConnectOpenAIKey(context.Background(), "sk-live", true))

	key, err := m.OpenAIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-live", key)

	info, err := os.Stat(m.openAIEnvPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Contains(t, eventReasons(*events), "openai_key_connected")
}

func TestConnectOpenAIKeyRejected(t *testing.T) {
	m, _ := testManager(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	m.cfg.OpenAIAPIBaseURL = srv.URL

	err := m.ConnectOpenAIKey(context.Background(), "sk-bad", true)
	require.Error(t, err)
	assert.Equal(t, huberr.CodeBadRequest, huberr.CodeOf(err))

	key, _ := m.OpenAIKey()
	assert.Empty(t, key, "a rejected key must not be stored")
}

func TestDisconnectOpenAIKey(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.ConnectOpenAIKey(context.Background(), "sk-live", false))
	require.NoError(t, m.DisconnectOpenAIKey())

	key, err := m.OpenAIKey()
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, m.DisconnectOpenAIKey(), "disconnect is idempotent")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "sk-a...wxyz", maskKey("sk-abcdefgwxyz"))
}
