package titles

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
	"agenthub/internal/state"
)

func TestNormalizePrompts(t *testing.T) {
	in := []string{"  fix   the bug ", "", "fix the bug", "add tests", "   "}
	assert.Equal(t, []string{"fix the bug", "add tests"}, NormalizePrompts(in))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("gpt-4o-mini", MaxChars, []string{"one", "two"})
	assert.Equal(t, a, Fingerprint("gpt-4o-mini", MaxChars, []string{"one", "two"}))
	assert.NotEqual(t, a, Fingerprint("gpt-4o", MaxChars, []string{"one", "two"}))
	assert.NotEqual(t, a, Fingerprint("gpt-4o-mini", MaxChars, []string{"one"}))
}

func TestSanitize(t *testing.T) {
	cases := map[string]struct {
		in, want string
	}{
		"plain":        {"Fix login flow", "Fix login flow"},
		"quoted":       {`"Fix login flow"`, "Fix login flow"},
		"multiline":    {"First line\nsecond line", "First line"},
		"padded":       {"  spaced out  \n", "spaced out"},
		"long runes":   {strings.Repeat("é", 100), strings.Repeat("é", 80)},
		"empty":        {"", ""},
		"only newline": {"\n\n", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestGenerateWithoutCredentials(t *testing.T) {
	g := New(Deps{
		OpenAIKey:    func() string { return "" },
		AccountReady: func() bool { return false },
	})
	_, err := g.Generate(context.Background(), []string{"anything"})
	require.Error(t, err)
	assert.Equal(t, huberr.CodeConfig, huberr.CodeOf(err))
	assert.Equal(t, NoCredentialsMessage, huberr.DetailOf(err))
}

func TestGenerateViaAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"\"Refactor auth layer\"\nextra"}}]}`))
	}))
	defer srv.Close()

	g := New(Deps{
		Model:      "gpt-4o-mini",
		APIBaseURL: srv.URL,
		OpenAIKey:  func() string { return "sk-test" },
	})
	title, err := g.Generate(context.Background(), []string{"refactor the auth layer"})
	require.NoError(t, err)
	assert.Equal(t, "Refactor auth layer", title)
}

func TestGenerateAPIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := New(Deps{APIBaseURL: srv.URL, OpenAIKey: func() string { return "sk" }})
	_, err := g.Generate(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, huberr.CodeUpstream, huberr.CodeOf(err))
	assert.Contains(t, huberr.DetailOf(err), "429")
}

func TestGenerateAPINoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	g := New(Deps{APIBaseURL: srv.URL, OpenAIKey: func() string { return "sk" }})
	_, err := g.Generate(context.Background(), []string{"x"})
	assert.Equal(t, huberr.CodeUpstream, huberr.CodeOf(err))
}

func TestGenerateViaCodex(t *testing.T) {
	var gotEnv []string
	runner := gitutil.RunnerFunc(func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		gotEnv = env
		require.Equal(t, "codex", name)
		out := ""
		for i, a := range args {
			if a == "--output-last-message" && i+1 < len(args) {
				out = args[i+1]
			}
		}
		require.NotEmpty(t, out)
		return "", os.WriteFile(out, []byte("Sketch data model\n"), 0o644)
	})

	g := New(Deps{
		OpenAIKey:    func() string { return "" },
		AccountReady: func() bool { return true },
		CodexHome:    "/data/codex-home",
		Runner:       runner,
		TmpDir:       t.TempDir(),
	})
	title, err := g.Generate(context.Background(), []string{"sketch the data model"})
	require.NoError(t, err)
	assert.Equal(t, "Sketch data model", title)
	assert.Contains(t, gotEnv, "CODEX_HOME=/data/codex-home")
}

func TestGenerateCodexFailureKeepsLastLine(t *testing.T) {
	runner := gitutil.RunnerFunc(func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		return "booting\nerror: not logged in\n", errors.New("exit status 1")
	})
	g := New(Deps{
		OpenAIKey:    func() string { return "" },
		AccountReady: func() bool { return true },
		Runner:       runner,
		TmpDir:       t.TempDir(),
	})
	_, err := g.Generate(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, huberr.CodeUpstream, huberr.CodeOf(err))
	assert.Contains(t, huberr.DetailOf(err), "not logged in")
}

func titleStore(t *testing.T, prompts []string) *state.Store {
	t.Helper()
	store, err := state.NewStore(t.TempDir() + "/state.json")
	require.NoError(t, err)
	_, err = store.Mutate("seed", func(s *state.State) error {
		s.Projects = append(s.Projects, &state.Project{
			ID: "proj-1", RepoURL: "https://example.com/r.git",
			BaseImageMode: state.BaseImageTag, BuildStatus: state.BuildReady,
			Binding: state.CredentialBinding{Mode: state.BindingAuto},
		})
		s.Chats = append(s.Chats, &state.Chat{
			ID: "chat-1", ProjectID: "proj-1",
			AgentType: state.AgentCodex, Status: state.ChatRunning,
			TitleUserPrompts: prompts,
		})
		return nil
	})
	require.NoError(t, err)
	return store
}

func TestTriggerRecordsReadyTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Wire up billing"}}]}`))
	}))
	defer srv.Close()

	store := titleStore(t, []string{"wire up billing"})
	g := New(Deps{
		Store:      store,
		Model:      "gpt-4o-mini",
		APIBaseURL: srv.URL,
		OpenAIKey:  func() string { return "sk" },
	})

	g.Trigger("chat-1")
	require.Eventually(t, func() bool {
		return store.Snapshot().ChatByID("chat-1").TitleStatus == state.TitleReady
	}, 5*time.Second, 10*time.Millisecond)

	c := store.Snapshot().ChatByID("chat-1")
	assert.Equal(t, "Wire up billing", c.TitleCached)
	assert.Equal(t, Fingerprint("gpt-4o-mini", MaxChars, []string{"wire up billing"}), c.TitlePromptFingerprint)
	assert.Empty(t, c.TitleError)
}

func TestPassSkipsWhenFingerprintMatches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"T"}}]}`))
	}))
	defer srv.Close()

	store := titleStore(t, []string{"same prompt"})
	g := New(Deps{Store: store, Model: "m", APIBaseURL: srv.URL, OpenAIKey: func() string { return "sk" }})

	g.pass("chat-1")
	g.pass("chat-1")
	assert.Equal(t, int32(1), hits.Load(), "unchanged prompts must not rerun the backend")
}

func TestPassRecordsCredentialError(t *testing.T) {
	store := titleStore(t, []string{"needs creds"})
	g := New(Deps{
		Store:        store,
		OpenAIKey:    func() string { return "" },
		AccountReady: func() bool { return false },
	})

	g.pass("chat-1")
	c := store.Snapshot().ChatByID("chat-1")
	assert.Equal(t, state.TitleError, c.TitleStatus)
	assert.Equal(t, NoCredentialsMessage, c.TitleError)
}

func TestPassIgnoresUnknownChatAndEmptyPrompts(t *testing.T) {
	store := titleStore(t, nil)
	g := New(Deps{Store: store, OpenAIKey: func() string { return "" }})

	g.pass("chat-1")
	g.pass("no-such-chat")
	assert.Equal(t, state.TitleIdle, store.Snapshot().ChatByID("chat-1").TitleStatus)
}
