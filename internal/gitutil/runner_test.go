package gitutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	dir  string
	args []string
}

func recordingRunner(calls *[]call, out string, err error) RunnerFunc {
	return func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		*calls = append(*calls, call{dir: dir, args: append([]string{name}, args...)})
		return out, err
	}
}

func TestEnsureCloneSkipsExistingCheckout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))

	var calls []call
	g := Git{Runner: recordingRunner(&calls, "", nil)}
	require.NoError(t, g.EnsureClone(context.Background(), dir, "https://example.com/r.git"))
	assert.Empty(t, calls)
}

func TestEnsureCloneRunsGitClone(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	var calls []call
	g := Git{Runner: recordingRunner(&calls, "", nil), Env: []string{"GIT_TERMINAL_PROMPT=0"}}

	require.NoError(t, g.EnsureClone(context.Background(), dir, "https://example.com/r.git"))
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"git", "clone", "https://example.com/r.git", dir}, calls[0].args)
	assert.DirExists(t, dir)
}

func TestEnsureCloneWrapsFailureWithLastLine(t *testing.T) {
	var calls []call
	g := Git{Runner: recordingRunner(&calls, "Cloning...\nfatal: repository not found\n", errors.New("exit status 128"))}

	err := g.EnsureClone(context.Background(), filepath.Join(t.TempDir(), "ws"), "https://example.com/r.git")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal: repository not found")
}

func TestHardSyncSequence(t *testing.T) {
	var calls []call
	g := Git{Runner: recordingRunner(&calls, "", nil)}

	require.NoError(t, g.HardSync(context.Background(), "/ws", "main"))
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"git", "fetch", "--prune", "origin"}, calls[0].args)
	assert.Equal(t, []string{"git", "checkout", "--force", "main"}, calls[1].args)
	assert.Equal(t, []string{"git", "reset", "--hard", "origin/main"}, calls[2].args)
	assert.Equal(t, []string{"git", "clean", "-fdx"}, calls[3].args)
	for _, c := range calls {
		assert.Equal(t, "/ws", c.dir)
	}
}

func TestHeadSHATrims(t *testing.T) {
	var calls []call
	g := Git{Runner: recordingRunner(&calls, "feedface00\n", nil)}

	sha, err := g.HeadSHA(context.Background(), "/ws")
	require.NoError(t, err)
	assert.Equal(t, "feedface00", sha)
}

func TestRemoteDefaultBranch(t *testing.T) {
	var calls []call
	out := "ref: refs/heads/trunk\tHEAD\nfeedface00\tHEAD\n"
	g := Git{Runner: recordingRunner(&calls, out, nil)}

	branch, err := g.RemoteDefaultBranch(context.Background(), "https://example.com/r.git")
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"git", "ls-remote", "--symref", "https://example.com/r.git", "HEAD"}, calls[0].args)
}

func TestRemoteDefaultBranchNoSymref(t *testing.T) {
	var calls []call
	g := Git{Runner: recordingRunner(&calls, "feedface00\tHEAD\n", nil)}

	branch, err := g.RemoteDefaultBranch(context.Background(), "https://example.com/r.git")
	require.NoError(t, err)
	assert.Empty(t, branch)
}

func TestProbeFailure(t *testing.T) {
	var calls []call
	g := Git{Runner: recordingRunner(&calls, "remote: HTTP 401\n", errors.New("exit status 128"))}

	err := g.Probe(context.Background(), "https://example.com/r.git")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "final", LastLine("first\nfinal\n"))
	assert.Equal(t, "only", LastLine("only"))
	assert.Equal(t, "kept", LastLine("kept\n   \n\n"))
	assert.Empty(t, LastLine("\n\n"))
	assert.Empty(t, LastLine(""))
}
