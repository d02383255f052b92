package build

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/config"
	"agenthub/internal/events"
	"agenthub/internal/gitutil"
	"agenthub/internal/identity"
	"agenthub/internal/state"
)

type fakeImages struct {
	mu     sync.Mutex
	exists map[string]bool
}

func (f *fakeImages) ImageExists(ctx context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[tag], nil
}

func (f *fakeImages) set(tag string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exists == nil {
		f.exists = map[string]bool{}
	}
	f.exists[tag] = ok
}

// fakeRunner answers git and docker invocations with canned output.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if name == "git" && len(args) > 0 && args[0] == "rev-parse" {
		return "feedface00\n", nil
	}
	return "", nil
}

func (f *fakeRunner) sawSubcommand(name, sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c[0] == name && len(c) > 1 && c[1] == sub {
			return true
		}
	}
	return false
}

type preparerFunc func(ctx context.Context, argv []string, out io.Writer) error

func (f preparerFunc) Run(ctx context.Context, argv []string, out io.Writer) error {
	return f(ctx, argv, out)
}

func builderFixture(t *testing.T, prep Preparer) (*Builder, *state.Store, *fakeRunner, *fakeImages) {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir(), ContainerNamespace: "agent-hub"}
	require.NoError(t, cfg.EnsureDirs())

	store, err := state.NewStore(cfg.StatePath())
	require.NoError(t, err)

	runner := &fakeRunner{}
	images := &fakeImages{}
	b := New(Deps{
		Cfg:      cfg,
		Store:    store,
		Bus:      events.NewBus(),
		Images:   images,
		Runner:   runner,
		Identity: identity.Identity{UID: 1000, GID: 1000, Username: "agent"},
		Preparer: prep,
	})
	return b, store, runner, images
}

func addProject(t *testing.T, store *state.Store, mutate func(*state.Project)) *state.Project {
	t.Helper()
	p := &state.Project{
		ID:             "proj-0001",
		Name:           "demo",
		RepoURL:        "https://example.com/acme/demo.git",
		DefaultBranch:  "main",
		BaseImageMode:  state.BaseImageTag,
		BaseImageValue: "ubuntu:24.04",
		BuildStatus:    state.BuildPending,
		Binding:        state.CredentialBinding{Mode: state.BindingAuto},
	}
	if mutate != nil {
		mutate(p)
	}
	_, err := store.Mutate("project_created", func(s *state.State) error {
		s.Projects = append(s.Projects, p)
		return nil
	})
	require.NoError(t, err)
	return p
}

func waitForStatus(t *testing.T, store *state.Store, projectID string, want state.BuildStatus) *state.Project {
	t.Helper()
	var got *state.Project
	require.Eventually(t, func() bool {
		got = store.Snapshot().ProjectByID(projectID)
		return got != nil && got.BuildStatus == want
	}, 5*time.Second, 10*time.Millisecond, "want status %s, have %+v", want, got)
	return got
}

func TestBuildCommitsSnapshotAndRecordsReady(t *testing.T) {
	var prepared [][]string
	var mu sync.Mutex
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error {
		mu.Lock()
		prepared = append(prepared, argv)
		mu.Unlock()
		_, _ = out.Write([]byte("setup ok\n"))
		return nil
	})
	b, store, runner, _ := builderFixture(t, prep)
	p := addProject(t, store, nil)

	b.Schedule(p.ID)
	got := waitForStatus(t, store, p.ID, state.BuildReady)

	assert.Equal(t, "feedface00", got.RepoHeadSHA)
	assert.True(t, strings.HasPrefix(got.SetupSnapshotImage, "agent-hub-setup-proj-000"), got.SetupSnapshotImage)
	assert.NotNil(t, got.BuildFinishedAt)
	assert.Empty(t, got.BuildError)

	assert.True(t, runner.sawSubcommand("docker", "commit"), "snapshot must be committed")
	assert.True(t, runner.sawSubcommand("git", "clone"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prepared, 1)
	assert.Contains(t, prepared[0], "--init")
	assert.NotContains(t, prepared[0], "--rm")
}

func TestBuildSkipsPrepareWhenImageExists(t *testing.T) {
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error {
		t.Error("preparer must not run when the snapshot image already exists")
		return nil
	})
	b, store, runner, images := builderFixture(t, prep)
	p := addProject(t, store, nil)

	tag := InputsFor(p, "main", "feedface00", "").Tag()
	images.set(tag, true)

	b.Schedule(p.ID)
	got := waitForStatus(t, store, p.ID, state.BuildReady)
	assert.Equal(t, tag, got.SetupSnapshotImage)
	assert.False(t, runner.sawSubcommand("docker", "commit"))
}

func TestBuildFailureRecordsLastLine(t *testing.T) {
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error {
		_, _ = out.Write([]byte("step 1 ok\nmake: *** [deps] Error 2\n"))
		return errors.New("exit status 2")
	})
	b, store, _, _ := builderFixture(t, prep)
	p := addProject(t, store, nil)

	b.Schedule(p.ID)
	got := waitForStatus(t, store, p.ID, state.BuildFailed)
	assert.Contains(t, got.BuildError, "make: *** [deps] Error 2")
}

func TestBuildCancelMarksCancelled(t *testing.T) {
	started := make(chan struct{})
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	b, store, _, _ := builderFixture(t, prep)
	p := addProject(t, store, nil)

	b.Schedule(p.ID)
	<-started
	require.NoError(t, b.Cancel(p.ID))

	got := waitForStatus(t, store, p.ID, state.BuildCancelled)
	assert.Equal(t, "PROJECT_BUILD_CANCELLED_ERROR", got.BuildError)
}

func TestCancelWithoutBuildIsNotFound(t *testing.T) {
	b, _, _, _ := builderFixture(t, preparerFunc(func(context.Context, []string, io.Writer) error { return nil }))
	assert.Error(t, b.Cancel("nope"))
}

func TestBuildRecordsResolvedBranchWhenEmpty(t *testing.T) {
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error { return nil })
	cfg := &config.Config{DataDir: t.TempDir(), ContainerNamespace: "agent-hub"}
	require.NoError(t, cfg.EnsureDirs())
	store, err := state.NewStore(cfg.StatePath())
	require.NoError(t, err)

	runner := gitutil.RunnerFunc(func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		if name == "git" && len(args) > 0 {
			switch args[0] {
			case "ls-remote":
				return "ref: refs/heads/trunk\tHEAD\nfeedface00\tHEAD\n", nil
			case "rev-parse":
				return "feedface00\n", nil
			}
		}
		return "", nil
	})
	b := New(Deps{
		Cfg: cfg, Store: store, Bus: events.NewBus(),
		Images: &fakeImages{}, Runner: runner,
		Identity: identity.Identity{UID: 1000, GID: 1000},
		Preparer: prep,
	})
	p := addProject(t, store, func(p *state.Project) { p.DefaultBranch = "" })

	b.Schedule(p.ID)
	got := waitForStatus(t, store, p.ID, state.BuildReady)
	assert.Equal(t, "trunk", got.DefaultBranch)
}

func TestReconcileAllReschedulesStaleReady(t *testing.T) {
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error { return nil })
	b, store, _, _ := builderFixture(t, prep)
	p := addProject(t, store, func(p *state.Project) {
		p.BuildStatus = state.BuildReady
		p.SetupSnapshotImage = "agent-hub-setup-proj-000-0000000000000000" // stale tag
		p.RepoHeadSHA = "feedface00"
	})

	b.ReconcileAll(context.Background())
	require.Eventually(t, func() bool {
		got := store.Snapshot().ProjectByID(p.ID)
		return got.BuildStatus == state.BuildReady &&
			got.SetupSnapshotImage != "agent-hub-setup-proj-000-0000000000000000"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconcileAllLeavesFreshReadyAlone(t *testing.T) {
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error {
		t.Error("fresh ready project must not rebuild")
		return nil
	})
	b, store, _, images := builderFixture(t, prep)
	p := addProject(t, store, func(p *state.Project) {
		p.BuildStatus = state.BuildReady
		p.RepoHeadSHA = "feedface00"
	})
	tag := InputsFor(p, "main", "feedface00", "").Tag()
	_, err := store.Mutate("seed", func(s *state.State) error {
		s.ProjectByID(p.ID).SetupSnapshotImage = tag
		return nil
	})
	require.NoError(t, err)
	images.set(tag, true)

	b.ReconcileAll(context.Background())
	time.Sleep(50 * time.Millisecond)
	got := store.Snapshot().ProjectByID(p.ID)
	assert.Equal(t, state.BuildReady, got.BuildStatus)
	assert.Equal(t, tag, got.SetupSnapshotImage)
}

func TestBuildLogFileIsWritten(t *testing.T) {
	prep := preparerFunc(func(ctx context.Context, argv []string, out io.Writer) error {
		_, _ = out.Write([]byte("installing deps\n"))
		return nil
	})
	cfg := &config.Config{DataDir: t.TempDir(), ContainerNamespace: "agent-hub"}
	require.NoError(t, cfg.EnsureDirs())
	store, err := state.NewStore(cfg.StatePath())
	require.NoError(t, err)
	b := New(Deps{
		Cfg: cfg, Store: store, Bus: events.NewBus(),
		Images: &fakeImages{}, Runner: &fakeRunner{},
		Identity: identity.Identity{UID: 1000, GID: 1000},
		Preparer: prep,
	})
	p := addProject(t, store, nil)

	b.Schedule(p.ID)
	waitForStatus(t, store, p.ID, state.BuildReady)

	logPath := filepath.Join(cfg.LogsDir(), "project-build-"+p.ID+".log")
	assert.FileExists(t, logPath)
}
