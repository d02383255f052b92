package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/events"
	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
	"agenthub/internal/identity"
	"agenthub/internal/launch"
	"agenthub/internal/state"
	"agenthub/internal/telemetry"
)

const killGrace = 4 * time.Second

// ImageStore is the container-runtime view the builder needs.
type ImageStore interface {
	ImageExists(ctx context.Context, tag string) (bool, error)
}

// GitEnvFunc resolves the git credential env for a repo, or nil when the
// repo needs none.
type GitEnvFunc func(ctx context.Context, contextKey, repoURL string) ([]string, error)

// Preparer runs one snapshot-prepare command, streaming combined output.
type Preparer interface {
	Run(ctx context.Context, argv []string, out io.Writer) error
}

// ExecPreparer is the production Preparer: own process group, SIGTERM on
// cancel, SIGKILL after the grace period.
type ExecPreparer struct{}

func (ExecPreparer) Run(ctx context.Context, argv []string, out io.Writer) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start prepare command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return ctx.Err()
	}
}

// Deps wires the builder into the rest of the hub.
type Deps struct {
	Cfg       *config.Config
	Store     *state.Store
	Bus       *events.Bus
	Images    ImageStore
	Runner    gitutil.Runner
	GitEnv    GitEnvFunc
	Identity  identity.Identity
	RuntimeFP func() string
	Preparer  Preparer
}

// Builder owns at most one in-flight build per project.
type Builder struct {
	deps Deps

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type job struct {
	cancel    context.CancelFunc
	cancelled bool
	rerun     bool
}

func New(deps Deps) *Builder {
	if deps.Preparer == nil {
		deps.Preparer = ExecPreparer{}
	}
	if deps.RuntimeFP == nil {
		deps.RuntimeFP = func() string { return "" }
	}
	return &Builder{deps: deps, jobs: make(map[string]*job)}
}

// Schedule enqueues a build for the project. If one is already in flight the
// worker reruns after the current pass completes.
func (b *Builder) Schedule(projectID string) {
	b.mu.Lock()
	if j, ok := b.jobs[projectID]; ok {
		j.rerun = true
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel}
	b.jobs[projectID] = j
	b.wg.Add(1)
	b.mu.Unlock()

	telemetry.BuildsStarted.Inc()
	go b.run(ctx, projectID, j)
}

// Cancel requests cooperative cancellation of the project's in-flight build.
func (b *Builder) Cancel(projectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[projectID]
	if !ok {
		return huberr.NotFound("no build in flight for project %s", projectID)
	}
	j.cancelled = true
	j.rerun = false
	j.cancel()
	return nil
}

// Stop cancels every in-flight build and waits for the workers, bounded by
// the context deadline.
func (b *Builder) Stop(ctx context.Context) {
	b.mu.Lock()
	for _, j := range b.jobs {
		j.cancelled = true
		j.rerun = false
		j.cancel()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ReconcileAll makes one scheduler pass over every project: interrupted
// builds resume, and ready projects whose snapshot tag no longer matches the
// fingerprint (or whose image disappeared) drop back to pending.
func (b *Builder) ReconcileAll(ctx context.Context) {
	snap := b.deps.Store.Snapshot()
	for _, p := range snap.Projects {
		switch p.BuildStatus {
		case state.BuildPending, state.BuildBuilding:
			b.Schedule(p.ID)
		case state.BuildReady:
			if b.readyIsStale(ctx, p) {
				pid := p.ID
				_, err := b.deps.Store.Mutate("build_stale", func(s *state.State) error {
					if cur := s.ProjectByID(pid); cur != nil {
						cur.BuildStatus = state.BuildPending
						cur.UpdatedAt = time.Now().UTC()
					}
					return nil
				})
				if err == nil {
					b.Schedule(pid)
				}
			}
		}
	}
}

func (b *Builder) readyIsStale(ctx context.Context, p *state.Project) bool {
	want := InputsFor(p, p.DefaultBranch, p.RepoHeadSHA, b.deps.RuntimeFP()).Tag()
	if p.SetupSnapshotImage != want {
		return true
	}
	exists, err := b.deps.Images.ImageExists(ctx, p.SetupSnapshotImage)
	if err != nil {
		slog.Warn("Could not check snapshot image, leaving project ready",
			"project_id", p.ID, "error", err)
		return false
	}
	return !exists
}

func (b *Builder) run(ctx context.Context, projectID string, j *job) {
	defer func() {
		b.mu.Lock()
		rerun := j.rerun && !j.cancelled
		delete(b.jobs, projectID)
		b.mu.Unlock()
		b.wg.Done()
		if rerun {
			b.Schedule(projectID)
		}
	}()

	outcome := b.build(ctx, projectID, j)
	telemetry.BuildsFinished.WithLabelValues(outcome).Inc()
}

// build executes one pass of the worker loop and returns the outcome label.
func (b *Builder) build(ctx context.Context, projectID string, j *job) string {
	snap := b.deps.Store.Snapshot()
	p := snap.ProjectByID(projectID)
	if p == nil {
		return "skipped"
	}
	if p.BuildStatus != state.BuildPending && p.BuildStatus != state.BuildBuilding {
		return "skipped"
	}

	if _, err := b.deps.Store.Mutate("build_started", func(s *state.State) error {
		cur := s.ProjectByID(projectID)
		if cur == nil {
			return huberr.NotFound("project %s vanished", projectID)
		}
		now := time.Now().UTC()
		cur.BuildStatus = state.BuildBuilding
		cur.BuildStartedAt = &now
		cur.BuildError = ""
		cur.UpdatedAt = now
		return nil
	}); err != nil {
		return "skipped"
	}

	tag, headSHA, branch, err := b.prepare(ctx, p, j)
	if b.isCancelled(j) {
		b.finishCancelled(projectID)
		return "cancelled"
	}
	if err != nil {
		b.finishFailed(projectID, err)
		return "failed"
	}

	// A concurrent edit may have changed the fingerprint inputs while the
	// setup script ran; a mismatch means this build is superseded.
	cur := b.deps.Store.Snapshot().ProjectByID(projectID)
	if cur == nil {
		return "skipped"
	}
	curBranch := cur.DefaultBranch
	if curBranch == "" {
		curBranch = branch
	}
	if InputsFor(cur, curBranch, headSHA, b.deps.RuntimeFP()).Tag() != tag {
		_, _ = b.deps.Store.Mutate("build_superseded", func(s *state.State) error {
			if sp := s.ProjectByID(projectID); sp != nil {
				sp.BuildStatus = state.BuildPending
				sp.UpdatedAt = time.Now().UTC()
			}
			return nil
		})
		b.mu.Lock()
		j.rerun = true
		b.mu.Unlock()
		return "superseded"
	}

	_, err = b.deps.Store.Mutate("build_ready", func(s *state.State) error {
		sp := s.ProjectByID(projectID)
		if sp == nil {
			return huberr.NotFound("project %s vanished", projectID)
		}
		now := time.Now().UTC()
		sp.BuildStatus = state.BuildReady
		sp.SetupSnapshotImage = tag
		sp.RepoHeadSHA = headSHA
		if sp.DefaultBranch == "" {
			sp.DefaultBranch = branch
		}
		sp.BuildFinishedAt = &now
		sp.UpdatedAt = now
		return nil
	})
	if err != nil {
		return "failed"
	}
	slog.Info("Project build finished", "project_id", projectID, "tag", tag)
	return "ready"
}

// prepare does the clone/sync/run/commit sequence and returns the built tag.
func (b *Builder) prepare(ctx context.Context, p *state.Project, j *job) (tag, headSHA, branch string, err error) {
	env, err := b.resolveGitEnv(ctx, p)
	if err != nil {
		return "", "", "", err
	}
	git := gitutil.Git{Runner: b.deps.Runner, Env: env}
	ws := b.deps.Cfg.ProjectWorkspace(p.ID)

	if err := git.EnsureClone(ctx, ws, p.RepoURL); err != nil {
		return "", "", "", err
	}
	branch = p.DefaultBranch
	if branch == "" {
		branch, err = git.RemoteDefaultBranch(ctx, p.RepoURL)
		if err != nil {
			return "", "", "", err
		}
		if branch == "" {
			return "", "", "", huberr.Config("default branch for %s is not determinable", p.RepoURL)
		}
	}
	if err := git.HardSync(ctx, ws, branch); err != nil {
		return "", "", "", err
	}
	headSHA, err = git.HeadSHA(ctx, ws)
	if err != nil {
		return "", "", "", err
	}

	tag = InputsFor(p, branch, headSHA, b.deps.RuntimeFP()).Tag()
	if exists, checkErr := b.deps.Images.ImageExists(ctx, tag); checkErr == nil && exists {
		return tag, headSHA, branch, nil
	}

	logFile, err := os.OpenFile(b.deps.Cfg.BuildLogPath(p.ID),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to open build log: %w", err)
	}
	defer logFile.Close()
	w := &logStream{file: logFile, bus: b.deps.Bus, projectID: p.ID}

	base, err := b.baseImage(ctx, p, ws, w)
	if err != nil {
		return "", "", "", err
	}

	containerName := b.deps.Cfg.ContainerName("build", shortID(p.ID))
	_, _ = b.deps.Runner.Run(ctx, "", nil, "docker", "rm", "-f", containerName)

	script := p.SetupScript
	if script == "" {
		script = "true"
	}
	argv := launch.Compile(launch.Spec{
		Workspace:           ws,
		SnapshotTag:         base,
		LocalUID:            b.deps.Identity.UID,
		LocalGID:            b.deps.Identity.GID,
		SupplementaryGIDs:   b.deps.Identity.SupplementaryGIDs,
		ROMounts:            p.DefaultROMounts,
		RWMounts:            p.DefaultRWMounts,
		EnvVars:             p.DefaultEnvVars,
		ContainerName:       containerName,
		TmpHostPath:         b.deps.Cfg.TmpHostPath,
		PrepareSnapshotOnly: true,
		SetupScript:         script,
	})

	if err := b.deps.Preparer.Run(ctx, argv, w); err != nil {
		_, _ = b.deps.Runner.Run(context.Background(), "", nil, "docker", "rm", "-f", containerName)
		if b.isCancelled(j) {
			return "", "", "", err
		}
		return "", "", "", fmt.Errorf("setup script failed: %s: %w", w.lastLine(), err)
	}

	if out, err := b.deps.Runner.Run(ctx, "", nil, "docker", "commit", containerName, tag); err != nil {
		_, _ = b.deps.Runner.Run(context.Background(), "", nil, "docker", "rm", "-f", containerName)
		return "", "", "", fmt.Errorf("docker commit failed: %s: %w", gitutil.LastLine(out), err)
	}
	_, _ = b.deps.Runner.Run(context.Background(), "", nil, "docker", "rm", "-f", containerName)
	return tag, headSHA, branch, nil
}

// baseImage resolves the base image to run the setup script in. repo_path
// mode builds the image from a Dockerfile inside the checkout first.
func (b *Builder) baseImage(ctx context.Context, p *state.Project, ws string, w *logStream) (string, error) {
	switch p.BaseImageMode {
	case state.BaseImageRepoPath:
		if p.BaseImageValue == "" {
			return "", huberr.Config("base_image_mode repo_path needs a Dockerfile path")
		}
		baseTag := fmt.Sprintf("agent-hub-base-%s", shortID(p.ID))
		argv := []string{"docker", "build", "-t", baseTag, "-f", ws + "/" + p.BaseImageValue, ws}
		if err := b.deps.Preparer.Run(ctx, argv, w); err != nil {
			return "", fmt.Errorf("base image build failed: %s: %w", w.lastLine(), err)
		}
		return baseTag, nil
	default:
		if p.BaseImageValue == "" {
			return "", huberr.Config("project %s has no base image", p.ID)
		}
		return p.BaseImageValue, nil
	}
}

func (b *Builder) resolveGitEnv(ctx context.Context, p *state.Project) ([]string, error) {
	if b.deps.GitEnv == nil {
		return nil, nil
	}
	return b.deps.GitEnv(ctx, "project:"+p.ID, p.RepoURL)
}

func (b *Builder) isCancelled(j *job) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return j.cancelled
}

func (b *Builder) finishCancelled(projectID string) {
	_, _ = b.deps.Store.Mutate("build_cancelled", func(s *state.State) error {
		if p := s.ProjectByID(projectID); p != nil {
			now := time.Now().UTC()
			p.BuildStatus = state.BuildCancelled
			p.BuildError = "PROJECT_BUILD_CANCELLED_ERROR"
			p.BuildFinishedAt = &now
			p.UpdatedAt = now
		}
		return nil
	})
	slog.Info("Project build cancelled", "project_id", projectID)
}

func (b *Builder) finishFailed(projectID string, buildErr error) {
	_, _ = b.deps.Store.Mutate("build_failed", func(s *state.State) error {
		if p := s.ProjectByID(projectID); p != nil {
			now := time.Now().UTC()
			p.BuildStatus = state.BuildFailed
			p.BuildError = buildErr.Error()
			p.BuildFinishedAt = &now
			p.UpdatedAt = now
		}
		return nil
	})
	slog.Warn("Project build failed", "project_id", projectID, "error", buildErr)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// logStream tees build output into the log file and onto the event bus.
type logStream struct {
	file      io.Writer
	bus       *events.Bus
	projectID string

	mu   sync.Mutex
	tail []byte
}

// BuildLogPayload is the project_build_log event payload.
type BuildLogPayload struct {
	ProjectID string `json:"project_id"`
	Text      string `json:"text"`
}

func (w *logStream) Write(p []byte) (int, error) {
	if _, err := w.file.Write(p); err != nil {
		return 0, err
	}
	if w.bus != nil {
		w.bus.Publish(events.TypeProjectBuildLog, BuildLogPayload{
			ProjectID: w.projectID,
			Text:      string(p),
		})
	}
	w.mu.Lock()
	w.tail = append(w.tail, p...)
	if len(w.tail) > 4096 {
		w.tail = w.tail[len(w.tail)-4096:]
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *logStream) lastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return gitutil.LastLine(string(w.tail))
}
