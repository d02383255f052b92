// Package autoconfig runs one-shot repository analysis: clone into a temp
// workspace, run an ephemeral analysis agent, and turn its final JSON message
// into a normalized project recipe.
package autoconfig

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/build"
	"agenthub/internal/config"
	"agenthub/internal/events"
	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
	"agenthub/internal/identity"
	"agenthub/internal/launch"
	"agenthub/internal/state"
	"agenthub/internal/tokens"
)

const lastMessageFile = ".agent-hub-last-message.txt"

const analysisPrompt = `Inspect the repository mounted at /workspace and answer with a single JSON object
describing how to containerize it for development:
{"name": ..., "base_image_mode": "tag"|"repo_path", "base_image_value": ...,
 "setup_script": ..., "default_ro_mounts": [...], "default_rw_mounts": [...],
 "default_env_vars": [...], "notes": ...}
Answer with the JSON object only.`

// Deps wires the worker into the hub.
type Deps struct {
	Cfg      *config.Config
	Bus      *events.Bus
	Runner   gitutil.Runner
	GitEnv   build.GitEnvFunc
	Identity identity.Identity
	Sessions *tokens.SessionStore
	Preparer build.Preparer
	// AnalysisImage is the container image the analysis agent runs in.
	AnalysisImage string
}

// Worker runs auto-configure jobs keyed by request id.
type Worker struct {
	deps Deps

	mu   sync.Mutex
	jobs map[string]*acJob
}

type acJob struct {
	cancel    context.CancelFunc
	cancelled bool
}

// LogPayload is the auto_config_log event payload. Done marks the final
// event, which carries either the recipe or the error.
type LogPayload struct {
	RequestID string  `json:"request_id"`
	Text      string  `json:"text,omitempty"`
	Done      bool    `json:"done,omitempty"`
	Recipe    *Recipe `json:"recipe,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func NewWorker(deps Deps) *Worker {
	if deps.Preparer == nil {
		deps.Preparer = build.ExecPreparer{}
	}
	return &Worker{deps: deps, jobs: make(map[string]*acJob)}
}

// Start launches analysis of repoURL and returns the request id. Progress
// and the final result arrive as auto_config_log events.
func (w *Worker) Start(repoURL, requestID string) (string, error) {
	if repoURL == "" {
		return "", huberr.BadRequest("repo_url is required")
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	w.mu.Lock()
	if _, ok := w.jobs[requestID]; ok {
		w.mu.Unlock()
		return "", huberr.Conflict("auto-configure request %s is already running", requestID)
	}
	timeout := time.Duration(w.deps.Cfg.AutoConfigTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	j := &acJob{cancel: cancel}
	w.jobs[requestID] = j
	w.mu.Unlock()

	go func() {
		defer cancel()
		recipe, err := w.run(ctx, repoURL, requestID, j)

		w.mu.Lock()
		cancelled := j.cancelled
		delete(w.jobs, requestID)
		w.mu.Unlock()

		payload := LogPayload{RequestID: requestID, Done: true}
		switch {
		case cancelled:
			payload.Error = "auto-configure cancelled"
		case err != nil:
			payload.Error = huberr.DetailOf(err)
			slog.Warn("Auto-configure failed", "request_id", requestID, "error", err)
		default:
			payload.Recipe = &recipe
		}
		w.deps.Bus.Publish(events.TypeAutoConfigLog, payload)
	}()
	return requestID, nil
}

// Cancel requests cooperative cancellation of a running job.
func (w *Worker) Cancel(requestID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.jobs[requestID]
	if !ok {
		return huberr.NotFound("no auto-configure request %s", requestID)
	}
	j.cancelled = true
	j.cancel()
	return nil
}

func (w *Worker) run(ctx context.Context, repoURL, requestID string, j *acJob) (Recipe, error) {
	workDir, err := os.MkdirTemp(w.deps.Cfg.TmpDir(), "autoconf-*")
	if err != nil {
		return Recipe{}, fmt.Errorf("failed to create analysis workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	var env []string
	if w.deps.GitEnv != nil {
		env, err = w.deps.GitEnv(ctx, "autoconf:"+requestID, repoURL)
		if err != nil {
			return Recipe{}, err
		}
	}
	if w.cancelled(j) {
		return Recipe{}, ctx.Err()
	}

	git := gitutil.Git{Runner: w.deps.Runner, Env: env}
	w.log(requestID, "Cloning "+repoURL+"\n")
	if err := git.EnsureClone(ctx, workDir, repoURL); err != nil {
		return Recipe{}, err
	}
	if w.cancelled(j) {
		return Recipe{}, ctx.Err()
	}

	sess, agentTok, _, err := w.deps.Sessions.Create("", repoURL, state.CredentialBinding{Mode: state.BindingAuto})
	if err != nil {
		return Recipe{}, err
	}
	defer w.deps.Sessions.Delete(sess.ID)
	_ = w.deps.Sessions.Update(sess.ID, func(s *tokens.Session) error {
		s.Workspace = workDir
		return nil
	})

	containerName := w.deps.Cfg.ContainerName("autoconf", sess.ID[:8])
	argv := launch.Compile(launch.Spec{
		Workspace:         workDir,
		SnapshotTag:       w.deps.AnalysisImage,
		AgentCommand:      "codex",
		LocalUID:          w.deps.Identity.UID,
		LocalGID:          w.deps.Identity.GID,
		SupplementaryGIDs: w.deps.Identity.SupplementaryGIDs,
		EnvVars: []string{
			"AGENT_HUB_AGENT_TOOLS_URL=" + w.deps.Cfg.PublishBaseURL,
			"AGENT_HUB_AGENT_TOOLS_TOKEN=" + agentTok.Plain,
		},
		ExtraArgs: []string{
			"exec", "--sandbox", "read-only",
			"--output-last-message", launch.ContainerWorkspace + "/" + lastMessageFile,
			analysisPrompt,
		},
		ContainerName: containerName,
		TmpHostPath:   w.deps.Cfg.TmpHostPath,
	})

	if w.cancelled(j) {
		return Recipe{}, ctx.Err()
	}
	w.log(requestID, "Running repository analysis\n")
	if err := w.deps.Preparer.Run(ctx, argv, w.logWriter(requestID)); err != nil {
		if w.cancelled(j) {
			return Recipe{}, ctx.Err()
		}
		return Recipe{}, huberr.Upstream("analysis agent failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(workDir, lastMessageFile))
	if err != nil {
		return Recipe{}, huberr.Upstream("analysis agent wrote no final message")
	}
	recipe, err := ParseLastMessage(string(raw))
	if err != nil {
		return Recipe{}, err
	}
	return Normalize(recipe, workDir, filepath.Join(w.deps.Cfg.TmpDir(), "compiler-caches"))
}

func (w *Worker) cancelled(j *acJob) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return j.cancelled
}

func (w *Worker) log(requestID, text string) {
	w.deps.Bus.Publish(events.TypeAutoConfigLog, LogPayload{RequestID: requestID, Text: text})
}

func (w *Worker) logWriter(requestID string) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		w.log(requestID, string(p))
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
