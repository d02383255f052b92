// Package hub composes every component into the controller the web surface
// calls: state store, event bus, credential broker, auth adapters, builder,
// chat runtimes, artifact stores, title generator, auto-configure worker,
// relay, and the startup reconciler.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agenthub/internal/artifacts"
	"agenthub/internal/auth"
	"agenthub/internal/autoconfig"
	"agenthub/internal/build"
	"agenthub/internal/config"
	"agenthub/internal/creds"
	"agenthub/internal/docker"
	"agenthub/internal/events"
	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
	"agenthub/internal/identity"
	"agenthub/internal/reconcile"
	"agenthub/internal/relay"
	"agenthub/internal/runtime"
	"agenthub/internal/state"
	"agenthub/internal/titles"
	"agenthub/internal/tokens"
)

// runtimeImage carries the agent CLIs and is used for login and
// auto-configure containers.
const runtimeImage = "agent-hub-runtime:latest"

// Controller owns the hub's components and implements the operations the
// HTTP layer exposes.
type Controller struct {
	Cfg      *config.Config
	Store    *state.Store
	Bus      *events.Bus
	Broker   *creds.Broker
	Auth     *auth.Manager
	Docker   *docker.Client
	Runner   gitutil.Runner
	Identity identity.Identity

	Builder          *build.Builder
	Runtimes         *runtime.Manager
	ChatArtifacts    *artifacts.Store
	SessionArtifacts *artifacts.Store
	Sessions         *tokens.SessionStore
	Titles           *titles.Generator
	AutoConfig       *autoconfig.Worker
	Relay            *relay.Relay

	capsMu sync.Mutex
	caps   map[string]string
}

// New builds the fully wired controller. The docker daemon must be
// reachable; everything else degrades per-operation.
func New(cfg *config.Config) (*Controller, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	ident, err := identity.Resolve(identity.Overrides{}, cfg.SharedRoot)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(cfg.StatePath())
	if err != nil {
		return nil, err
	}
	dockerClient, err := docker.NewClient()
	if err != nil {
		return nil, err
	}

	runner := gitutil.ExecRunner{}
	bus := events.NewBus()
	broker := creds.NewBroker(cfg.SecretsDir(), cfg.GitCredentialsDir(), runner)

	h := &Controller{
		Cfg:              cfg,
		Store:            store,
		Bus:              bus,
		Broker:           broker,
		Docker:           dockerClient,
		Runner:           runner,
		Identity:         ident,
		Runtimes:         nil, // set below, needs h for callbacks
		ChatArtifacts:    artifacts.NewStore(cfg.ChatArtifactsDir()),
		SessionArtifacts: artifacts.NewStore(cfg.SessionArtifactsDir()),
		Sessions:         tokens.NewSessionStore(),
		Relay:            relay.New(cfg.PublishBaseURL, dockerClient),
		caps:             map[string]string{},
	}

	h.Auth = auth.NewManager(cfg, broker, runner, bus.Publish)
	h.Runtimes = runtime.NewManager(cfg.ChatLogPath, h.onChatExit, h.onChatPrompt)
	h.Builder = build.New(build.Deps{
		Cfg:       cfg,
		Store:     store,
		Bus:       bus,
		Images:    dockerClient,
		Runner:    runner,
		GitEnv:    h.gitEnvFor,
		Identity:  ident,
		RuntimeFP: h.runtimeFingerprint,
	})
	h.Titles = titles.New(titles.Deps{
		Store:        store,
		Model:        cfg.TitleModel,
		APIBaseURL:   cfg.OpenAIAPIBaseURL,
		OpenAIKey:    func() string { key, _ := h.Auth.OpenAIKey(); return key },
		AccountReady: h.Auth.AccountConnected,
		CodexHome:    h.Auth.CodexHome(),
		Runner:       runner,
		TmpDir:       cfg.TmpDir(),
	})
	h.AutoConfig = autoconfig.NewWorker(autoconfig.Deps{
		Cfg:           cfg,
		Bus:           bus,
		Runner:        runner,
		GitEnv:        h.gitEnvFor,
		Identity:      ident,
		Sessions:      h.Sessions,
		AnalysisImage: runtimeImage,
	})

	bus.SnapshotFunc = h.snapshotPayload
	store.OnSave(func(reason string, snap *state.State) {
		bus.Publish(events.TypeStateChanged, events.ReasonPayload{Reason: reason})
	})
	return h, nil
}

// Start runs the startup work: daemon check, reconcile, capabilities probe,
// and the first build scheduler pass.
func (h *Controller) Start(ctx context.Context) error {
	if err := h.Docker.CheckDaemon(ctx); err != nil {
		return err
	}
	h.loadCapabilities()
	go func() {
		rec := &reconcile.Reconciler{Cfg: h.Cfg, Store: h.Store, Containers: h.Docker}
		rec.Run(ctx)
		h.probeAgentCapabilities(ctx)
		h.Builder.ReconcileAll(ctx)
	}()
	return nil
}

// Shutdown stops builds and terminates every chat within the deadline.
func (h *Controller) Shutdown(ctx context.Context) {
	h.Builder.Stop(ctx)
	h.Runtimes.StopAll(ctx)
	_ = h.Docker.Close()
	slog.Info("Hub shut down")
}

// snapshotPayload is the hello message for new event subscribers.
func (h *Controller) snapshotPayload() any {
	authStatus, err := h.Auth.Status()
	if err != nil {
		authStatus = map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"state":              h.StateView(),
		"auth":               authStatus,
		"agent_capabilities": h.AgentCapabilities(),
	}
}

// StateView is the derived projects+chats+settings view served on
// /api/state and inside snapshot events.
func (h *Controller) StateView() map[string]any {
	snap := h.Store.Snapshot()
	chats := make([]map[string]any, 0, len(snap.Chats))
	for _, c := range snap.Chats {
		chats = append(chats, h.chatView(c))
	}
	return map[string]any{
		"projects": snap.Projects,
		"chats":    chats,
		"settings": snap.Settings,
	}
}

// chatView hides token hashes and decorates the chat with liveness.
func (h *Controller) chatView(c *state.Chat) map[string]any {
	raw, _ := json.Marshal(c)
	var view map[string]any
	_ = json.Unmarshal(raw, &view)
	delete(view, "agent_tools_token_hash")
	delete(view, "artifact_publish_token_hash")
	view["live"] = h.Runtimes.Get(c.ID) != nil
	return view
}

// Settings returns the persisted hub settings.
func (h *Controller) Settings() state.Settings {
	return h.Store.Snapshot().Settings
}

// PatchSettings merges per-field updates with reason settings_updated.
func (h *Controller) PatchSettings(patch map[string]any) (state.Settings, error) {
	snap, err := h.Store.Mutate("settings_updated", func(s *state.State) error {
		if v, ok := patch["default_agent_type"].(string); ok {
			at := state.AgentType(v)
			if at != state.AgentCodex && at != state.AgentClaude && at != state.AgentGemini {
				return huberr.BadRequest("unknown agent type %q", v)
			}
			s.Settings.DefaultAgentType = at
		}
		if v, ok := patch["chat_layout_engine"].(string); ok {
			s.Settings.ChatLayoutEngine = v
		}
		if v, ok := patch["git_user_name"].(string); ok {
			s.Settings.GitUserName = v
		}
		if v, ok := patch["git_user_email"].(string); ok {
			s.Settings.GitUserEmail = v
		}
		return nil
	})
	if err != nil {
		return state.Settings{}, err
	}
	return snap.Settings, nil
}

// gitEnvFor resolves the credential env for a repository. The context key is
// "project:<id>", "autoconf:<request>", or another stable scope. Public
// repositories resolve to a nil env when an anonymous probe succeeds.
func (h *Controller) gitEnvFor(ctx context.Context, contextKey, repoURL string) ([]string, error) {
	binding := state.CredentialBinding{Mode: state.BindingAuto}
	projectID := ""
	if id, ok := strings.CutPrefix(contextKey, "project:"); ok {
		projectID = id
		if p := h.Store.Snapshot().ProjectByID(id); p != nil {
			binding = p.Binding
		}
	}

	mat, res, err := h.Broker.MaterializeFirst(ctx, contextKey, repoURL, binding)
	if err != nil {
		var he *huberr.Error
		if errors.As(err, &he) && he.Code == huberr.CodeCredentialResolution {
			// No matching credential; usable iff the repo is public.
			anon := gitutil.Git{Runner: h.Runner, Env: []string{"GIT_TERMINAL_PROMPT=0"}}
			if anon.Probe(ctx, repoURL) == nil {
				return nil, nil
			}
		}
		return nil, err
	}

	if projectID != "" && binding.Mode == state.BindingAuto && res.RewriteToSet {
		ids := res.RewrittenIDs
		_, _ = h.Store.Mutate("credential_binding_auto_set", func(s *state.State) error {
			if p := s.ProjectByID(projectID); p != nil {
				p.Binding = state.CredentialBinding{
					Mode:          state.BindingSet,
					CredentialIDs: ids,
					Source:        "auto_create",
				}
				p.UpdatedAt = time.Now().UTC()
			}
			return nil
		})
	}
	return mat.GitEnv, nil
}

// credentialFilesFor materializes every bound credential for container
// mounting and returns the file/host pairs.
func (h *Controller) credentialFilesFor(ctx context.Context, contextKey, repoURL string, binding state.CredentialBinding) ([]creds.Materialized, error) {
	res, err := h.Broker.Resolve(ctx, repoURL, binding)
	if err != nil {
		var he *huberr.Error
		if errors.As(err, &he) && he.Code == huberr.CodeCredentialResolution {
			return nil, nil
		}
		return nil, err
	}
	var out []creds.Materialized
	for _, rec := range res.Candidates {
		mat, err := h.Broker.Materialize(ctx, contextKey, rec)
		if err != nil {
			slog.Warn("Credential materialization failed", "credential_id", rec.CredentialID, "error", err)
			continue
		}
		out = append(out, *mat)
	}
	return out, nil
}

// DeliverLoginCallback relays a browser OAuth callback into the login
// container and marks the session.
func (h *Controller) DeliverLoginCallback(ctx context.Context, query map[string][]string) (*relay.Result, error) {
	containerName, port, path, err := h.Auth.LoginCallbackTarget()
	if err != nil {
		return nil, err
	}
	res, err := h.Relay.Deliver(ctx, containerName, port, path, query)
	if err != nil {
		return nil, err
	}
	h.Auth.MarkCallbackReceived()
	return res, nil
}

// StartAccountLogin launches the codex login container for the ChatGPT
// account flow.
func (h *Controller) StartAccountLogin(deviceAuth bool) (*auth.LoginSession, error) {
	return h.Auth.StartLogin(auth.LoginSpec{
		Image:      runtimeImage,
		DeviceAuth: deviceAuth,
		Identity:   h.Identity,
		CodexHome:  h.Auth.CodexHome(),
	})
}

// shortID keeps container names readable; ids are uuids.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// TitleTest runs a one-shot title generation to verify OpenAI credentials.
func (h *Controller) TitleTest(ctx context.Context, prompts []string) (string, error) {
	if len(prompts) == 0 {
		prompts = []string{"add a health endpoint to the API server"}
	}
	return h.Titles.Generate(ctx, prompts)
}
