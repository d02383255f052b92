package hub

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/artifacts"
	"agenthub/internal/creds"
	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
	"agenthub/internal/launch"
	"agenthub/internal/state"
	"agenthub/internal/tokens"
)

const chatLogTailCap = 150 * 1024

// ChatRequest is the create payload for chats.
type ChatRequest struct {
	ProjectID       string   `json:"project_id"`
	Name            string   `json:"name"`
	Profile         string   `json:"profile"`
	ROMounts        []string `json:"ro_mounts"`
	RWMounts        []string `json:"rw_mounts"`
	EnvVars         []string `json:"env_vars"`
	AgentArgs       string   `json:"agent_args"`
	AgentType       string   `json:"agent_type"`
	CreateRequestID string   `json:"create_request_id"`
}

// CreateChat persists a new chat. A repeated create_request_id returns the
// chat it created the first time.
func (h *Controller) CreateChat(req ChatRequest) (*state.Chat, error) {
	if req.CreateRequestID != "" {
		for _, c := range h.Store.Snapshot().Chats {
			if c.CreateRequestID == req.CreateRequestID {
				return c, nil
			}
		}
	}

	var created *state.Chat
	_, err := h.Store.Mutate("chat_created", func(s *state.State) error {
		p := s.ProjectByID(req.ProjectID)
		if p == nil {
			return huberr.NotFound("project %s not found", req.ProjectID)
		}
		agentType := state.AgentType(req.AgentType)
		if agentType == "" {
			agentType = defaultAgent(s)
		}
		switch agentType {
		case state.AgentCodex, state.AgentClaude, state.AgentGemini:
		default:
			return huberr.BadRequest("unknown agent type %q", req.AgentType)
		}
		now := time.Now().UTC()
		created = &state.Chat{
			ID:              uuid.NewString(),
			ProjectID:       p.ID,
			Name:            req.Name,
			Profile:         req.Profile,
			ROMounts:        req.ROMounts,
			RWMounts:        req.RWMounts,
			EnvVars:         req.EnvVars,
			AgentArgs:       req.AgentArgs,
			AgentType:       agentType,
			Status:          state.ChatStopped,
			StatusReason:    "chat_created",
			TitleStatus:     state.TitleIdle,
			CreateRequestID: req.CreateRequestID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		s.Chats = append(s.Chats, created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// PatchChat merges per-field edits on a chat that is not running.
func (h *Controller) PatchChat(id string, patch map[string]any) (*state.Chat, error) {
	var updated *state.Chat
	_, err := h.Store.Mutate("chat_updated", func(s *state.State) error {
		c := s.ChatByID(id)
		if c == nil {
			return huberr.NotFound("chat %s not found", id)
		}
		if v, ok := patch["name"].(string); ok {
			c.Name = v
		}
		if v, ok := patch["profile"].(string); ok {
			c.Profile = v
		}
		if v, ok := patch["agent_args"].(string); ok {
			c.AgentArgs = v
		}
		if v, ok := patch["agent_type"].(string); ok {
			at := state.AgentType(v)
			if at != state.AgentCodex && at != state.AgentClaude && at != state.AgentGemini {
				return huberr.BadRequest("unknown agent type %q", v)
			}
			c.AgentType = at
		}
		if v, ok := stringSlice(patch["ro_mounts"]); ok {
			c.ROMounts = v
		}
		if v, ok := stringSlice(patch["rw_mounts"]); ok {
			c.RWMounts = v
		}
		if v, ok := stringSlice(patch["env_vars"]); ok {
			c.EnvVars = v
		}
		c.UpdatedAt = time.Now().UTC()
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// StartChat clones the chat workspace, rotates tokens, compiles the launch
// argv, and spawns the runtime on a PTY.
func (h *Controller) StartChat(ctx context.Context, id string) (*state.Chat, error) {
	snap := h.Store.Snapshot()
	c := snap.ChatByID(id)
	if c == nil {
		return nil, huberr.NotFound("chat %s not found", id)
	}
	if h.Runtimes.Get(id) != nil {
		return nil, huberr.Conflict("chat %s is already running", id)
	}
	p := snap.ProjectByID(c.ProjectID)
	if p == nil {
		return nil, huberr.Config("chat %s references missing project %s", id, c.ProjectID)
	}
	if p.BuildStatus != state.BuildReady {
		return nil, huberr.Conflict("project snapshot is not ready (build_status=%s)", p.BuildStatus)
	}

	agentTok, err := tokens.New()
	if err != nil {
		return nil, err
	}
	pubTok, err := tokens.New()
	if err != nil {
		return nil, err
	}
	guid, err := tokens.NewGUID()
	if err != nil {
		return nil, err
	}
	resume := c.LastExitAt != nil

	if _, err := h.Store.Mutate("chat_starting", func(s *state.State) error {
		cur := s.ChatByID(id)
		if cur == nil {
			return huberr.NotFound("chat %s vanished", id)
		}
		now := time.Now().UTC()
		cur.Status = state.ChatStarting
		cur.StatusReason = "start_requested"
		cur.LastStatusTransitionAt = &now
		cur.StartError = ""
		cur.StopRequestedAt = nil
		cur.UpdatedAt = now
		return nil
	}); err != nil {
		return nil, err
	}

	chat, err := h.launchChat(ctx, c, p, agentTok, pubTok, guid, resume)
	if err != nil {
		_, _ = h.Store.Mutate("chat_start_failed", func(s *state.State) error {
			if cur := s.ChatByID(id); cur != nil {
				now := time.Now().UTC()
				cur.Status = state.ChatFailed
				cur.StatusReason = "chat_start_failed"
				cur.StartError = huberr.DetailOf(err)
				cur.LastStatusTransitionAt = &now
				cur.UpdatedAt = now
			}
			return nil
		})
		return nil, err
	}
	return chat, nil
}

func (h *Controller) launchChat(ctx context.Context, c *state.Chat, p *state.Project,
	agentTok, pubTok tokens.Token, guid string, resume bool) (*state.Chat, error) {

	ws := h.Cfg.ChatWorkspace(c.ID)
	env, err := h.gitEnvFor(ctx, "project:"+p.ID, p.RepoURL)
	if err != nil {
		return nil, err
	}
	git := gitutil.Git{Runner: h.Runner, Env: env}
	if err := git.EnsureClone(ctx, ws, p.RepoURL); err != nil {
		return nil, err
	}
	if !resume {
		branch := p.DefaultBranch
		if branch == "" {
			branch = "main"
		}
		if err := git.HardSync(ctx, ws, branch); err != nil {
			return nil, err
		}
	}

	credFiles, err := h.credentialFilesFor(ctx, "chat:"+c.ID, p.RepoURL, p.Binding)
	if err != nil {
		return nil, err
	}

	rendered, err := launch.RenderRuntimeConfig("", string(c.AgentType),
		launch.ContainerWorkspace, launch.MCPSettings{
			Token:       agentTok.Plain,
			CallbackURL: h.Cfg.PublishBaseURL,
			ProjectID:   p.ID,
			ChatID:      c.ID,
		})
	if err != nil {
		return nil, err
	}
	cfgPath, err := launch.WriteRuntimeConfig(h.Cfg.RuntimeConfigsDir(), c.ID, rendered)
	if err != nil {
		return nil, err
	}
	if _, err := launch.MaterializeMCPScript(h.Auth.CodexHome()); err != nil {
		return nil, err
	}

	settings := h.Store.Snapshot().Settings
	envVars := append(append([]string{}, p.DefaultEnvVars...), c.EnvVars...)
	envVars = append(envVars,
		"HOME=/home/agent",
		"AGENT_HUB_AGENT_TOOLS_URL="+h.Cfg.PublishBaseURL,
		"AGENT_HUB_AGENT_TOOLS_TOKEN="+agentTok.Plain,
		"AGENT_HUB_AGENT_TOOLS_PROJECT_ID="+p.ID,
		"AGENT_HUB_AGENT_TOOLS_CHAT_ID="+c.ID,
		"AGENT_HUB_ARTIFACT_PUBLISH_TOKEN="+pubTok.Plain,
		"AGENT_HUB_READY_ACK_GUID="+guid,
	)
	if settings.GitUserName != "" {
		envVars = append(envVars, "AGENT_HUB_GIT_USER_NAME="+settings.GitUserName)
	}
	if settings.GitUserEmail != "" {
		envVars = append(envVars, "AGENT_HUB_GIT_USER_EMAIL="+settings.GitUserEmail)
	}

	rwMounts := append(append([]string{}, p.DefaultRWMounts...), c.RWMounts...)
	rwMounts = append(rwMounts, cfgPath+":/home/agent/.codex/config.toml")
	rwMounts = append(rwMounts,
		h.Auth.CodexHome()+"/agent_hub:/home/agent/.codex/agent_hub")
	if h.Auth.AccountConnected() {
		rwMounts = append(rwMounts,
			h.Auth.CodexHome()+"/auth.json:/home/agent/.codex/auth.json")
	}

	extraArgs, err := launch.SplitAgentArgs(c.AgentArgs)
	if err != nil {
		return nil, huberr.BadRequest("%s", err.Error())
	}

	spec := launch.Spec{
		Workspace:            ws,
		ContainerProjectName: launch.SanitizeProjectName(p.Name),
		SnapshotTag:          p.SetupSnapshotImage,
		AgentCommand:         string(c.AgentType),
		Resume:               resume,
		LocalUID:             h.Identity.UID,
		LocalGID:             h.Identity.GID,
		Username:             h.Identity.Username,
		SupplementaryGIDs:    h.Identity.SupplementaryGIDs,
		ROMounts:             append(append([]string{}, p.DefaultROMounts...), c.ROMounts...),
		RWMounts:             rwMounts,
		EnvVars:              envVars,
		ExtraArgs:            extraArgs,
		ContainerName:        h.Cfg.ContainerName("chat", shortID(c.ID)),
		TmpHostPath:          h.Cfg.TmpHostPath,
		CredentialFiles:      credentialFileSpecs(credFiles),
	}
	argv := launch.Compile(spec)

	// A dead container with the same name from a previous run blocks --name.
	_, _ = h.Runner.Run(ctx, "", nil, "docker", "rm", "-f", spec.ContainerName)

	rt, err := h.Runtimes.Spawn(c.ID, argv, nil)
	if err != nil {
		return nil, err
	}

	snap, err := h.Store.Mutate("chat_started", func(s *state.State) error {
		cur := s.ChatByID(c.ID)
		if cur == nil {
			return huberr.NotFound("chat %s vanished", c.ID)
		}
		now := time.Now().UTC()
		cur.Status = state.ChatRunning
		cur.StatusReason = "chat_process_spawned"
		cur.LastStatusTransitionAt = &now
		cur.PID = rt.PID()
		cur.Workspace = ws
		cur.ContainerWorkspace = launch.ContainerWorkspace
		cur.SetupSnapshotImage = p.SetupSnapshotImage
		cur.AgentToolsTokenHash = agentTok.Hash
		cur.ArtifactPublishToken = pubTok.Hash
		cur.ReadyAckGUID = guid
		cur.ReadyAckStage = ""
		cur.ReadyAckAt = nil
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap.ChatByID(c.ID), nil
}

// CloseChat records the stop request and terminates the process. A chat
// whose process is already dead still lands in stopped.
func (h *Controller) CloseChat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := h.Store.Mutate("chat_close_requested", func(s *state.State) error {
		c := s.ChatByID(id)
		if c == nil {
			return huberr.NotFound("chat %s not found", id)
		}
		c.StopRequestedAt = &now
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	if rt := h.Runtimes.Get(id); rt != nil {
		rt.Stop(ctx)
		return nil
	}
	// No live process: transition directly.
	_, err = h.Store.Mutate("chat_stopped", func(s *state.State) error {
		c := s.ChatByID(id)
		if c == nil {
			return nil
		}
		if c.Status == state.ChatRunning || c.Status == state.ChatStarting {
			c.Status = state.ChatStopped
			c.StatusReason = "chat_closed_while_dead"
			c.LastStatusTransitionAt = &now
		}
		clearChatTokens(c)
		c.UpdatedAt = now
		return nil
	})
	return err
}

// DeleteChat closes the chat and removes its state, workspace, log, runtime
// config, and artifacts.
func (h *Controller) DeleteChat(ctx context.Context, id string) error {
	if rt := h.Runtimes.Get(id); rt != nil {
		_ = h.CloseChat(ctx, id)
	}
	_, err := h.Store.Mutate("chat_deleted", func(s *state.State) error {
		if s.ChatByID(id) == nil {
			return huberr.NotFound("chat %s not found", id)
		}
		out := s.Chats[:0]
		for _, c := range s.Chats {
			if c.ID != id {
				out = append(out, c)
			}
		}
		s.Chats = out
		return nil
	})
	if err != nil {
		return err
	}
	os.RemoveAll(h.Cfg.ChatWorkspace(id))
	os.Remove(h.Cfg.ChatLogPath(id))
	os.Remove(h.Cfg.RuntimeConfigsDir() + "/" + id + ".toml")
	_ = h.ChatArtifacts.RemoveOwner(id)
	return nil
}

// RefreshContainer stops the chat runtime and restarts it against the same
// workspace.
func (h *Controller) RefreshContainer(ctx context.Context, id string) (*state.Chat, error) {
	if rt := h.Runtimes.Get(id); rt != nil {
		if err := h.CloseChat(ctx, id); err != nil {
			return nil, err
		}
		rt.Stop(ctx)
	}
	return h.StartChat(ctx, id)
}

// ChatLogTail serves the chat terminal log tail.
func (h *Controller) ChatLogTail(id string) ([]byte, error) {
	if h.Store.Snapshot().ChatByID(id) == nil {
		return nil, huberr.NotFound("chat %s not found", id)
	}
	raw, err := os.ReadFile(h.Cfg.ChatLogPath(id))
	if os.IsNotExist(err) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) > chatLogTailCap {
		raw = raw[len(raw)-chatLogTailCap:]
	}
	return raw, nil
}

// ChatLaunchProfile compiles the argv the chat would start with, tokens
// replaced by placeholders.
func (h *Controller) ChatLaunchProfile(id string) (*LaunchProfile, error) {
	snap := h.Store.Snapshot()
	c := snap.ChatByID(id)
	if c == nil {
		return nil, huberr.NotFound("chat %s not found", id)
	}
	p := snap.ProjectByID(c.ProjectID)
	if p == nil {
		return nil, huberr.Config("chat %s references missing project %s", id, c.ProjectID)
	}
	extraArgs, err := launch.SplitAgentArgs(c.AgentArgs)
	if err != nil {
		return nil, huberr.BadRequest("%s", err.Error())
	}
	argv := launch.Compile(launch.Spec{
		Workspace:            h.Cfg.ChatWorkspace(c.ID),
		ContainerProjectName: launch.SanitizeProjectName(p.Name),
		SnapshotTag:          snapshotOrBase(p),
		AgentCommand:         string(c.AgentType),
		LocalUID:             h.Identity.UID,
		LocalGID:             h.Identity.GID,
		Username:             h.Identity.Username,
		SupplementaryGIDs:    h.Identity.SupplementaryGIDs,
		ROMounts:             append(append([]string{}, p.DefaultROMounts...), c.ROMounts...),
		RWMounts:             append(append([]string{}, p.DefaultRWMounts...), c.RWMounts...),
		EnvVars: append(append(append([]string{}, p.DefaultEnvVars...), c.EnvVars...),
			"AGENT_HUB_AGENT_TOOLS_TOKEN=<rotated-at-start>"),
		ExtraArgs:     extraArgs,
		ContainerName: h.Cfg.ContainerName("chat", shortID(c.ID)),
		TmpHostPath:   h.Cfg.TmpHostPath,
	})
	return &LaunchProfile{Argv: argv, Parsed: launch.ParseRunArgs(argv)}, nil
}

// Ack validates the rotated ready-ack GUID and records the stage.
func (h *Controller) Ack(chatID, guid, stage string, meta map[string]string) error {
	if stage != state.AckStageContainerBootstrapped && stage != state.AckStageAgentProcessStarted {
		return huberr.BadRequest("unknown ack stage %q", stage)
	}
	_, err := h.Store.Mutate("ready_ack", func(s *state.State) error {
		c := s.ChatByID(chatID)
		if c == nil {
			return huberr.NotFound("chat %s not found", chatID)
		}
		if !tokens.VerifyGUID(guid, c.ReadyAckGUID) {
			return huberr.BadRequest("ack guid does not match")
		}
		now := time.Now().UTC()
		c.ReadyAckStage = stage
		c.ReadyAckAt = &now
		c.ReadyAckMeta = meta
		c.UpdatedAt = now
		return nil
	})
	return err
}

// onChatExit records the process exit through the state store.
func (h *Controller) onChatExit(chatID string, exitCode int) {
	_, _ = h.Store.Mutate("chat_exited", func(s *state.State) error {
		c := s.ChatByID(chatID)
		if c == nil {
			return nil
		}
		now := time.Now().UTC()
		c.LastExitCode = &exitCode
		c.LastExitAt = &now
		if c.StopRequestedAt != nil {
			c.Status = state.ChatStopped
			c.StatusReason = "chat_stopped"
		} else {
			c.Status = state.ChatFailed
			c.StatusReason = fmt.Sprintf("chat_process_exited_code_%d", exitCode)
		}
		c.LastStatusTransitionAt = &now
		clearChatTokens(c)
		c.UpdatedAt = now
		return nil
	})
}

// onChatPrompt archives the current artifacts under the previous prompt and
// feeds the title generator.
func (h *Controller) onChatPrompt(chatID, prompt string) {
	_, err := h.Store.Mutate("prompt_submitted", func(s *state.State) error {
		c := s.ChatByID(chatID)
		if c == nil {
			return huberr.NotFound("chat %s not found", chatID)
		}
		previous := ""
		if n := len(c.TitleUserPrompts); n > 0 {
			previous = c.TitleUserPrompts[n-1]
		}
		artifacts.ArchiveOnPrompt(c, previous)
		c.TitleUserPrompts = append(c.TitleUserPrompts, prompt)
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err == nil {
		h.Titles.Trigger(chatID)
	}
}

func clearChatTokens(c *state.Chat) {
	c.PID = 0
	c.AgentToolsTokenHash = ""
	c.ArtifactPublishToken = ""
	c.ReadyAckGUID = ""
}

func credentialFileSpecs(mats []creds.Materialized) []launch.CredentialFile {
	out := make([]launch.CredentialFile, 0, len(mats))
	for _, m := range mats {
		out = append(out, launch.CredentialFile{Path: m.Path, Host: m.Record.Host})
	}
	return out
}
