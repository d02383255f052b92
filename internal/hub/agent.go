package hub

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"agenthub/internal/artifacts"
	"agenthub/internal/huberr"
	"agenthub/internal/state"
	"agenthub/internal/tokens"
)

// ArtifactListing is the artifact view for one chat.
type ArtifactListing struct {
	Artifacts     []state.Artifact             `json:"artifacts"`
	CurrentIDs    []string                     `json:"artifact_current_ids"`
	PromptHistory []state.ArtifactHistoryEntry `json:"artifact_prompt_history"`
}

// ListArtifacts returns the chat's artifact records.
func (h *Controller) ListArtifacts(chatID string) (*ArtifactListing, error) {
	c := h.Store.Snapshot().ChatByID(chatID)
	if c == nil {
		return nil, huberr.NotFound("chat %s not found", chatID)
	}
	return &ArtifactListing{
		Artifacts:     c.Artifacts,
		CurrentIDs:    c.ArtifactCurrentIDs,
		PromptHistory: c.ArtifactPromptHistory,
	}, nil
}

// PublishChatArtifact ingests a workspace file as a chat artifact.
func (h *Controller) PublishChatArtifact(chatID, relPath, name string) (state.Artifact, error) {
	c := h.Store.Snapshot().ChatByID(chatID)
	if c == nil {
		return state.Artifact{}, huberr.NotFound("chat %s not found", chatID)
	}
	ws := c.Workspace
	if ws == "" {
		ws = h.Cfg.ChatWorkspace(chatID)
	}
	art, err := h.ChatArtifacts.Ingest(chatID, ws, relPath, name)
	if err != nil {
		return state.Artifact{}, err
	}

	var dropped []state.Artifact
	_, err = h.Store.Mutate("artifact_published", func(s *state.State) error {
		cur := s.ChatByID(chatID)
		if cur == nil {
			return huberr.NotFound("chat %s vanished", chatID)
		}
		dropped = artifacts.Append(cur, art)
		cur.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		_ = h.ChatArtifacts.RemoveArtifact(chatID, art.ID)
		return state.Artifact{}, err
	}
	for _, old := range dropped {
		_ = h.ChatArtifacts.RemoveArtifact(chatID, old.ID)
	}
	return art, nil
}

// StageChatUpload writes an uploaded body into the chat workspace staging
// dir and returns the workspace-relative path for the ingest call.
func (h *Controller) StageChatUpload(chatID, name string, body io.Reader) (string, error) {
	c := h.Store.Snapshot().ChatByID(chatID)
	if c == nil {
		return "", huberr.NotFound("chat %s not found", chatID)
	}
	ws := c.Workspace
	if ws == "" {
		ws = h.Cfg.ChatWorkspace(chatID)
	}
	return artifacts.Stage(ws, name, body)
}

// ChatArtifactFile resolves an artifact to its storage path for serving.
func (h *Controller) ChatArtifactFile(chatID, artifactID string) (path, name string, err error) {
	c := h.Store.Snapshot().ChatByID(chatID)
	if c == nil {
		return "", "", huberr.NotFound("chat %s not found", chatID)
	}
	art, ok := artifacts.ArtifactByID(c, artifactID)
	if !ok {
		return "", "", huberr.NotFound("artifact %s not found on chat %s", artifactID, chatID)
	}
	p := h.ChatArtifacts.FilePath(art)
	if _, err := os.Stat(p); err != nil {
		return "", "", huberr.NotFound("artifact %s storage is missing", artifactID)
	}
	return p, art.Name, nil
}

// AuthenticateChatAgent verifies the agent_tools bearer token for a chat.
func (h *Controller) AuthenticateChatAgent(chatID, plainToken string) error {
	c := h.Store.Snapshot().ChatByID(chatID)
	if c == nil {
		return huberr.NotFound("chat %s not found", chatID)
	}
	if !tokens.Verify(plainToken, c.AgentToolsTokenHash) &&
		!tokens.Verify(plainToken, c.ArtifactPublishToken) {
		return huberr.Unauthorized("invalid agent_tools token for chat %s", chatID)
	}
	return nil
}

// AgentCredential is the in-container view of one usable git credential.
type AgentCredential struct {
	CredentialID string `json:"credential_id"`
	Host         string `json:"host"`
	Line         string `json:"line"` // git-credentials store format
}

// AgentCredentialsForChat materializes the chat project's bound credentials
// for the in-container agent.
func (h *Controller) AgentCredentialsForChat(ctx context.Context, chatID string) ([]AgentCredential, error) {
	snap := h.Store.Snapshot()
	c := snap.ChatByID(chatID)
	if c == nil {
		return nil, huberr.NotFound("chat %s not found", chatID)
	}
	p := snap.ProjectByID(c.ProjectID)
	if p == nil {
		return nil, huberr.Config("chat %s references missing project %s", chatID, c.ProjectID)
	}
	mats, err := h.credentialFilesFor(ctx, "chat:"+chatID, p.RepoURL, p.Binding)
	if err != nil {
		return nil, err
	}
	out := make([]AgentCredential, 0, len(mats))
	for _, m := range mats {
		raw, err := os.ReadFile(m.Path)
		if err != nil {
			continue
		}
		out = append(out, AgentCredential{
			CredentialID: m.Record.CredentialID,
			Host:         m.Record.Host,
			Line:         strings.TrimSpace(string(raw)),
		})
	}
	return out, nil
}

// AgentSetProjectBinding lets the in-container agent pin the project's
// credential binding after it discovered which credential works.
func (h *Controller) AgentSetProjectBinding(chatID string, binding state.CredentialBinding) error {
	c := h.Store.Snapshot().ChatByID(chatID)
	if c == nil {
		return huberr.NotFound("chat %s not found", chatID)
	}
	binding.Source = "agent"
	_, err := h.Store.Mutate("credential_binding_updated", func(s *state.State) error {
		p := s.ProjectByID(c.ProjectID)
		if p == nil {
			return huberr.NotFound("project %s not found", c.ProjectID)
		}
		switch binding.Mode {
		case state.BindingAuto, state.BindingAll, state.BindingSet, state.BindingSingle:
		default:
			return huberr.BadRequest("unknown binding mode %q", binding.Mode)
		}
		p.Binding = binding
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

// PublishSessionArtifact ingests a file from an ephemeral session workspace.
func (h *Controller) PublishSessionArtifact(sessionID, relPath, name string) (state.Artifact, error) {
	sess, err := h.Sessions.Get(sessionID)
	if err != nil {
		return state.Artifact{}, err
	}
	if sess.Workspace == "" {
		return state.Artifact{}, huberr.Conflict("session %s has no workspace", sessionID)
	}
	art, err := h.SessionArtifacts.Ingest(sessionID, sess.Workspace, relPath, name)
	if err != nil {
		return state.Artifact{}, err
	}
	err = h.Sessions.Update(sessionID, func(s *tokens.Session) error {
		s.Artifacts = append(s.Artifacts, art)
		s.ArtifactCurrentIDs = append(s.ArtifactCurrentIDs, art.ID)
		return nil
	})
	if err != nil {
		_ = h.SessionArtifacts.RemoveArtifact(sessionID, art.ID)
		return state.Artifact{}, err
	}
	return art, nil
}

// SessionAck records a ready-ack on an ephemeral session.
func (h *Controller) SessionAck(sessionID, guid, stage string) error {
	if stage != state.AckStageContainerBootstrapped && stage != state.AckStageAgentProcessStarted {
		return huberr.BadRequest("unknown ack stage %q", stage)
	}
	return h.Sessions.Update(sessionID, func(s *tokens.Session) error {
		if !tokens.VerifyGUID(guid, s.ReadyAckGUID) {
			return huberr.BadRequest("ack guid does not match")
		}
		now := time.Now().UTC()
		s.ReadyAckStage = stage
		s.ReadyAckAt = &now
		return nil
	})
}
