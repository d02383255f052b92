package state

import (
	"agenthub/internal/huberr"
)

// Normalize coerces a loaded snapshot into the canonical shape. It is pure
// over the value it mutates, total, and idempotent. Returns whether anything
// changed so the store can rewrite the file once with reason
// "state_normalized". A structurally unusable root is a CONFIG_ERROR.
func Normalize(s *State) (bool, error) {
	if s == nil {
		return false, huberr.Config("state root is nil")
	}
	changed := false

	if s.Version <= 0 {
		return false, huberr.Config("state version %d is not a positive integer", s.Version)
	}
	if s.Version > SchemaVersion {
		return false, huberr.Config("state version %d is newer than supported version %d", s.Version, SchemaVersion)
	}
	if s.Version < SchemaVersion {
		// Older snapshots carry a subset of today's fields; zero values fill
		// the gaps below, so the upgrade is just the version bump.
		s.Version = SchemaVersion
		changed = true
	}

	if s.Projects == nil {
		s.Projects = []*Project{}
		changed = true
	}
	if s.Chats == nil {
		s.Chats = []*Chat{}
		changed = true
	}

	for _, p := range s.Projects {
		if p.ID == "" {
			return false, huberr.Config("project without id in persisted state")
		}
		switch p.BuildStatus {
		case BuildPending, BuildBuilding, BuildReady, BuildFailed, BuildCancelled:
		default:
			p.BuildStatus = BuildPending
			changed = true
		}
		switch p.BaseImageMode {
		case BaseImageTag, BaseImageRepoPath:
		default:
			p.BaseImageMode = BaseImageTag
			changed = true
		}
		switch p.Binding.Mode {
		case BindingAuto, BindingSet, BindingSingle, BindingAll:
		default:
			p.Binding = CredentialBinding{Mode: BindingAuto}
			changed = true
		}
		if p.Binding.Mode == BindingAuto && len(p.Binding.CredentialIDs) > 0 {
			p.Binding.CredentialIDs = nil
			changed = true
		}
	}

	for _, c := range s.Chats {
		if c.ID == "" {
			return false, huberr.Config("chat without id in persisted state")
		}
		switch c.AgentType {
		case AgentCodex, AgentClaude, AgentGemini:
		default:
			return false, huberr.Config("chat %s has unknown agent_type %q", c.ID, c.AgentType)
		}
		switch c.Status {
		case ChatStarting, ChatRunning, ChatStopped, ChatFailed:
		default:
			c.Status = ChatFailed
			c.StatusReason = "state_normalized"
			changed = true
		}
		switch c.TitleStatus {
		case TitleIdle, TitlePending, TitleReady, TitleError:
		default:
			c.TitleStatus = TitleIdle
			changed = true
		}
		switch c.ReadyAckStage {
		case "", AckStageContainerBootstrapped, AckStageAgentProcessStarted:
		default:
			c.ReadyAckStage = ""
			changed = true
		}
		if reconcileCurrentArtifacts(c) {
			changed = true
		}
		if s.ProjectByID(c.ProjectID) == nil {
			return false, huberr.Config("chat %s references unknown project %s", c.ID, c.ProjectID)
		}
	}

	switch s.Settings.DefaultAgentType {
	case AgentCodex, AgentClaude, AgentGemini:
	default:
		s.Settings.DefaultAgentType = AgentCodex
		changed = true
	}

	return changed, nil
}

// reconcileCurrentArtifacts re-derives artifact_current_ids ⊆ artifacts.
func reconcileCurrentArtifacts(c *Chat) bool {
	if len(c.ArtifactCurrentIDs) == 0 {
		return false
	}
	known := make(map[string]bool, len(c.Artifacts))
	for _, a := range c.Artifacts {
		known[a.ID] = true
	}
	kept := c.ArtifactCurrentIDs[:0]
	changed := false
	for _, id := range c.ArtifactCurrentIDs {
		if known[id] {
			kept = append(kept, id)
		} else {
			changed = true
		}
	}
	c.ArtifactCurrentIDs = kept
	if len(c.ArtifactCurrentIDs) == 0 {
		c.ArtifactCurrentIDs = nil
	}
	return changed
}
