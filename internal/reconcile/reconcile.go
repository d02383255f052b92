// Package reconcile brings the on-disk and container world back in line with
// the persisted state after a hub restart: orphaned chat processes are
// killed, chat statuses coerced, and unreferenced workspaces, logs,
// artifacts, and containers removed.
package reconcile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/docker"
	"agenthub/internal/state"
)

const killGrace = 4 * time.Second

// Containers is the sweep view of the container runtime.
type Containers interface {
	ListByPrefix(ctx context.Context, prefixes ...string) ([]docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
}

// Result carries the per-category cleanup counts for logging.
type Result struct {
	ChatsReconciled   int `json:"chats_reconciled"`
	WorkspacesRemoved int `json:"workspaces_removed"`
	LogsRemoved       int `json:"logs_removed"`
	ArtifactsRemoved  int `json:"artifacts_removed"`
	ContainersRemoved int `json:"containers_removed"`
}

// Reconciler runs the one-shot startup pass.
type Reconciler struct {
	Cfg        *config.Config
	Store      *state.Store
	Containers Containers
	// killProcess overrides process signalling in tests.
	KillProcess func(pid int) bool
}

// Run executes the full pass and returns the counts. Every step is best
// effort; a failure in one category never blocks the others.
func (r *Reconciler) Run(ctx context.Context) Result {
	var res Result
	res.ChatsReconciled = r.reconcileChats()

	snap := r.Store.Snapshot()
	known := knownIDs(snap)

	res.WorkspacesRemoved += sweepDir(r.Cfg.ChatsDir(), known)
	res.WorkspacesRemoved += sweepDir(r.Cfg.ProjectsDir(), known)
	res.ArtifactsRemoved += sweepDir(r.Cfg.ChatArtifactsDir(), known)
	res.LogsRemoved = r.sweepLogs(known)
	res.ContainersRemoved = r.sweepContainers(ctx)

	slog.Info("Startup reconcile finished",
		"chats_reconciled", res.ChatsReconciled,
		"workspaces_removed", res.WorkspacesRemoved,
		"logs_removed", res.LogsRemoved,
		"artifacts_removed", res.ArtifactsRemoved,
		"containers_removed", res.ContainersRemoved)
	return res
}

// reconcileChats kills orphan chat processes and coerces every non-terminal
// chat status. A chat with a prior stop request lands in stopped; one
// without lands in failed with a reason naming what was observed.
func (r *Reconciler) reconcileChats() int {
	kill := r.KillProcess
	if kill == nil {
		kill = killProcessGroup
	}

	count := 0
	_, err := r.Store.Mutate("startup_reconcile", func(s *state.State) error {
		now := time.Now().UTC()
		for _, c := range s.Chats {
			if c.Status != state.ChatStarting && c.Status != state.ChatRunning {
				continue
			}
			processKilled := false
			if c.PID > 0 {
				processKilled = kill(c.PID)
			}

			if c.StopRequestedAt != nil {
				c.Status = state.ChatStopped
				c.StatusReason = "chat_stopped_on_restart"
			} else {
				c.Status = state.ChatFailed
				if processKilled {
					c.StatusReason = "chat_process_not_running_killed_on_restart"
				} else {
					c.StatusReason = "chat_process_not_running_after_restart"
				}
				// the process vanished with the old hub; there is no start
				// error to report
				c.StartError = ""
			}
			c.LastStatusTransitionAt = &now
			c.PID = 0
			c.AgentToolsTokenHash = ""
			c.ArtifactPublishToken = ""
			c.ReadyAckGUID = ""
			c.ReadyAckStage = ""
			c.UpdatedAt = now
			count++
		}
		return nil
	})
	if err != nil {
		slog.Error("Chat reconcile failed", "error", err)
		return 0
	}
	return count
}

// sweepLogs removes chat-<id>.log and project-build-<id>.log files whose id
// is unknown.
func (r *Reconciler) sweepLogs(known map[string]bool) int {
	entries, err := os.ReadDir(r.Cfg.LogsDir())
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		var id string
		switch {
		case strings.HasPrefix(name, "chat-") && strings.HasSuffix(name, ".log"):
			id = strings.TrimSuffix(strings.TrimPrefix(name, "chat-"), ".log")
		case strings.HasPrefix(name, "project-build-") && strings.HasSuffix(name, ".log"):
			id = strings.TrimSuffix(strings.TrimPrefix(name, "project-build-"), ".log")
		default:
			continue
		}
		if known[id] {
			continue
		}
		if os.Remove(filepath.Join(r.Cfg.LogsDir(), name)) == nil {
			removed++
		}
	}
	return removed
}

// sweepContainers removes non-running containers carrying the hub's
// well-known name prefixes.
func (r *Reconciler) sweepContainers(ctx context.Context) int {
	if r.Containers == nil {
		return 0
	}
	ns := r.Cfg.ContainerNamespace
	list, err := r.Containers.ListByPrefix(ctx,
		ns+"-chat-", ns+"-login-", ns+"-autoconf-", ns+"-build-")
	if err != nil {
		slog.Warn("Container sweep skipped", "error", err)
		return 0
	}
	removed := 0
	for _, info := range list {
		if info.Running {
			continue
		}
		if err := r.Containers.RemoveContainer(ctx, info.ID); err != nil {
			slog.Warn("Could not remove container", "name", info.Name, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// sweepDir removes any child directory whose name is not a known id.
func sweepDir(dir string, known map[string]bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if known[e.Name()] {
			continue
		}
		if os.RemoveAll(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

func knownIDs(s *state.State) map[string]bool {
	known := make(map[string]bool)
	for _, p := range s.Projects {
		known[p.ID] = true
	}
	for _, c := range s.Chats {
		known[c.ID] = true
	}
	return known
}

// killProcessGroup terminates pid's group if alive: SIGTERM, grace, SIGKILL.
// Reports whether a live process was found.
func killProcessGroup(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return true
}
