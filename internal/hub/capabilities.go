package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"agenthub/internal/build"
	"agenthub/internal/events"
	"agenthub/internal/gitutil"
)

var agentCLIs = []string{"codex", "claude", "gemini"}

// AgentCapabilities returns the cached CLI version map.
func (h *Controller) AgentCapabilities() map[string]string {
	h.capsMu.Lock()
	defer h.capsMu.Unlock()
	out := make(map[string]string, len(h.caps))
	for k, v := range h.caps {
		out[k] = v
	}
	return out
}

// runtimeFingerprint folds the detected CLI versions into the snapshot
// fingerprint so a tooling upgrade invalidates cached images.
func (h *Controller) runtimeFingerprint() string {
	return build.RuntimeInputsFingerprint(h.AgentCapabilities())
}

// loadCapabilities restores the cache file written by a previous run.
func (h *Controller) loadCapabilities() {
	raw, err := os.ReadFile(h.Cfg.CapabilitiesPath())
	if err != nil {
		return
	}
	var caps map[string]string
	if json.Unmarshal(raw, &caps) != nil {
		return
	}
	h.capsMu.Lock()
	h.caps = caps
	h.capsMu.Unlock()
}

// probeAgentCapabilities detects the installed agent CLI versions, persists
// the cache, and publishes a change event when anything moved.
func (h *Controller) probeAgentCapabilities(ctx context.Context) {
	caps := map[string]string{}
	for _, cli := range agentCLIs {
		probeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		out, err := h.Runner.Run(probeCtx, "", nil, cli, "--version")
		cancel()
		if err != nil {
			continue
		}
		if version := gitutil.LastLine(out); version != "" {
			caps[cli] = strings.TrimSpace(version)
		}
	}

	h.capsMu.Lock()
	changed := len(caps) != len(h.caps)
	if !changed {
		for k, v := range caps {
			if h.caps[k] != v {
				changed = true
				break
			}
		}
	}
	h.caps = caps
	h.capsMu.Unlock()

	if !changed {
		return
	}
	raw, _ := json.MarshalIndent(caps, "", "  ")
	tmp := h.Cfg.CapabilitiesPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err == nil {
		if err := os.Rename(tmp, h.Cfg.CapabilitiesPath()); err != nil {
			os.Remove(tmp)
		}
	}
	slog.Info("Agent capabilities changed", "capabilities", caps)
	h.Bus.Publish(events.TypeAgentCapsChanged, caps)
}
