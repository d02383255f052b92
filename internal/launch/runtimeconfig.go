package launch

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed assets/agent_tools_mcp.py
var agentToolsMCPScript []byte

// MCPSettings are the values injected into the runtime config so the
// in-container agent_tools MCP can call back into the hub.
type MCPSettings struct {
	Token       string
	CallbackURL string
	ProjectID   string
	ChatID      string
	SessionID   string
}

// RenderRuntimeConfig produces the per-chat codex config: the project base
// config text with the workspace trust upsert (codex only) and the
// agent_tools MCP server block injected.
func RenderRuntimeConfig(baseConfig string, agentCommand, containerWorkspace string, mcp MCPSettings) (string, error) {
	doc := map[string]any{}
	if baseConfig != "" {
		if err := toml.Unmarshal([]byte(baseConfig), &doc); err != nil {
			return "", fmt.Errorf("unparseable base runtime config: %w", err)
		}
	}

	if agentCommand == "codex" {
		projects, _ := doc["projects"].(map[string]any)
		if projects == nil {
			projects = map[string]any{}
		}
		entry, _ := projects[containerWorkspace].(map[string]any)
		if entry == nil {
			entry = map[string]any{}
		}
		entry["trust_level"] = "trusted"
		projects[containerWorkspace] = entry
		doc["projects"] = projects
	}

	env := map[string]string{
		"AGENT_HUB_AGENT_TOOLS_URL":   mcp.CallbackURL,
		"AGENT_HUB_AGENT_TOOLS_TOKEN": mcp.Token,
	}
	if mcp.ProjectID != "" {
		env["AGENT_HUB_AGENT_TOOLS_PROJECT_ID"] = mcp.ProjectID
	}
	if mcp.ChatID != "" {
		env["AGENT_HUB_AGENT_TOOLS_CHAT_ID"] = mcp.ChatID
	}
	if mcp.SessionID != "" {
		env["AGENT_HUB_AGENT_TOOLS_SESSION_ID"] = mcp.SessionID
	}

	servers, _ := doc["mcp_servers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
	}
	servers["agent_tools"] = map[string]any{
		"command": "python3",
		"args":    []string{"~/.codex/agent_hub/agent_tools_mcp.py"},
		"env":     env,
	}
	doc["mcp_servers"] = servers

	rendered, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render runtime config: %w", err)
	}
	return string(rendered), nil
}

// WriteRuntimeConfig materializes the rendered config into the private
// runtime-configs directory and returns its path.
func WriteRuntimeConfig(dir, id, rendered string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create runtime config dir: %w", err)
	}
	path := filepath.Join(dir, id+".toml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered), 0o600); err != nil {
		return "", fmt.Errorf("failed to write runtime config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to replace runtime config: %w", err)
	}
	return path, nil
}

// MaterializeMCPScript copies the bundled agent_tools MCP runtime into the
// codex home so every launched container sees the same script.
func MaterializeMCPScript(codexHome string) (string, error) {
	dir := filepath.Join(codexHome, "agent_hub")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create mcp script dir: %w", err)
	}
	path := filepath.Join(dir, "agent_tools_mcp.py")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, agentToolsMCPScript, 0o755); err != nil {
		return "", fmt.Errorf("failed to write mcp script: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to replace mcp script: %w", err)
	}
	return path, nil
}
