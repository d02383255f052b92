// Package build implements the project build pipeline: deterministic
// setup-snapshot fingerprinting and a serialized per-project worker that
// clones, syncs, runs the setup script in the base image, and commits the
// result as the snapshot image.
package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"agenthub/internal/state"
)

// Inputs is the canonical fingerprint serialization. Field order is the
// serialization order; adding or reordering fields invalidates every cached
// snapshot, which is what the schema version bump is for.
type Inputs struct {
	SchemaVersion                    int      `json:"schema_version"`
	ProjectID                        string   `json:"project_id"`
	DefaultBranch                    string   `json:"default_branch"`
	RepoHeadSHA                      string   `json:"repo_head_sha"`
	SetupScript                      string   `json:"setup_script"`
	BaseImageMode                    string   `json:"base_image_mode"`
	BaseImageValue                   string   `json:"base_image_value"`
	DefaultROMounts                  []string `json:"default_ro_mounts"`
	DefaultRWMounts                  []string `json:"default_rw_mounts"`
	DefaultEnvVars                   []string `json:"default_env_vars"`
	AgentCLIRuntimeInputsFingerprint string   `json:"agent_cli_runtime_inputs_fingerprint"`
}

// InputsFor builds the canonical inputs from a project plus the values only
// known at build time (head SHA, resolved branch, runtime fingerprint).
func InputsFor(p *state.Project, branch, headSHA, runtimeFP string) Inputs {
	return Inputs{
		SchemaVersion:                    state.SchemaVersion,
		ProjectID:                        p.ID,
		DefaultBranch:                    branch,
		RepoHeadSHA:                      headSHA,
		SetupScript:                      p.SetupScript,
		BaseImageMode:                    string(p.BaseImageMode),
		BaseImageValue:                   p.BaseImageValue,
		DefaultROMounts:                  append([]string{}, p.DefaultROMounts...),
		DefaultRWMounts:                  append([]string{}, p.DefaultRWMounts...),
		DefaultEnvVars:                   append([]string{}, p.DefaultEnvVars...),
		AgentCLIRuntimeInputsFingerprint: runtimeFP,
	}
}

// Digest is the 16-hex-char truncated SHA-256 of the canonical JSON.
func (in Inputs) Digest() string {
	raw, _ := json.Marshal(in)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// Tag formats the snapshot image tag for these inputs.
func (in Inputs) Tag() string {
	prefix := in.ProjectID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("agent-hub-setup-%s-%s", prefix, in.Digest())
}

// RuntimeInputsFingerprint hashes the detected agent CLI versions so a CLI
// upgrade in the base tooling invalidates cached snapshots.
func RuntimeInputsFingerprint(versions map[string]string) string {
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, versions[k]})
	}
	raw, _ := json.Marshal(pairs)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}
