package autoconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"agenthub/internal/huberr"
	"agenthub/internal/state"
)

// Recipe is the project configuration proposed by the analysis agent.
type Recipe struct {
	Name            string   `json:"name,omitempty"`
	BaseImageMode   string   `json:"base_image_mode,omitempty"`
	BaseImageValue  string   `json:"base_image_value,omitempty"`
	SetupScript     string   `json:"setup_script,omitempty"`
	DefaultROMounts []string `json:"default_ro_mounts,omitempty"`
	DefaultRWMounts []string `json:"default_rw_mounts,omitempty"`
	DefaultEnvVars  []string `json:"default_env_vars,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseLastMessage extracts the recipe object from the agent's final
// message: a raw JSON object, an object in a fenced block, or the first
// top-level object found in the text.
func ParseLastMessage(text string) (Recipe, error) {
	text = strings.TrimSpace(text)
	var r Recipe
	if json.Unmarshal([]byte(text), &r) == nil && nonEmpty(r) {
		return r, nil
	}
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if json.Unmarshal([]byte(m[1]), &r) == nil && nonEmpty(r) {
			return r, nil
		}
	}
	if obj := firstJSONObject(text); obj != "" {
		if json.Unmarshal([]byte(obj), &r) == nil && nonEmpty(r) {
			return r, nil
		}
	}
	return Recipe{}, huberr.BadRequest("analysis output contained no usable JSON object")
}

// firstJSONObject scans for the first balanced top-level {...}, respecting
// string literals.
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func nonEmpty(r Recipe) bool {
	return r.BaseImageValue != "" || r.SetupScript != "" || r.Name != "" ||
		len(r.DefaultRWMounts) > 0 || len(r.DefaultEnvVars) > 0
}

// Normalize validates and cleans a parsed recipe against the checked-out
// repo: base-image mode coercion, mount validation, Dockerfile dedupe, and
// compiler-cache injection.
func Normalize(r Recipe, repoDir, cacheDir string) (Recipe, error) {
	switch state.BaseImageMode(r.BaseImageMode) {
	case state.BaseImageTag, state.BaseImageRepoPath:
	default:
		r.BaseImageMode = string(state.BaseImageTag)
	}

	for _, group := range [][]string{r.DefaultROMounts, r.DefaultRWMounts} {
		for _, m := range group {
			if err := validateMount(m); err != nil {
				return Recipe{}, err
			}
		}
	}
	for _, e := range r.DefaultEnvVars {
		if !strings.Contains(e, "=") {
			return Recipe{}, huberr.BadRequest("env var %q is not KEY=VALUE", e)
		}
	}

	r.SetupScript = dedupeAgainstDockerfile(r.SetupScript, repoDir)
	r = injectCompilerCaches(r, repoDir, cacheDir)
	return r, nil
}

// validateMount rejects malformed entries and any attempt to mount the
// docker control socket into an agent container.
func validateMount(m string) error {
	parts := strings.Split(m, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return huberr.BadRequest("mount %q is not source:target", m)
	}
	for _, p := range parts[:2] {
		if strings.Contains(p, "docker.sock") {
			return huberr.MountVisibility("recipe requested the docker socket mount %q", m)
		}
	}
	return nil
}

// dedupeAgainstDockerfile drops setup-script lines that already run as RUN
// steps in the repo's own Dockerfile.
func dedupeAgainstDockerfile(script, repoDir string) string {
	if script == "" {
		return script
	}
	raw, err := os.ReadFile(filepath.Join(repoDir, "Dockerfile"))
	if err != nil {
		return script
	}
	runSteps := map[string]bool{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "RUN "); ok {
			runSteps[strings.TrimSpace(rest)] = true
		}
	}
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		if runSteps[strings.TrimSpace(line)] {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// injectCompilerCaches adds persistent ccache/sccache mounts when the repo's
// build files reference those tools.
func injectCompilerCaches(r Recipe, repoDir, cacheDir string) Recipe {
	if cacheDir == "" {
		return r
	}
	signals := buildFileText(repoDir)
	if strings.Contains(signals, "ccache") && !hasEnvKey(r.DefaultEnvVars, "CCACHE_DIR") {
		r.DefaultRWMounts = append(r.DefaultRWMounts,
			filepath.Join(cacheDir, "ccache")+":/workspace/.ccache")
		r.DefaultEnvVars = append(r.DefaultEnvVars, "CCACHE_DIR=/workspace/.ccache")
	}
	if strings.Contains(signals, "sccache") && !hasEnvKey(r.DefaultEnvVars, "SCCACHE_DIR") {
		r.DefaultRWMounts = append(r.DefaultRWMounts,
			filepath.Join(cacheDir, "sccache")+":/workspace/.sccache")
		r.DefaultEnvVars = append(r.DefaultEnvVars, "SCCACHE_DIR=/workspace/.sccache")
	}
	return r
}

func buildFileText(repoDir string) string {
	var sb strings.Builder
	for _, name := range []string{
		"Makefile", "CMakeLists.txt", "Dockerfile", "meson.build",
		".cargo/config.toml", "configure.ac",
	} {
		if raw, err := os.ReadFile(filepath.Join(repoDir, name)); err == nil {
			sb.Write(raw)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func hasEnvKey(envs []string, key string) bool {
	for _, e := range envs {
		if strings.HasPrefix(e, key+"=") {
			return true
		}
	}
	return false
}
