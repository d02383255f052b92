// Package launch compiles the deterministic docker-run argv that starts an
// agent runtime, and parses it back for launch-profile views. Same inputs
// always yield byte-identical argv so tests can assert it literally.
package launch

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ContainerWorkspace is where the project checkout is mounted inside every
// runtime container.
const ContainerWorkspace = "/workspace"

// credMountDir is where materialized credential files appear in-container.
const credMountDir = "/agent-hub/credentials"

// CredentialFile pairs a materialized credential file with its host.
type CredentialFile struct {
	Path string
	Host string
}

// Spec is everything the compiler needs to produce the argv.
type Spec struct {
	Workspace            string
	ContainerProjectName string
	SnapshotTag          string
	AgentCommand         string // codex | claude | gemini
	Resume               bool
	LocalUID             int
	LocalGID             int
	Username             string
	SupplementaryGIDs    []int
	ROMounts             []string
	RWMounts             []string
	EnvVars              []string
	ExtraArgs            []string
	ContainerName        string
	TmpHostPath          string // optional host dir to mount as /tmp
	CredentialFiles      []CredentialFile
	PrepareSnapshotOnly  bool
	SetupScript          string // only used when PrepareSnapshotOnly
}

var projectNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SanitizeProjectName makes a name safe for container naming.
func SanitizeProjectName(name string) string {
	cleaned := projectNameSanitizer.ReplaceAllString(name, "-")
	cleaned = strings.Trim(cleaned, "-.")
	if cleaned == "" {
		cleaned = "project"
	}
	return cleaned
}

// Compile produces the docker-run argv. Field order is fixed: flags, user,
// groups, workdir, workspace mount, tmp mount, env vars, ro mounts, rw
// mounts, credential mounts, image, agent argv.
func Compile(spec Spec) []string {
	argv := []string{"docker", "run"}

	if spec.PrepareSnapshotOnly {
		// The container is committed into the snapshot tag afterwards, so it
		// must survive exit.
		argv = append(argv, "--init")
	} else {
		argv = append(argv, "--rm", "--init", "-i")
	}
	if spec.ContainerName != "" {
		argv = append(argv, "--name", spec.ContainerName)
	}
	argv = append(argv, "--user", fmt.Sprintf("%d:%d", spec.LocalUID, spec.LocalGID))
	for _, gid := range spec.SupplementaryGIDs {
		argv = append(argv, "--group-add", fmt.Sprintf("%d", gid))
	}
	argv = append(argv, "--workdir", ContainerWorkspace)
	if spec.Workspace != "" {
		argv = append(argv, "-v", spec.Workspace+":"+ContainerWorkspace)
	}
	if !mountsTarget(spec.RWMounts, ContainerWorkspace+"/tmp") {
		if spec.TmpHostPath != "" {
			argv = append(argv, "-v", spec.TmpHostPath+":/tmp")
		} else {
			argv = append(argv, "--tmpfs", "/tmp:mode=1777,exec")
		}
	}
	for _, env := range spec.EnvVars {
		argv = append(argv, "-e", env)
	}
	for _, mount := range spec.ROMounts {
		argv = append(argv, "-v", ensureROSuffix(mount))
	}
	for _, mount := range spec.RWMounts {
		argv = append(argv, "-v", mount)
	}
	for _, cf := range spec.CredentialFiles {
		target := filepath.Join(credMountDir, filepath.Base(cf.Path))
		argv = append(argv, "-v", cf.Path+":"+target+":ro")
	}

	argv = append(argv, spec.SnapshotTag)

	if spec.PrepareSnapshotOnly {
		argv = append(argv, "/bin/bash", "-lc", spec.SetupScript)
		return argv
	}

	argv = append(argv, spec.AgentCommand)
	if spec.Resume {
		switch spec.AgentCommand {
		case "codex":
			argv = append(argv, "resume", "--last")
		case "claude":
			argv = append(argv, "--continue")
		case "gemini":
			argv = append(argv, "--resume")
		}
	}
	argv = append(argv, spec.ExtraArgs...)
	return argv
}

// SplitAgentArgs turns a user-supplied extra-args string into argv words.
func SplitAgentArgs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	words, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("unparseable agent args: %w", err)
	}
	return words, nil
}

func ensureROSuffix(mount string) string {
	if strings.HasSuffix(mount, ":ro") {
		return mount
	}
	return mount + ":ro"
}

func mountsTarget(mounts []string, target string) bool {
	for _, m := range mounts {
		parts := strings.Split(m, ":")
		if len(parts) >= 2 && parts[1] == target {
			return true
		}
	}
	return false
}
