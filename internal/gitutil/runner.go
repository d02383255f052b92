// Package gitutil drives the git CLI for clones, hard syncs, and credential
// probes. Subprocesses go through the Runner interface so tests can fake
// them; the same interface is reused for openssl and docker-run invocations.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one subprocess and returns combined stdout+stderr.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)
}

// ExecRunner is the production Runner backed by os/exec. The child inherits
// the hub environment plus the supplied overrides.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// RunnerFunc adapts a function to Runner (tests).
type RunnerFunc func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	return f(ctx, dir, env, name, args...)
}

const probeTimeout = 8 * time.Second

// Git wraps git operations over a Runner with a fixed env (credential helper
// registration from the broker).
type Git struct {
	Runner Runner
	Env    []string
}

// EnsureClone clones url into dir unless dir already holds a git checkout.
func (g Git) EnsureClone(ctx context.Context, dir, url string) error {
	if _, err := os.Stat(dir + "/.git"); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	out, err := g.Runner.Run(ctx, "", g.Env, "git", "clone", url, dir)
	if err != nil {
		return fmt.Errorf("git clone failed: %s: %w", LastLine(out), err)
	}
	return nil
}

// HardSync fetches origin and resets the checkout to origin/<branch>.
func (g Git) HardSync(ctx context.Context, dir, branch string) error {
	if out, err := g.Runner.Run(ctx, dir, g.Env, "git", "fetch", "--prune", "origin"); err != nil {
		return fmt.Errorf("git fetch failed: %s: %w", LastLine(out), err)
	}
	ref := "origin/" + branch
	if out, err := g.Runner.Run(ctx, dir, g.Env, "git", "checkout", "--force", branch); err != nil {
		return fmt.Errorf("git checkout %s failed: %s: %w", branch, LastLine(out), err)
	}
	if out, err := g.Runner.Run(ctx, dir, g.Env, "git", "reset", "--hard", ref); err != nil {
		return fmt.Errorf("git reset to %s failed: %s: %w", ref, LastLine(out), err)
	}
	if out, err := g.Runner.Run(ctx, dir, g.Env, "git", "clean", "-fdx"); err != nil {
		return fmt.Errorf("git clean failed: %s: %w", LastLine(out), err)
	}
	return nil
}

// HeadSHA returns the commit the checkout currently points at.
func (g Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := g.Runner.Run(ctx, dir, g.Env, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %s: %w", LastLine(out), err)
	}
	return strings.TrimSpace(out), nil
}

// RemoteDefaultBranch resolves the remote's symbolic default branch via
// `git ls-remote --symref <url> HEAD`. Empty when not determinable.
func (g Git) RemoteDefaultBranch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := g.Runner.Run(ctx, "", g.Env, "git", "ls-remote", "--symref", url, "HEAD")
	if err != nil {
		return "", fmt.Errorf("git ls-remote --symref failed: %s: %w", LastLine(out), err)
	}
	// "ref: refs/heads/main\tHEAD"
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "ref:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return strings.TrimPrefix(fields[1], "refs/heads/"), nil
			}
		}
	}
	return "", nil
}

// Probe verifies that the env's credentials can read the repository.
func (g Git) Probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := g.Runner.Run(ctx, "", g.Env, "git", "ls-remote", "--exit-code", url, "HEAD")
	if err != nil {
		return fmt.Errorf("git ls-remote probe failed: %s: %w", LastLine(out), err)
	}
	return nil
}

// LastLine returns the last non-empty line of subprocess output, which is
// usually the informative one.
func LastLine(out string) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
