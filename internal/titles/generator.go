// Package titles derives short chat titles from the submitted prompt
// history, either through the OpenAI API or through the local codex CLI when
// only a ChatGPT account is connected.
package titles

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
	"agenthub/internal/state"
)

// MaxChars caps generated titles.
const MaxChars = 80

// NoCredentialsMessage is the fixed error recorded when neither an API key
// nor a ChatGPT account is connected.
const NoCredentialsMessage = "no OpenAI credentials configured; connect an API key or ChatGPT account in settings"

const systemPrompt = "You generate a short descriptive title for a coding session. " +
	"Answer with the title only, no quotes, at most 8 words."

// Deps wires the generator into the hub.
type Deps struct {
	Store      *state.Store
	Model      string
	APIBaseURL string
	HTTPClient *http.Client
	// OpenAIKey returns the connected API key, or empty.
	OpenAIKey func() string
	// AccountReady reports whether a ChatGPT account login is usable.
	AccountReady func() bool
	CodexHome    string
	Runner       gitutil.Runner
	TmpDir       string
}

// Generator runs at most one title pass per chat, with a pending-rerun flag
// for triggers that arrive mid-pass.
type Generator struct {
	deps Deps

	mu      sync.Mutex
	running map[string]bool
	pending map[string]bool
}

func New(deps Deps) *Generator {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Generator{
		deps:    deps,
		running: make(map[string]bool),
		pending: make(map[string]bool),
	}
}

// Trigger schedules a title pass for the chat. While a pass is in flight a
// second trigger only marks the rerun flag.
func (g *Generator) Trigger(chatID string) {
	g.mu.Lock()
	if g.running[chatID] {
		g.pending[chatID] = true
		g.mu.Unlock()
		return
	}
	g.running[chatID] = true
	g.mu.Unlock()

	go g.loop(chatID)
}

func (g *Generator) loop(chatID string) {
	for {
		g.pass(chatID)

		g.mu.Lock()
		if g.pending[chatID] {
			delete(g.pending, chatID)
			g.mu.Unlock()
			continue
		}
		delete(g.running, chatID)
		g.mu.Unlock()
		return
	}
}

func (g *Generator) pass(chatID string) {
	snap := g.deps.Store.Snapshot()
	c := snap.ChatByID(chatID)
	if c == nil {
		return
	}
	prompts := NormalizePrompts(c.TitleUserPrompts)
	if len(prompts) == 0 {
		return
	}
	fp := Fingerprint(g.deps.Model, MaxChars, prompts)
	if fp == c.TitlePromptFingerprint {
		return
	}

	_, _ = g.deps.Store.Mutate("title_pending", func(s *state.State) error {
		if cur := s.ChatByID(chatID); cur != nil {
			cur.TitleStatus = state.TitlePending
			cur.TitleError = ""
		}
		return nil
	})

	title, err := g.generate(context.Background(), prompts)
	_, _ = g.deps.Store.Mutate("title_updated", func(s *state.State) error {
		cur := s.ChatByID(chatID)
		if cur == nil {
			return nil
		}
		if err != nil {
			cur.TitleStatus = state.TitleError
			cur.TitleError = huberr.DetailOf(err)
			return nil
		}
		cur.TitleCached = title
		cur.TitlePromptFingerprint = fp
		cur.TitleStatus = state.TitleReady
		cur.TitleError = ""
		return nil
	})
}

// Generate runs one backend pass outside the per-chat machinery (the
// credentials title-test endpoint).
func (g *Generator) Generate(ctx context.Context, prompts []string) (string, error) {
	return g.generate(ctx, NormalizePrompts(prompts))
}

func (g *Generator) generate(ctx context.Context, prompts []string) (string, error) {
	if key := g.deps.OpenAIKey(); key != "" {
		return g.apiTitle(ctx, key, prompts)
	}
	if g.deps.AccountReady != nil && g.deps.AccountReady() {
		return g.codexTitle(ctx, prompts)
	}
	return "", huberr.Config("%s", NoCredentialsMessage)
}

// apiTitle asks the chat-completions endpoint.
func (g *Generator) apiTitle(ctx context.Context, key string, prompts []string) (string, error) {
	payload := map[string]any{
		"model": g.deps.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt(prompts)},
		},
		"max_tokens": 40,
	}
	raw, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.deps.APIBaseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to build title request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.deps.HTTPClient.Do(req)
	if err != nil {
		return "", huberr.Upstream("title request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", huberr.Upstream("title request returned %d", resp.StatusCode)
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return "", huberr.Upstream("title response had no choices")
	}
	return Sanitize(parsed.Choices[0].Message.Content), nil
}

// codexTitle execs the bundled codex CLI in read-only sandbox mode and reads
// the last message from the output file.
func (g *Generator) codexTitle(ctx context.Context, prompts []string) (string, error) {
	outFile := filepath.Join(g.deps.TmpDir, "title-"+uuid.NewString()+".txt")
	defer os.Remove(outFile)

	env := []string{"CODEX_HOME=" + g.deps.CodexHome}
	prompt := systemPrompt + "\n\n" + userPrompt(prompts)
	out, err := g.deps.Runner.Run(ctx, "", env, "codex",
		"exec", "--sandbox", "read-only", "--output-last-message", outFile, prompt)
	if err != nil {
		return "", huberr.Upstream("codex exec failed: %s", gitutil.LastLine(out))
	}
	raw, err := os.ReadFile(outFile)
	if err != nil {
		return "", huberr.Upstream("codex exec produced no output file")
	}
	return Sanitize(string(raw)), nil
}

func userPrompt(prompts []string) string {
	return "The user asked, in order:\n- " + strings.Join(prompts, "\n- ")
}

// NormalizePrompts trims and deduplicates the prompt history, order kept.
func NormalizePrompts(prompts []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range prompts {
		p = strings.Join(strings.Fields(p), " ")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Fingerprint hashes the canonical title inputs.
func Fingerprint(model string, maxChars int, prompts []string) string {
	raw, _ := json.Marshal(struct {
		Model    string   `json:"model"`
		MaxChars int      `json:"max_chars"`
		Prompts  []string `json:"prompts"`
	}{Model: model, MaxChars: maxChars, Prompts: prompts})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Sanitize reduces model output to the first line, trimmed and capped.
func Sanitize(raw string) string {
	line := strings.TrimSpace(raw)
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.Trim(strings.TrimSpace(line), `"'`)
	runes := []rune(line)
	if len(runes) > MaxChars {
		line = strings.TrimSpace(string(runes[:MaxChars]))
	}
	return line
}
