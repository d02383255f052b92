package auth

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"agenthub/internal/ansi"
	"agenthub/internal/huberr"
	"agenthub/internal/identity"
)

// Login session statuses.
const (
	LoginStarting          = "starting"
	LoginRunning           = "running"
	LoginWaitingBrowser    = "waiting_for_browser"
	LoginWaitingDeviceCode = "waiting_for_device_code"
	LoginCallbackReceived  = "callback_received"
	LoginConnected         = "connected"
	LoginFailed            = "failed"
	LoginCancelled         = "cancelled"
)

const loginLogCapacity = 200

var (
	deviceCodeRe = regexp.MustCompile(`\b([A-Z0-9]{4}-[A-Z0-9]{5})\b`)
	loginURLRe   = regexp.MustCompile(`https://[^\s"']+`)
	redirectRe   = regexp.MustCompile(`redirect_uri=http%3A%2F%2Flocalhost%3A(\d+)([^&\s"']*)|redirect_uri=http://localhost:(\d+)([^&\s"']*)`)
)

// LoginSession is the in-memory state of one `codex login` container run.
type LoginSession struct {
	ID               string     `json:"id"`
	ContainerName    string     `json:"container_name"`
	Method           string     `json:"method"` // browser_callback | device_auth
	Status           string     `json:"status"`
	LoginURL         string     `json:"login_url,omitempty"`
	DeviceCode       string     `json:"device_code,omitempty"`
	LocalCallbackURL string     `json:"local_callback_url,omitempty"`
	CallbackPort     int        `json:"callback_port,omitempty"`
	CallbackPath     string     `json:"callback_path,omitempty"`
	LogTail          []string   `json:"log_tail,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	cmd *exec.Cmd
}

// LoginSpec parameterizes the login container launch.
type LoginSpec struct {
	Image      string
	DeviceAuth bool
	Identity   identity.Identity
	CodexHome  string // host directory mounted as the container codex home
}

// StartLogin launches the login container and begins tailing its output.
// Only one login session runs at a time; a live session is a conflict.
func (m *Manager) StartLogin(spec LoginSpec) (*LoginSession, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	if m.login != nil {
		switch m.login.Status {
		case LoginConnected, LoginFailed, LoginCancelled:
		default:
			return nil, huberr.Conflict("a login session is already running")
		}
	}

	method := "browser_callback"
	args := []string{"login"}
	if spec.DeviceAuth {
		method = "device_auth"
		args = append(args, "--device-auth")
	}

	sess := &LoginSession{
		ID:            uuid.NewString(),
		ContainerName: m.cfg.ContainerName("login", uuid.NewString()[:8]),
		Method:        method,
		Status:        LoginStarting,
		StartedAt:     time.Now().UTC(),
	}

	runArgs := []string{
		"run", "--rm", "-i",
		"--name", sess.ContainerName,
		"--user", fmt.Sprintf("%d:%d", spec.Identity.UID, spec.Identity.GID),
		"-v", spec.CodexHome + ":/home/agent/.codex",
		"-e", "HOME=/home/agent",
		spec.Image, "codex",
	}
	runArgs = append(runArgs, args...)

	cmd := exec.Command("docker", runArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	master, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start login container: %w", err)
	}
	sess.cmd = cmd
	sess.Status = LoginRunning
	m.login = sess

	go m.tailLogin(sess, master, spec.CodexHome)
	m.publishLoginSession()
	return m.loginView(sess), nil
}

// tailLogin owns the PTY master: reads lines, scans for the login URL and
// device codes, and records the terminal outcome when the process exits.
func (m *Manager) tailLogin(sess *LoginSession, master *os.File, codexHome string) {
	defer master.Close()

	stripper := &ansi.Stripper{}
	scanner := bufio.NewScanner(master)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(stripper.Strip(scanner.Text()))
		if line == "" {
			continue
		}
		m.loginMu.Lock()
		appendBounded(&sess.LogTail, line, loginLogCapacity)
		m.scanLoginLine(sess, line)
		m.loginMu.Unlock()
		m.publishLoginSession()
	}

	err := sess.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	now := time.Now().UTC()

	m.loginMu.Lock()
	sess.ExitCode = &exitCode
	sess.CompletedAt = &now
	if sess.Status == LoginCancelled {
		m.loginMu.Unlock()
		m.publishLoginSession()
		return
	}
	// Exit success is conditional on a valid chatgpt auth.json.
	if exitCode == 0 && hasChatGPTAuth(codexHome) {
		sess.Status = LoginConnected
	} else {
		sess.Status = LoginFailed
		if exitCode != 0 {
			sess.Error = fmt.Sprintf("codex login exited with code %d", exitCode)
		} else {
			sess.Error = "codex login exited without a valid chatgpt auth.json"
		}
	}
	m.loginMu.Unlock()
	m.publishLoginSession()
	if sess.Status == LoginConnected {
		m.emitAuthChanged("openai_account_connected")
	}
}

// scanLoginLine updates session state from one sanitized output line.
// Caller holds loginMu.
func (m *Manager) scanLoginLine(sess *LoginSession, line string) {
	if sess.LoginURL == "" {
		if u := findLoginURL(line); u != "" {
			sess.LoginURL = u
			port, path := parseCallbackTarget(u)
			if port > 0 {
				sess.CallbackPort = port
				sess.CallbackPath = path
				sess.LocalCallbackURL = fmt.Sprintf("http://localhost:%d%s", port, path)
			}
			if sess.Method == "browser_callback" {
				sess.Status = LoginWaitingBrowser
			}
		}
	}
	if sess.Method == "device_auth" && sess.DeviceCode == "" {
		if match := deviceCodeRe.FindStringSubmatch(line); match != nil {
			sess.DeviceCode = match[1]
			sess.Status = LoginWaitingDeviceCode
		}
	}
}

// findLoginURL applies the URL heuristics: known OAuth hosts, or any URL
// carrying a localhost redirect_uri.
func findLoginURL(line string) string {
	for _, raw := range loginURLRe.FindAllString(line, -1) {
		u := strings.TrimRight(raw, ".,;)")
		lower := strings.ToLower(u)
		if strings.Contains(lower, "auth.openai.com") ||
			strings.Contains(lower, "auth.chatgpt.com") ||
			strings.Contains(lower, "chatgpt.com") {
			return u
		}
		if strings.Contains(lower, "redirect_uri=http%3a%2f%2flocalhost") ||
			strings.Contains(lower, "redirect_uri=http://localhost") {
			return u
		}
	}
	return ""
}

// parseCallbackTarget extracts the loopback port and path of the OAuth
// redirect_uri embedded in a login URL.
func parseCallbackTarget(loginURL string) (int, string) {
	match := redirectRe.FindStringSubmatch(loginURL)
	if match == nil {
		return 0, ""
	}
	portStr, path := match[1], match[2]
	if portStr == "" {
		portStr, path = match[3], match[4]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, ""
	}
	if decoded := strings.ReplaceAll(strings.ReplaceAll(path, "%2F", "/"), "%2f", "/"); decoded != "" {
		path = decoded
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return port, path
}

// hasChatGPTAuth checks for an auth.json with auth_mode=chatgpt and a
// non-empty refresh token.
func hasChatGPTAuth(codexHome string) bool {
	raw, err := os.ReadFile(filepath.Join(codexHome, "auth.json"))
	if err != nil {
		return false
	}
	var auth struct {
		AuthMode string `json:"auth_mode"`
		Tokens   struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return false
	}
	return auth.AuthMode == "chatgpt" && auth.Tokens.RefreshToken != ""
}

// CancelLogin terminates a running login session.
func (m *Manager) CancelLogin() error {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if m.login == nil {
		return huberr.NotFound("no login session")
	}
	switch m.login.Status {
	case LoginConnected, LoginFailed, LoginCancelled:
		return huberr.Conflict("login session already finished")
	}
	m.login.Status = LoginCancelled
	if m.login.cmd != nil && m.login.cmd.Process != nil {
		_ = syscall.Kill(-m.login.cmd.Process.Pid, syscall.SIGTERM)
	}
	return nil
}

// MarkCallbackReceived transitions the session after the relay delivered the
// browser callback into the container.
func (m *Manager) MarkCallbackReceived() {
	m.loginMu.Lock()
	if m.login != nil && (m.login.Status == LoginWaitingBrowser || m.login.Status == LoginRunning) {
		m.login.Status = LoginCallbackReceived
	}
	m.loginMu.Unlock()
	m.publishLoginSession()
}

// LoginSessionView returns a copy of the current session, or nil.
func (m *Manager) LoginSessionView() *LoginSession {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if m.login == nil {
		return nil
	}
	return m.loginView(m.login)
}

// LoginCallbackTarget reports the container name, port, and path the relay
// should deliver a browser callback to.
func (m *Manager) LoginCallbackTarget() (containerName string, port int, path string, err error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if m.login == nil {
		return "", 0, "", huberr.NotFound("no login session")
	}
	if m.login.CallbackPort == 0 {
		return "", 0, "", huberr.Conflict("login session has not announced a callback port yet")
	}
	return m.login.ContainerName, m.login.CallbackPort, m.login.CallbackPath, nil
}

func (m *Manager) loginView(sess *LoginSession) *LoginSession {
	cp := *sess
	cp.cmd = nil
	cp.LogTail = append([]string{}, sess.LogTail...)
	return &cp
}

func (m *Manager) publishLoginSession() {
	m.publish("openai_account_session", m.LoginSessionView())
}

func appendBounded(list *[]string, line string, capacity int) {
	*list = append(*list, line)
	if len(*list) > capacity {
		*list = (*list)[len(*list)-capacity:]
	}
}
