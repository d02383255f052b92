// Package runtime owns the live chat processes: PTY spawn, output fan-out,
// input submission detection, resize, and shutdown. Persisted chat status
// lives in state; this package only reports transitions through callbacks.
package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"agenthub/internal/huberr"
	"agenthub/internal/telemetry"
)

const (
	ptyCols = 160
	ptyRows = 48

	readChunkSize    = 4096
	listenerCapacity = 256
	backlogCap       = 150 * 1024
	stopGrace        = 4 * time.Second
)

// Manager tracks every live chat runtime.
type Manager struct {
	logPath  func(chatID string) string
	onExit   func(chatID string, exitCode int)
	onPrompt func(chatID string, prompt string)

	mu    sync.Mutex
	chats map[string]*Runtime
}

func NewManager(logPath func(string) string, onExit func(string, int), onPrompt func(string, string)) *Manager {
	return &Manager{
		logPath:  logPath,
		onExit:   onExit,
		onPrompt: onPrompt,
		chats:    make(map[string]*Runtime),
	}
}

// Spawn starts the chat process on a fresh PTY sized 160x48 in its own
// process group. Rejects a chat that is already live.
func (m *Manager) Spawn(chatID string, argv, env []string) (*Runtime, error) {
	m.mu.Lock()
	if _, ok := m.chats[chatID]; ok {
		m.mu.Unlock()
		return nil, huberr.Conflict("chat %s is already running", chatID)
	}
	m.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn chat process: %w", err)
	}

	logFile, err := os.OpenFile(m.logPath(chatID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = master.Close()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return nil, fmt.Errorf("failed to open chat log: %w", err)
	}

	rt := &Runtime{
		ChatID:    chatID,
		cmd:       cmd,
		master:    master,
		logFile:   logFile,
		logPath:   m.logPath(chatID),
		listeners: make(map[*Listener]struct{}),
		done:      make(chan struct{}),
		mgr:       m,
	}

	m.mu.Lock()
	m.chats[chatID] = rt
	m.mu.Unlock()
	telemetry.ChatsRunning.Inc()

	go rt.readLoop()
	return rt, nil
}

// Get returns the live runtime for the chat, or nil.
func (m *Manager) Get(chatID string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chats[chatID]
}

// StopAll terminates every live runtime, bounded by the context deadline.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Runtime, 0, len(m.chats))
	for _, rt := range m.chats {
		live = append(live, rt)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range live {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			rt.Stop(ctx)
		}(rt)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (m *Manager) remove(chatID string) {
	m.mu.Lock()
	delete(m.chats, chatID)
	m.mu.Unlock()
}

// Listener is one attached terminal consumer.
type Listener struct {
	C chan []byte
}

// Runtime is one live chat process.
type Runtime struct {
	ChatID  string
	cmd     *exec.Cmd
	master  *os.File
	logFile *os.File
	logPath string
	mgr     *Manager

	mu        sync.Mutex
	listeners map[*Listener]struct{}
	parser    PromptParser
	exitCode  int
	exited    bool
	done      chan struct{}
}

// PID reports the child's process id.
func (rt *Runtime) PID() int {
	if rt.cmd.Process == nil {
		return 0
	}
	return rt.cmd.Process.Pid
}

// Write forwards UI bytes to the PTY verbatim and runs the same bytes
// through the submission detector.
func (rt *Runtime) Write(p []byte) (int, error) {
	n, err := rt.master.Write(p)
	rt.mu.Lock()
	prompts := rt.parser.Feed(p[:n])
	rt.mu.Unlock()
	for _, prompt := range prompts {
		if rt.mgr.onPrompt != nil {
			rt.mgr.onPrompt(rt.ChatID, prompt)
		}
	}
	return n, err
}

// Attach registers a listener and returns the log-tail backlog to replay
// before live chunks.
func (rt *Runtime) Attach() ([]byte, *Listener) {
	backlog := tailFile(rt.logPath, backlogCap)
	l := &Listener{C: make(chan []byte, listenerCapacity)}
	rt.mu.Lock()
	rt.listeners[l] = struct{}{}
	rt.mu.Unlock()
	return backlog, l
}

// Detach removes the listener and drains its queue.
func (rt *Runtime) Detach(l *Listener) {
	rt.mu.Lock()
	delete(rt.listeners, l)
	rt.mu.Unlock()
	for {
		select {
		case <-l.C:
		default:
			return
		}
	}
}

// Resize applies the terminal geometry and notifies the child group.
func (rt *Runtime) Resize(cols, rows uint16) error {
	if err := pty.Setsize(rt.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	if pid := rt.PID(); pid > 0 {
		_ = syscall.Kill(-pid, unix.SIGWINCH)
	}
	return nil
}

// Stop terminates the child group: SIGTERM, grace, SIGKILL.
func (rt *Runtime) Stop(ctx context.Context) {
	pid := rt.PID()
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-rt.done:
		return
	case <-grace.C:
	case <-ctx.Done():
	}
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	select {
	case <-rt.done:
	case <-ctx.Done():
	}
}

// ExitCode blocks until the process has exited and returns its normalized
// exit code.
func (rt *Runtime) ExitCode() int {
	<-rt.done
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.exitCode
}

// readLoop owns the PTY master: read, decode incrementally, log, fan out.
func (rt *Runtime) readLoop() {
	defer rt.finish()

	var pending []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := rt.master.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			complete, rest := splitCompleteUTF8(pending)
			if len(complete) > 0 {
				rt.emit(complete)
			}
			pending = rest
		}
		if err != nil {
			// A closed PTY surfaces as EIO on Linux once the child exits.
			if len(pending) > 0 {
				rt.emit(pending)
			}
			return
		}
	}
}

func (rt *Runtime) emit(chunk []byte) {
	_, _ = rt.logFile.Write(chunk)

	out := make([]byte, len(chunk))
	copy(out, chunk)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for l := range rt.listeners {
		for {
			select {
			case l.C <- out:
			default:
				select {
				case dropped := <-l.C:
					telemetry.TerminalBytesDropped.Add(float64(len(dropped)))
				default:
				}
				continue
			}
			break
		}
	}
}

func (rt *Runtime) finish() {
	err := rt.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	_ = rt.master.Close()
	_ = rt.logFile.Close()

	rt.mu.Lock()
	rt.exitCode = code
	rt.exited = true
	for l := range rt.listeners {
		close(l.C)
	}
	rt.listeners = make(map[*Listener]struct{})
	rt.mu.Unlock()
	close(rt.done)

	rt.mgr.remove(rt.ChatID)
	telemetry.ChatsRunning.Dec()
	if rt.mgr.onExit != nil {
		rt.mgr.onExit(rt.ChatID, code)
	}
}

// splitCompleteUTF8 cuts b at the last complete rune boundary so a
// multi-byte rune split across reads is never emitted in halves.
func splitCompleteUTF8(b []byte) (complete, rest []byte) {
	n := len(b)
	for back := 1; back <= utf8.UTFMax && back <= n; back++ {
		c := b[n-back]
		if c < 0x80 {
			return b, nil
		}
		if c >= 0xc0 {
			// start byte: hold it back if its sequence is still short
			if expectedRuneLen(c) > back {
				return b[:n-back], b[n-back:]
			}
			return b, nil
		}
		// continuation byte, keep scanning backward
	}
	return b, nil
}

func expectedRuneLen(start byte) int {
	switch {
	case start >= 0xf0:
		return 4
	case start >= 0xe0:
		return 3
	default:
		return 2
	}
}

// tailFile returns the last max bytes of path, aligned to a rune boundary.
func tailFile(path string, max int64) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	offset := int64(0)
	if info.Size() > max {
		offset = info.Size() - max
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil
	}
	data := make([]byte, info.Size()-offset)
	n, _ := f.Read(data)
	data = data[:n]
	// drop a leading partial rune after the cut
	for len(data) > 0 && data[0] >= 0x80 && data[0] < 0xc0 {
		data = data[1:]
	}
	return data
}
