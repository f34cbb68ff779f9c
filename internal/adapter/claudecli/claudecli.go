// Package claudecli runs agent turns through the Claude Code CLI in
// stream-json mode.
package claudecli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// DefaultBinary is the CLI looked up on PATH.
const DefaultBinary = "claude"

// Runtime implements agent.Runtime by spawning one CLI process per turn.
type Runtime struct {
	bin    string
	logger *zap.Logger
}

var _ agent.Runtime = (*Runtime)(nil)

// New creates a CLI runtime. An empty bin selects DefaultBinary.
func New(bin string, logger *zap.Logger) *Runtime {
	if bin == "" {
		bin = DefaultBinary
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{bin: bin, logger: logger}
}

// buildArgs assembles the CLI arguments for a turn. mcpConfig is empty when
// tool calls are auto-accepted.
func buildArgs(req agent.InvokeRequest, mcpConfig string) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--allowedTools", "Bash(git:*)",
	}
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
		if req.Fork {
			args = append(args, "--fork-session")
		}
	}
	if req.Model != "" {
		args = append(args, "--model", string(req.Model))
	}
	if mcpConfig == "" {
		args = append(args, "--permission-mode", "acceptEdits")
	} else {
		args = append(args,
			"--permission-prompt-tool", PermissionPromptTool,
			"--mcp-config", mcpConfig,
		)
	}
	return args
}

// Invoke starts the CLI and streams its events.
func (r *Runtime) Invoke(ctx context.Context, req agent.InvokeRequest) (<-chan agent.Event, error) {
	var b *bridge
	mcpConfig := ""
	if req.CanUseTool != nil {
		var err error
		b, err = startBridge(ctx, req.CanUseTool, r.logger)
		if err != nil {
			return nil, err
		}
		mcpConfig = b.mcpConfig()
	}

	cmd := exec.CommandContext(ctx, r.bin, buildArgs(req, mcpConfig)...)
	cmd.Dir = req.WorkingDirectory
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start %s: %w", r.bin, err)
	}

	r.logger.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("working_directory", req.WorkingDirectory),
		zap.String("resume", req.ResumeID),
		zap.Bool("fork", req.Fork),
		zap.Bool("interactive", b != nil))

	events := make(chan agent.Event)
	go r.stream(ctx, cmd, stdout, stderr, b, events)
	return events, nil
}

func (r *Runtime) stream(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader, b *bridge, events chan<- agent.Event) {
	defer close(events)
	defer b.Close()

	emit := func(ev agent.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	tail := &lastLine{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.readStderr(stderr, tail)
	}()

	terminal, parseErr := Parse(stdout, emit, r.logger)
	// Keep the pipe flowing so the process can exit.
	if !terminal && ctx.Err() == nil && parseErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	wg.Wait()
	waitErr := cmd.Wait()

	if terminal {
		return
	}
	switch {
	case ctx.Err() != nil:
		emit(agent.Event{Kind: agent.EventError, Err: domain.ErrAborted})
	case waitErr != nil:
		msg := tail.get()
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && msg != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, msg)
		}
		emit(agent.Event{Kind: agent.EventError, Err: fmt.Errorf("agent process failed: %w", waitErr)})
	case parseErr != nil:
		emit(agent.Event{Kind: agent.EventError, Err: parseErr})
	default:
		emit(agent.Event{Kind: agent.EventError, Err: errors.New("agent process exited without a result")})
	}
}

func (r *Runtime) readStderr(stderr io.Reader, tail *lastLine) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Contains(line, "[DEBUG]") || strings.Contains(line, "Refreshing") {
			continue
		}
		tail.set(line)
		r.logger.Warn("agent stderr", zap.String("line", truncate(line, 500)))
	}
}

// lastLine keeps the most recent stderr line for error messages.
type lastLine struct {
	mu   sync.Mutex
	line string
}

func (l *lastLine) set(s string) {
	l.mu.Lock()
	l.line = s
	l.mu.Unlock()
}

func (l *lastLine) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.line
}
