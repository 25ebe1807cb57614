// ABOUTME: ACP backend - drives an agent child process over JSON-RPC on stdio.
// ABOUTME: Streams session/update notifications as events; reconnects with backoff.

package backends

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/2389/gorp/internal/agent"
	"github.com/2389/gorp/internal/reconnect"
)

// DefaultACPTimeout bounds a single prompt round-trip.
const DefaultACPTimeout = 300 * time.Second

// ACPConfig configures the ACP backend.
type ACPConfig struct {
	Binary      string   `json:"binary"`
	TimeoutSecs int      `json:"timeout_secs"`
	WorkingDir  string   `json:"working_dir"`
	ExtraArgs   []string `json:"extra_args,omitempty"`
}

// ACPBackend keeps one agent child process alive across prompts and speaks
// JSON-RPC 2.0 with it over stdin/stdout. A dead process is respawned with
// exponential backoff on the next call.
type ACPBackend struct {
	cfg     ACPConfig
	timeout time.Duration
	logger  *slog.Logger
	backoff *reconnect.Backoff

	proc *acpProcess
}

// NewACPBackend creates an ACP backend. Binary is required; the prompt
// timeout defaults to DefaultACPTimeout.
func NewACPBackend(cfg ACPConfig) (*ACPBackend, error) {
	if cfg.Binary == "" {
		return nil, errors.New("acp config: binary is required")
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	timeout := DefaultACPTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return &ACPBackend{
		cfg:     cfg,
		timeout: timeout,
		logger:  slog.Default().With("component", "acp"),
		backoff: reconnect.New(reconnect.DefaultConfig()),
	}, nil
}

func (a *ACPBackend) Name() string { return "acp" }

// ensureProcess returns a live child, respawning with backoff after a
// crash. Called only from the handle's owner goroutine.
func (a *ACPBackend) ensureProcess(ctx context.Context) (*acpProcess, error) {
	if a.proc != nil && a.proc.alive() {
		return a.proc, nil
	}
	a.proc = nil

	for {
		proc, err := spawnACP(a.cfg, a.logger)
		if err == nil {
			if err = proc.initialize(ctx, a.timeout); err == nil {
				a.backoff.RecordSuccess()
				a.proc = proc
				return proc, nil
			}
			proc.kill()
		}
		a.logger.Warn("agent process unavailable", "error", err)

		delay, ok := a.backoff.RecordFailure()
		if !ok {
			return nil, fmt.Errorf("agent process gave up after %d failures: %w",
				a.backoff.ConsecutiveFailures(), err)
		}
		a.logger.Info("retrying agent spawn", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *ACPBackend) NewSession(ctx context.Context) (string, error) {
	proc, err := a.ensureProcess(ctx)
	if err != nil {
		return "", err
	}

	result, err := proc.call(ctx, "session/new", map[string]any{
		"cwd":        a.cfg.WorkingDir,
		"mcpServers": []any{},
	}, a.timeout)
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || resp.SessionID == "" {
		return "", fmt.Errorf("session/new returned no session id")
	}
	return resp.SessionID, nil
}

func (a *ACPBackend) LoadSession(ctx context.Context, sessionID string) error {
	proc, err := a.ensureProcess(ctx)
	if err != nil {
		return err
	}

	if _, err := proc.call(ctx, "session/load", map[string]any{
		"sessionId":  sessionID,
		"cwd":        a.cfg.WorkingDir,
		"mcpServers": []any{},
	}, a.timeout); err != nil {
		return fmt.Errorf("session/load %s: %w", sessionID, err)
	}
	return nil
}

func (a *ACPBackend) Prompt(ctx context.Context, sessionID, text string, events chan<- agent.Event) error {
	proc, err := a.ensureProcess(ctx)
	if err != nil {
		return err
	}

	sink := newUpdateSink(ctx, events)
	proc.setSink(sink)
	defer proc.setSink(nil)

	result, err := proc.call(ctx, "session/prompt", map[string]any{
		"sessionId": sessionID,
		"prompt": []map[string]any{
			{"type": "text", "text": text},
		},
	}, a.timeout)

	if err != nil {
		if errors.Is(err, errCallTimeout) {
			// Best effort: tell the agent to stop, then report the timeout.
			_ = proc.notify("session/cancel", map[string]any{"sessionId": sessionID})
			sink.emit(agent.ErrorOf(agent.CodeTimeout,
				fmt.Sprintf("prompt timed out after %s", a.timeout), true))
			return nil
		}
		if errors.Is(err, errProcessDied) {
			sink.emit(agent.ErrorOf(agent.CodeBackendError, "agent process died mid-prompt", false))
			return nil
		}
		return fmt.Errorf("session/prompt: %w", err)
	}

	var resp struct {
		StopReason string `json:"stopReason"`
	}
	_ = json.Unmarshal(result, &resp)

	metadata, _ := json.Marshal(map[string]string{"stop_reason": resp.StopReason})
	sink.emit(agent.ResultOf(sink.takeText(), nil, metadata))
	return nil
}

// Cancel forwards a session/cancel notification; the agent ends the prompt
// stream on its side.
func (a *ACPBackend) Cancel(_ context.Context, sessionID string) error {
	if a.proc == nil || !a.proc.alive() {
		return nil
	}
	return a.proc.notify("session/cancel", map[string]any{"sessionId": sessionID})
}

// Close kills the child process. Called by the handle on shutdown.
func (a *ACPBackend) Close() error {
	if a.proc != nil {
		a.proc.kill()
		a.proc = nil
	}
	return nil
}

var (
	errCallTimeout = errors.New("rpc call timed out")
	errProcessDied = errors.New("agent process exited")
)

// acpProcess is one child process plus its JSON-RPC plumbing. The read loop
// goroutine owns stdout; requests go through a mutex-guarded encoder.
type acpProcess struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResult
	sink    *updateSink
	dead    bool
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func spawnACP(cfg ACPConfig, logger *slog.Logger) (*acpProcess, error) {
	cmd := exec.Command(cfg.Binary, cfg.ExtraArgs...)
	cmd.Dir = cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", cfg.Binary, err)
	}

	p := &acpProcess{
		cmd:     cmd,
		logger:  logger,
		stdin:   stdin,
		pending: make(map[int64]chan rpcResult),
	}

	go p.readLoop(stdout)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				logger.Warn("agent stderr", "line", line)
			}
		}
	}()

	return p, nil
}

func (p *acpProcess) initialize(ctx context.Context, timeout time.Duration) error {
	_, err := p.call(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{"readTextFile": false, "writeTextFile": false},
		},
	}, timeout)
	return err
}

func (p *acpProcess) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

func (p *acpProcess) setSink(sink *updateSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *acpProcess) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return nil, errProcessDied
	}
	p.nextID++
	id := p.nextID
	reply := make(chan rpcResult, 1)
	p.pending[id] = reply
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if err := p.write(rpcFrame{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.result, res.err
	case <-timer.C:
		return nil, errCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *acpProcess) notify(method string, params any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return p.write(rpcFrame{JSONRPC: "2.0", Method: method, Params: rawParams})
}

func (p *acpProcess) write(frame rpcFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

func (p *acpProcess) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame rpcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			p.logger.Warn("malformed frame from agent", "error", err)
			continue
		}

		switch {
		case frame.ID != nil && frame.Method == "":
			p.mu.Lock()
			reply, ok := p.pending[*frame.ID]
			p.mu.Unlock()
			if !ok {
				continue
			}
			if frame.Error != nil {
				reply <- rpcResult{err: frame.Error}
			} else {
				reply <- rpcResult{result: frame.Result}
			}

		case frame.Method == "session/update":
			p.mu.Lock()
			sink := p.sink
			p.mu.Unlock()
			if sink != nil {
				sink.handleUpdate(frame.Params)
			}

		default:
			p.logger.Debug("ignoring agent frame", "method", frame.Method)
		}
	}

	p.fail()
}

// fail marks the process dead and unblocks every pending call.
func (p *acpProcess) fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return
	}
	p.dead = true
	for id, reply := range p.pending {
		reply <- rpcResult{err: errProcessDied}
		delete(p.pending, id)
	}
}

func (p *acpProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.stdin.Close()
	go func() { _ = p.cmd.Wait() }()
	p.fail()
}

// updateSink translates session/update notifications into events for one
// in-flight prompt and accumulates the agent's message text.
type updateSink struct {
	ctx    context.Context
	events chan<- agent.Event

	mu   sync.Mutex
	text strings.Builder
}

func newUpdateSink(ctx context.Context, events chan<- agent.Event) *updateSink {
	return &updateSink{ctx: ctx, events: events}
}

func (s *updateSink) emit(ev agent.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *updateSink) takeText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.text.String()
	s.text.Reset()
	return text
}

func (s *updateSink) handleUpdate(params json.RawMessage) {
	var note struct {
		Update json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &note); err != nil {
		return
	}

	var update struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		ToolCallID string          `json:"toolCallId"`
		Title      string          `json:"title"`
		RawInput   json.RawMessage `json:"rawInput"`
	}
	if err := json.Unmarshal(note.Update, &update); err != nil {
		return
	}

	switch update.SessionUpdate {
	case "agent_message_chunk":
		if update.Content.Text == "" {
			return
		}
		s.mu.Lock()
		s.text.WriteString(update.Content.Text)
		s.mu.Unlock()
		s.emit(agent.TextEvent(update.Content.Text))

	case "tool_call":
		input := update.RawInput
		if input == nil {
			input = json.RawMessage(`{}`)
		}
		s.emit(agent.Event{
			Kind:      agent.KindToolStart,
			ToolStart: &agent.ToolStartEvent{ID: update.ToolCallID, Name: update.Title, Input: input},
		})

	case "tool_call_update":
		s.emit(agent.Event{
			Kind:         agent.KindToolProgress,
			ToolProgress: &agent.ToolProgressEvent{ID: update.ToolCallID, Update: note.Update},
		})

	default:
		// Thought chunks and anything newer travel as Custom so older
		// consumers keep parsing.
		s.emit(agent.Event{
			Kind:   agent.KindCustom,
			Custom: &agent.CustomEvent{Kind: "acp." + update.SessionUpdate, Payload: note.Update},
		})
	}
}

// ACPFactory builds ACP handles from a {binary, timeout_secs, working_dir}
// configuration.
func ACPFactory(raw json.RawMessage) (*agent.Handle, error) {
	var cfg ACPConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid acp config: %w", err)
	}
	backend, err := NewACPBackend(cfg)
	if err != nil {
		return nil, err
	}
	return agent.NewHandle(backend, nil), nil
}
