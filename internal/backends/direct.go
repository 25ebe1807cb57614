// ABOUTME: Direct CLI backend - spawns claude with --print --output-format stream-json.
// ABOUTME: Parses the CLI's line-delimited JSON stream into protocol events.

package backends

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/gorp/internal/agent"
)

// DirectConfig configures the direct CLI backend.
type DirectConfig struct {
	Binary     string `json:"binary"`
	WorkingDir string `json:"working_dir"`
	SDKURL     string `json:"sdk_url,omitempty"`
}

// DirectBackend runs one CLI invocation per prompt. A session's first prompt
// lets the CLI allocate its own conversation (surfaced as SessionChanged);
// later prompts pass --resume. The handle's owner goroutine is the only
// caller, so the session-state map needs no lock.
type DirectBackend struct {
	cfg    DirectConfig
	logger *slog.Logger

	// fresh marks session IDs created by NewSession that have not yet had
	// a prompt; those skip --resume.
	fresh map[string]bool
}

// NewDirectBackend creates a direct CLI backend. Binary defaults to
// "claude" and the working directory to ".".
func NewDirectBackend(cfg DirectConfig) *DirectBackend {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	return &DirectBackend{
		cfg:    cfg,
		logger: slog.Default().With("component", "direct"),
		fresh:  make(map[string]bool),
	}
}

func (d *DirectBackend) Name() string { return "direct" }

func (d *DirectBackend) NewSession(context.Context) (string, error) {
	id := uuid.NewString()
	d.fresh[id] = true
	return id, nil
}

func (d *DirectBackend) LoadSession(_ context.Context, sessionID string) error {
	// Existence can only be verified by the CLI itself on the next prompt;
	// an orphaned session surfaces as SessionInvalid then.
	delete(d.fresh, sessionID)
	return nil
}

func (d *DirectBackend) Prompt(ctx context.Context, sessionID, text string, events chan<- agent.Event) error {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if !d.fresh[sessionID] {
		args = append(args, "--resume", sessionID)
	}
	if d.cfg.SDKURL != "" {
		args = append(args, "--sdk-url", d.cfg.SDKURL)
	}
	args = append(args, text)

	d.logger.Debug("spawning CLI", "binary", d.cfg.Binary, "resume", !d.fresh[sessionID])
	delete(d.fresh, sessionID)

	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	cmd.Dir = d.cfg.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capturing stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("capturing stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", d.cfg.Binary, err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			d.logger.Warn("CLI stderr", "line", line)
			if strings.Contains(line, "No conversation found with session ID") {
				select {
				case events <- agent.Event{Kind: agent.KindSessionInvalid,
					SessionInvalid: &agent.SessionInvalidEvent{Reason: "Session not found"}}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var accumulated strings.Builder

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		for _, ev := range parseCLIEvent(line, &accumulated) {
			select {
			case events <- ev:
			case <-ctx.Done():
				_ = cmd.Wait()
				<-stderrDone
				return ctx.Err()
			}
		}
	}

	waitErr := cmd.Wait()
	<-stderrDone

	if waitErr != nil && ctx.Err() == nil {
		select {
		case events <- agent.ErrorOf(agent.CodeBackendError,
			fmt.Sprintf("CLI exited with error: %v", waitErr), false):
		case <-ctx.Done():
		}
	}
	return nil
}

// Cancel has no work to do: cancelling the prompt's context kills the CLI
// process, and there is no persistent connection to signal.
func (d *DirectBackend) Cancel(context.Context, string) error { return nil }

// parseCLIEvent maps one stream-json line to protocol events. accumulated
// gathers assistant text across messages so the final Result carries the
// full reply even when the CLI omits a result field.
func parseCLIEvent(line []byte, accumulated *strings.Builder) []agent.Event {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil
	}

	var eventType string
	if err := json.Unmarshal(raw["type"], &eventType); err != nil {
		return nil
	}

	switch eventType {
	case "system":
		return parseSystemEvent(raw)
	case "assistant":
		return parseAssistantEvent(raw, accumulated)
	case "result":
		return parseResultEvent(line, raw, accumulated)
	}
	return nil
}

func parseSystemEvent(raw map[string]json.RawMessage) []agent.Event {
	var subtype string
	_ = json.Unmarshal(raw["subtype"], &subtype)
	if subtype != "init" {
		return nil
	}
	var sessionID string
	if err := json.Unmarshal(raw["session_id"], &sessionID); err != nil || sessionID == "" {
		return nil
	}
	return []agent.Event{{
		Kind:           agent.KindSessionChanged,
		SessionChanged: &agent.SessionChangedEvent{NewSessionID: sessionID},
	}}
}

func parseAssistantEvent(raw map[string]json.RawMessage, accumulated *strings.Builder) []agent.Event {
	var message struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw["message"], &message); err != nil {
		return nil
	}

	var events []agent.Event
	for _, item := range message.Content {
		switch item.Type {
		case "tool_use":
			name := item.Name
			if name == "" {
				name = "unknown"
			}
			id := item.ID
			if id == "" {
				id = "unknown"
			}
			events = append(events, agent.Event{
				Kind:      agent.KindToolStart,
				ToolStart: &agent.ToolStartEvent{ID: id, Name: name, Input: item.Input},
			})
		case "text":
			if item.Text == "" {
				continue
			}
			appendChunk(accumulated, item.Text)
			events = append(events, agent.TextEvent(item.Text))
		}
	}
	return events
}

// appendChunk joins chunks with a space only when neither side already
// provides separation.
func appendChunk(accumulated *strings.Builder, text string) {
	if accumulated.Len() > 0 {
		prev := accumulated.String()
		endsWS := strings.HasSuffix(prev, " ") || strings.HasSuffix(prev, "\n") || strings.HasSuffix(prev, "\t")
		first := text[0]
		startsWSOrPunct := first == ' ' || first == '\n' || first == '\t' ||
			strings.ContainsRune("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", rune(first))
		if !endsWS && !startsWSOrPunct {
			accumulated.WriteByte(' ')
		}
	}
	accumulated.WriteString(text)
}

func parseResultEvent(line []byte, raw map[string]json.RawMessage, accumulated *strings.Builder) []agent.Event {
	var isError bool
	_ = json.Unmarshal(raw["is_error"], &isError)

	if isError {
		message := "Unknown error"
		var errText string
		if json.Unmarshal(raw["error"], &errText) == nil && errText != "" {
			message = errText
		}

		code := agent.CodeBackendError
		switch {
		case strings.Contains(message, "timeout"):
			code = agent.CodeTimeout
		case strings.Contains(message, "rate limit"):
			code = agent.CodeRateLimited
		case strings.Contains(message, "permission"):
			code = agent.CodePermissionDenied
		}
		return []agent.Event{agent.ErrorOf(code, message, false)}
	}

	text := accumulated.String()
	accumulated.Reset()
	if text == "" {
		_ = json.Unmarshal(raw["result"], &text)
	}

	// The whole result line travels as metadata for downstream inspection.
	metadata := make(json.RawMessage, len(line))
	copy(metadata, line)

	return []agent.Event{agent.ResultOf(text, extractUsage(raw), metadata)}
}

func extractUsage(raw map[string]json.RawMessage) *agent.Usage {
	var usage agent.Usage
	found := false

	var cost float64
	if json.Unmarshal(raw["total_cost_usd"], &cost) == nil && raw["total_cost_usd"] != nil {
		usage.CostUSD = &cost
		found = true
	}

	if raw["usage"] != nil {
		var u struct {
			InputTokens              uint64  `json:"input_tokens"`
			OutputTokens             uint64  `json:"output_tokens"`
			CacheReadInputTokens     *uint64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens *uint64 `json:"cache_creation_input_tokens"`
		}
		if json.Unmarshal(raw["usage"], &u) == nil {
			usage.InputTokens = u.InputTokens
			usage.OutputTokens = u.OutputTokens
			usage.CacheReadTokens = u.CacheReadInputTokens
			usage.CacheWriteTokens = u.CacheCreationInputTokens
			found = true
		}
	}

	// modelUsage carries aggregated counts when the usage object is empty.
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && raw["modelUsage"] != nil {
		var perModel map[string]struct {
			InputTokens              uint64  `json:"inputTokens"`
			OutputTokens             uint64  `json:"outputTokens"`
			CacheReadInputTokens     *uint64 `json:"cacheReadInputTokens"`
			CacheCreationInputTokens *uint64 `json:"cacheCreationInputTokens"`
		}
		if json.Unmarshal(raw["modelUsage"], &perModel) == nil {
			for _, stats := range perModel {
				usage.InputTokens += stats.InputTokens
				usage.OutputTokens += stats.OutputTokens
				if usage.CacheReadTokens == nil {
					usage.CacheReadTokens = stats.CacheReadInputTokens
				}
				if usage.CacheWriteTokens == nil {
					usage.CacheWriteTokens = stats.CacheCreationInputTokens
				}
				found = true
			}
		}
	}

	if !found {
		return nil
	}
	return &usage
}

// DirectFactory builds direct CLI handles from a {binary, working_dir}
// configuration.
func DirectFactory(raw json.RawMessage) (*agent.Handle, error) {
	var cfg DirectConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid direct config: %w", err)
		}
	}
	return agent.NewHandle(NewDirectBackend(cfg), nil), nil
}
