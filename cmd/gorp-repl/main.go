// ABOUTME: Interactive REPL for talking to a single agent backend.
// ABOUTME: Drives an agent handle directly, streaming events to the terminal.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/2389/gorp/internal/agent"
	"github.com/2389/gorp/internal/backends"
)

const helpText = `Commands:
  /new            Start a fresh session
  /load <id>      Resume an existing session
  /cancel         Cancel the in-flight prompt
  /help           Show this help
  /quit           Exit

Anything else is sent to the agent as a prompt.`

func main() {
	backendName := flag.String("backend", "", "Backend to use (mock, direct, acp, native); overrides config")
	configPath := flag.String("config", "", "Path to a gorp-agent.toml config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *backendName, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadBackendConfig(backendName, configPath string) (*agent.BackendConfig, error) {
	if configPath != "" {
		cfg, err := agent.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		return &cfg.Backend, nil
	}

	cfg, err := agent.FindConfig()
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if backendName != "" && backendName != cfg.Backend.Type {
			return &agent.BackendConfig{Type: backendName, Raw: []byte(`{}`)}, nil
		}
		return &cfg.Backend, nil
	}

	if backendName == "" {
		backendName = "mock"
	}
	return &agent.BackendConfig{Type: backendName, Raw: []byte(`{}`)}, nil
}

func run(ctx context.Context, backendName, configPath string) error {
	backendCfg, err := loadBackendConfig(backendName, configPath)
	if err != nil {
		return err
	}

	registry := backends.DefaultRegistry()
	handle, err := registry.CreateFromConfig(backendCfg)
	if err != nil {
		return err
	}
	defer handle.Close()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Printf("gorp-repl")
	fmt.Printf(" using backend ")
	cyan.Printf("%s\n", handle.Name())
	gray.Println("Type a prompt and press Enter. /help for commands.")
	fmt.Println()

	sessionID, err := handle.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	gray.Printf("session %s\n\n", sessionID)

	rl, err := readline.New("> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit" || input == "/q":
			return nil

		case input == "/help":
			fmt.Println(helpText)
			continue

		case input == "/new":
			handle.AbandonSession(sessionID)
			sessionID, err = handle.NewSession(ctx)
			if err != nil {
				color.Red("new session: %v", err)
				continue
			}
			gray.Printf("session %s\n", sessionID)
			continue

		case strings.HasPrefix(input, "/load"):
			id := strings.TrimSpace(strings.TrimPrefix(input, "/load"))
			if id == "" {
				color.Red("usage: /load <session-id>")
				continue
			}
			if err := handle.LoadSession(ctx, id); err != nil {
				color.Red("load session: %v", err)
				continue
			}
			sessionID = id
			gray.Printf("resumed %s\n", sessionID)
			continue

		case input == "/cancel":
			if err := handle.Cancel(ctx, sessionID); err != nil {
				color.Red("cancel: %v", err)
			}
			continue
		}

		stream, err := handle.Prompt(ctx, sessionID, input)
		if err != nil {
			color.Red("prompt: %v", err)
			continue
		}

		sessionID = printEvents(ctx, stream, sessionID)
		fmt.Println()
	}
}

// printEvents drains one prompt's event stream, returning the session ID
// (which a SessionChanged event may replace).
func printEvents(ctx context.Context, stream *agent.EventStream, sessionID string) string {
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	sawText := false
	for {
		ev, ok := stream.RecvContext(ctx)
		if !ok {
			return sessionID
		}

		switch ev.Kind {
		case agent.KindText:
			fmt.Print(ev.Text)
			sawText = true

		case agent.KindToolStart:
			yellow.Printf("\n[tool] %s\n", ev.ToolStart.Name)

		case agent.KindToolProgress:
			// quiet

		case agent.KindSessionChanged:
			sessionID = ev.SessionChanged.NewSessionID
			gray.Printf("[session -> %s]\n", sessionID)

		case agent.KindResult:
			if !sawText && ev.Result.Text != "" {
				fmt.Print(ev.Result.Text)
			}
			fmt.Println()
			if u := ev.Result.Usage; u != nil {
				gray.Printf("[%d in / %d out", u.InputTokens, u.OutputTokens)
				if u.CostUSD != nil {
					gray.Printf(" / $%.4f", *u.CostUSD)
				}
				gray.Println("]")
			}

		case agent.KindError:
			color.Red("\n[%s] %s", ev.Error.Code, ev.Error.Message)
			if ev.Error.Recoverable {
				gray.Println("(recoverable, try again)")
			}

		case agent.KindCustom:
			gray.Printf("[%s]\n", ev.Custom.Kind)
		}
	}
}
