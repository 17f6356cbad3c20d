package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/agentwire/agentwire/agent"
	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/id"
	"github.com/agentwire/agentwire/internal/logging"
	"github.com/agentwire/agentwire/internal/sessionstore"
	"github.com/agentwire/agentwire/wire"
)

func runQuery(args []string) error {
	fs := flag.NewFlagSet("agentwire run", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	model := fs.String("model", "", "model override")
	permissionMode := fs.String("permission-mode", "", "permission mode override")
	systemPrompt := fs.String("system-prompt", "", "system prompt override")
	maxTurns := fs.Int("max-turns", 0, "max turns override (0 = unlimited)")
	cliPath := fs.String("cli", "", "agent CLI path override")
	resume := fs.String("resume", "", "session id to resume")
	partial := fs.Bool("partial", false, "stream partial message events")
	record := fs.Bool("record", false, "record the transcript to the session store")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: agentwire run [flags] <prompt>")
	}
	prompt := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *permissionMode != "" {
		cfg.PermissionMode = *permissionMode
	}
	if *systemPrompt != "" {
		cfg.SystemPrompt = *systemPrompt
	}
	if *maxTurns != 0 {
		cfg.MaxTurns = *maxTurns
	}
	if *cliPath != "" {
		cfg.CLIPath = *cliPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(level)
	}

	opts := agent.Options{
		CLIPath:                cfg.CLIPath,
		Model:                  cfg.Model,
		PermissionMode:         agent.PermissionMode(cfg.PermissionMode),
		SystemPrompt:           cfg.SystemPrompt,
		MaxTurns:               cfg.MaxTurns,
		Resume:                 *resume,
		IncludePartialMessages: *partial,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder *transcriptRecorder
	if *record {
		store, err := sessionstore.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer store.Close()

		runID := "run_" + id.Generate()
		recorder = newTranscriptRecorder(store, runID)
		slog.Info("recording transcript", "run_id", runID)
	}

	client := agent.NewClient(opts)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.Query(ctx, prompt); err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for msg, err := range client.ReceiveResponse(ctx) {
			if err != nil {
				return err
			}
			if recorder != nil {
				recorder.record(ctx, msg)
			}
			printMessage(msg)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printMessage renders one stream record for the terminal.
func printMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.AssistantMessage:
		for _, block := range m.Content {
			if text, ok := block.(wire.TextBlock); ok {
				fmt.Println(text.Text)
			}
		}
	case *wire.SystemMessage:
		slog.Debug("system message", "subtype", m.Subtype, "session_id", m.SessionID)
	case *wire.ResultMessage:
		attrs := []any{
			"subtype", m.Subtype,
			"turns", m.NumTurns,
			"duration_ms", m.DurationMS,
		}
		if m.TotalCostUSD != nil {
			attrs = append(attrs, "cost_usd", *m.TotalCostUSD)
		}
		slog.Info("result", attrs...)
		if m.IsError && m.Result != nil {
			fmt.Fprintln(os.Stderr, *m.Result)
		}
	case *wire.StreamEvent:
		slog.Debug("stream event", "session_id", m.SessionID)
	}
}

func runSessions(args []string) error {
	fs := flag.NewFlagSet("agentwire sessions", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := sessionstore.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	ids, err := store.Sessions(context.Background())
	if err != nil {
		return err
	}
	for _, sid := range ids {
		fmt.Println(sid)
	}
	return nil
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("agentwire replay", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: agentwire replay [flags] <run-id>")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := sessionstore.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	lines, err := store.Transcript(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("no transcript recorded for %q", fs.Arg(0))
	}
	for _, line := range lines {
		fmt.Println(string(line))
	}
	return nil
}
