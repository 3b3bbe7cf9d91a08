// Parley - terminal chat client
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/parleylabs/parley-go/internal/config"
	"github.com/parleylabs/parley-go/internal/engine"
	"github.com/parleylabs/parley-go/internal/rest"
	"github.com/parleylabs/parley-go/internal/socket"
	"github.com/parleylabs/parley-go/internal/tui"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine; environment variables still apply.
		_ = err
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Log to a file when configured, otherwise discard: stdout belongs to
	// the TUI frames.
	var logSink io.Writer = io.Discard
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logSink = f
	}
	logger := slog.New(slog.NewJSONHandler(logSink, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("Starting parley", "server", cfg.ServerURL, "user_id", cfg.UserID, "conversation_id", cfg.ConversationID)

	sock := socket.New(socket.Config{
		ServerURL:  cfg.ServerURL,
		UserID:     cfg.UserID,
		AckTimeout: cfg.AckTimeout,
		Logger:     logger,
	})
	api := rest.New(cfg.ServerURL, cfg.UserID, cfg.RequestTimeout)

	eng := engine.New(engine.Config{
		ConversationID:   cfg.ConversationID,
		ViewerID:         cfg.UserID,
		Transport:        sock,
		API:              api,
		Logger:           logger,
		ReadSyncInterval: cfg.ReadSync,
		RequestTimeout:   cfg.RequestTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sock.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to %s: %v\n", cfg.ServerURL, err)
		os.Exit(1)
	}
	defer func() {
		if err := sock.Close(); err != nil {
			slog.Error("Failed to close socket", "error", err)
		}
	}()

	go eng.Run(ctx)
	defer eng.Close()
	eng.MarkRead()

	p := tea.NewProgram(tui.NewModel(eng, cfg.UserID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	slog.Info("Screen closed")
}
