// Parley sandbox - standalone development backend
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parleylabs/parley-go/internal/chattest"
	"github.com/parleylabs/parley-go/internal/wire"
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	port := getEnv("SANDBOX_PORT", "8787")
	dbPath := getEnv("SANDBOX_DB_PATH", "./data/parley-sandbox.db")
	conversationID := getEnv("SANDBOX_CONVERSATION_ID", "dev-conversation")

	srv, err := chattest.NewServer(chattest.Options{
		DBPath: dbPath,
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to start sandbox", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			slog.Error("Failed to close sandbox store", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed a conversation so two terminals can connect immediately.
	seedErr := srv.Seed(ctx, conversationID, "ACTIVE",
		wire.Participant{ID: "alice", Name: "Alice", ContactID: "contact-alice"},
		wire.Participant{ID: "bob", Name: "Bob", ContactID: "contact-bob"},
	)
	if seedErr != nil {
		slog.Info("Seed skipped (conversation may already exist)", "conversation_id", conversationID)
	} else {
		slog.Info("Seeded conversation",
			"conversation_id", conversationID,
			"users", "alice,bob",
			"hint", "PARLEY_USER_ID=alice PARLEY_CONVERSATION_ID="+conversationID+" parley")
	}

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Sandbox listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox stopped")
}
