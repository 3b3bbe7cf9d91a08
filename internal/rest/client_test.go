package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parleylabs/parley-go/internal/chattest"
	"github.com/parleylabs/parley-go/internal/wire"
)

func sandbox(t *testing.T) (*chattest.Server, *httptest.Server) {
	t.Helper()
	srv, err := chattest.NewServer(chattest.Options{
		DBPath:    filepath.Join(t.TempDir(), "chat.db"),
		UploadDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("sandbox start failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})

	err = srv.Seed(context.Background(), "c1", "ACTIVE",
		wire.Participant{ID: "alice", Name: "Alice", ContactID: "contact-a"},
		wire.Participant{ID: "bob", Name: "Bob", ContactID: "contact-b"},
	)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return srv, ts
}

func TestClient_SendAndFetchMessages(t *testing.T) {
	_, ts := sandbox(t)
	alice := New(ts.URL, "alice", 5*time.Second)

	sent, err := alice.SendMessage(context.Background(), wire.SendMessagePayload{
		ConversationID: "c1",
		ClientID:       "corr-1",
		TextContent:    "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent.ID == "" || sent.SenderID.String() != "alice" || sent.ClientID != "corr-1" {
		t.Errorf("Unexpected durable record: %+v", sent)
	}

	_, err = alice.SendMessage(context.Background(), wire.SendMessagePayload{
		ConversationID: "c1",
		TextContent:    "second",
	})
	if err != nil {
		t.Fatalf("second SendMessage failed: %v", err)
	}

	msgs, err := alice.Messages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].CreatedAt > msgs[1].CreatedAt {
		t.Error("Expected ascending order by creation time")
	}
}

func TestClient_Conversation(t *testing.T) {
	_, ts := sandbox(t)
	bob := New(ts.URL, "bob", 5*time.Second)

	conv, err := bob.Conversation(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if conv.Status != "ACTIVE" || len(conv.Participants) != 2 {
		t.Errorf("Unexpected conversation: %+v", conv)
	}

	if _, err := bob.Conversation(context.Background(), "nope"); err == nil {
		t.Error("Expected error for unknown conversation")
	}
}

func TestClient_MarkReadAndDelete(t *testing.T) {
	_, ts := sandbox(t)
	alice := New(ts.URL, "alice", 5*time.Second)
	bob := New(ts.URL, "bob", 5*time.Second)

	sent, err := alice.SendMessage(context.Background(), wire.SendMessagePayload{
		ConversationID: "c1", TextContent: "read me",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if err := bob.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	msgs, err := alice.Messages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if msgs[0].Status != "read" {
		t.Errorf("Expected status read after partner mark-read, got %q", msgs[0].Status)
	}

	if err := alice.DeleteMessage(context.Background(), sent.ID.String()); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	msgs, _ = alice.Messages(context.Background(), "c1")
	if !msgs[0].Recalled || msgs[0].Content != "" {
		t.Errorf("Expected recalled tombstone, got %+v", msgs[0])
	}
}

func TestClient_Upload(t *testing.T) {
	_, ts := sandbox(t)
	alice := New(ts.URL, "alice", 5*time.Second)

	path, err := alice.Upload(context.Background(), "cat.jpg", strings.NewReader("jpegbytes"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !strings.HasPrefix(path, "/uploads/") || !strings.HasSuffix(path, "cat.jpg") {
		t.Errorf("Unexpected stored path %q", path)
	}
}

func TestClient_LegacyDataError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error": "invalid enum value 'v1_archived' for message status"}`))
	}))
	defer ts.Close()

	c := New(ts.URL, "alice", time.Second)
	_, err := c.Messages(context.Background(), "c1")
	if !errors.Is(err, ErrLegacyData) {
		t.Errorf("Expected ErrLegacyData, got %v", err)
	}
}

func TestClient_GenericAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "something broke"}`))
	}))
	defer ts.Close()

	c := New(ts.URL, "alice", time.Second)
	_, err := c.Messages(context.Background(), "c1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "something broke" {
		t.Errorf("Unexpected APIError: %+v", apiErr)
	}
}
