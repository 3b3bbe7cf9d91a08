// Package rest implements the stateless request/response channel to the chat
// server: message history fetches, conversation metadata, attachment uploads,
// the send-message fallback, and message deletion.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parleylabs/parley-go/internal/wire"
)

// ErrLegacyData marks a fetch that failed because the server returned a
// recognizable schema or enum drift error. Callers degrade to "history may be
// incomplete" instead of a hard failure.
var ErrLegacyData = errors.New("rest: legacy data error")

// legacySignatures are the known substrings of schema-drift error bodies.
var legacySignatures = []string{
	"invalid enum",
	"unknown status value",
	"schema mismatch",
	"legacy message format",
}

// APIError is a non-2xx response with a decoded error body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest: server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the chat server's REST surface on behalf of one user.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// New creates a client for the given base URL with a bounded request
// timeout.
func New(baseURL, userID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
	}
}

// asUser appends the acting user to a path.
func (c *Client) asUser(path string) string {
	return path + "?user_id=" + url.QueryEscape(c.userID)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			msg = payload.Error
		} else if payload.Message != "" {
			msg = payload.Message
		}
	}
	lowered := strings.ToLower(msg)
	for _, sig := range legacySignatures {
		if strings.Contains(lowered, sig) {
			return fmt.Errorf("%w: %s", ErrLegacyData, msg)
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// Messages fetches the full message page for a conversation, ordered
// ascending by creation time.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]wire.ServerMessage, error) {
	if conversationID == "" {
		return nil, errors.New("rest: empty conversation id")
	}
	var page wire.MessagePage
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// Conversation fetches conversation metadata: status, participants, and the
// partner contact id.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*wire.Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("rest: empty conversation id")
	}
	var conv wire.Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkRead marks the conversation's incoming messages as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("rest: empty conversation id")
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, c.asUser(path), nil, "", nil)
}

// SendMessage is the REST fallback for sends when the socket path is
// rejected or unavailable. It returns the durable server record.
func (c *Client) SendMessage(ctx context.Context, req wire.SendMessagePayload) (*wire.ServerMessage, error) {
	if req.ConversationID == "" {
		return nil, errors.New("rest: empty conversation id")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}
	var msg wire.ServerMessage
	path := c.asUser("/api/conversations/" + url.PathEscape(req.ConversationID) + "/messages")
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage recalls a message by its durable id.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("rest: empty message id")
	}
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, "", nil)
}

// Upload stores an attachment via multipart upload and returns the stored
// path usable in a send payload.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copy upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish multipart body: %w", err)
	}

	var out struct {
		Path string `json:"path"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/uploads", &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.Path, nil
}
