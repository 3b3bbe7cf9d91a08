// Package chattest implements an in-process chat backend that serves the
// client's socket and REST contracts. It backs the integration tests and
// runs standalone as the development sandbox.
package chattest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parleylabs/parley-go/internal/wire"
)

// Store persists conversations and messages for the sandbox.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite-backed store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent reads while the hub writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		partner_contact_id TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT,
		contact_id TEXT,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		client_id TEXT,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT,
		image TEXT,
		video TEXT,
		status TEXT NOT NULL,
		recalled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a conversation with its two participants.
func (s *Store) CreateConversation(ctx context.Context, conv wire.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, status, partner_contact_id, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID.String(), conv.Status, conv.PartnerContactID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, p := range conv.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, name, role, contact_id) VALUES (?, ?, ?, ?, ?)`,
			conv.ID.String(), p.ID.String(), p.Name, p.Role, p.ContactID)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

// GetConversation returns a conversation with its participants, or nil when
// unknown.
func (s *Store) GetConversation(ctx context.Context, id string) (*wire.Conversation, error) {
	var conv wire.Conversation
	var convID, status string
	var contactID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, partner_contact_id FROM conversations WHERE id = ?`, id).
		Scan(&convID, &status, &contactID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.ID = wire.FlexID(convID)
	conv.Status = status
	conv.PartnerContactID = contactID.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, name, role, contact_id FROM participants WHERE conversation_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p wire.Participant
		var uid string
		var role, pContact sql.NullString
		if err := rows.Scan(&uid, &p.Name, &role, &pContact); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.ID = wire.FlexID(uid)
		p.Role = role.String
		p.ContactID = pContact.String
		conv.Participants = append(conv.Participants, p)
	}
	return &conv, rows.Err()
}

// SetConversationStatus updates the lifecycle state.
func (s *Store) SetConversationStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// Participants returns the user ids in a conversation.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM participants WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan participant id: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// ParticipantName returns the display name for a user in a conversation.
func (s *Store) ParticipantName(ctx context.Context, conversationID, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan participant name: %w", err)
	}
	return name, nil
}

// isSQLiteConflict reports a SQLITE_BUSY / "database is locked" error, both
// concurrency errors that warrant a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}

// withBusyRetry retries fn with exponential backoff on SQLite lock
// conflicts. The socket hub and REST handlers write concurrently.
func withBusyRetry(fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil || !isSQLiteConflict(err) {
			return err
		}
		if i < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<i))
		}
	}
	return err
}

// InsertMessage stores a message record.
func (s *Store) InsertMessage(ctx context.Context, m wire.ServerMessage) error {
	err := withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, client_id, conversation_id, sender_id, content, image, video, status, recalled, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.ClientID, m.ConversationID.String(), m.SenderID.String(),
			m.Content, m.Image, m.Video, m.Status, boolToInt(m.Recalled), m.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns all messages for a conversation ordered ascending by
// creation time.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]wire.ServerMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, conversation_id, sender_id, content, image, video, status, recalled, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []wire.ServerMessage
	for rows.Next() {
		var m wire.ServerMessage
		var id, convID, senderID string
		var clientID, content, image, video sql.NullString
		var recalled int
		if err := rows.Scan(&id, &clientID, &convID, &senderID, &content, &image, &video, &m.Status, &recalled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.ID = wire.FlexID(id)
		m.ClientID = clientID.String
		m.ConversationID = wire.FlexID(convID)
		m.SenderID = wire.FlexID(senderID)
		m.Content = content.String
		m.Image = image.String
		m.Video = video.String
		m.Recalled = recalled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead advances every message not sent by readerID to read status.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	var n int64
	err := withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET status = 'read'
			 WHERE conversation_id = ? AND sender_id != ? AND recalled = 0 AND status != 'read'`,
			conversationID, readerID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

// RecallMessage flips the recall flag and clears the payload. Returns the
// conversation id for broadcast, or "" when the message is unknown.
func (s *Store) RecallMessage(ctx context.Context, messageID string) (string, error) {
	var convID string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&convID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET recalled = 1, content = '', image = '', video = '' WHERE id = ?`, messageID)
	if err != nil {
		return "", fmt.Errorf("recall message: %w", err)
	}
	return convID, nil
}

// GetMessage fetches one message record.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*wire.ServerMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, conversation_id, sender_id, content, image, video, status, recalled, created_at
		 FROM messages WHERE id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var m wire.ServerMessage
	var id, convID, senderID string
	var clientID, content, image, video sql.NullString
	var recalled int
	if err := rows.Scan(&id, &clientID, &convID, &senderID, &content, &image, &video, &m.Status, &recalled, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	m.ID = wire.FlexID(id)
	m.ClientID = clientID.String
	m.ConversationID = wire.FlexID(convID)
	m.SenderID = wire.FlexID(senderID)
	m.Content = content.String
	m.Image = image.String
	m.Video = video.String
	m.Recalled = recalled != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
