package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dealdesk/internal/models"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("database: not found")

type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database, applies WAL mode, and runs migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	// Limit concurrent writers to avoid SQLITE_BUSY beyond the busy_timeout.
	// With ":memory:" this also keeps every query on the same database.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
id         TEXT PRIMARY KEY,
channel    TEXT NOT NULL DEFAULT 'web',
status     TEXT NOT NULL DEFAULT 'ACTIVE',
mode       TEXT NOT NULL DEFAULT 'normal',
lead_id    INTEGER NOT NULL DEFAULT 0,
created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS messages (
id              TEXT PRIMARY KEY,
conversation_id TEXT NOT NULL,
role            TEXT NOT NULL,
content         TEXT NOT NULL,
is_error        INTEGER NOT NULL DEFAULT 0,
is_success      INTEGER NOT NULL DEFAULT 0,
created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(conversation_id) REFERENCES conversations(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS bookings (
conversation_id TEXT PRIMARY KEY,
name            TEXT NOT NULL,
email           TEXT NOT NULL,
start_time      TEXT NOT NULL,
display_text    TEXT NOT NULL,
lead_id         INTEGER NOT NULL DEFAULT 0,
booking_url     TEXT NOT NULL DEFAULT '',
updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(conversation_id) REFERENCES conversations(id)
)`,
		`CREATE TABLE IF NOT EXISTS receipts (
id          TEXT PRIMARY KEY,
received_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`,
	}

	for _, stmt := range migrations {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("database: migration failed: %w", err)
		}
	}
	return nil
}

// ─── Conversation ─────────────────────────────────────────────────────────────

// UpsertConversation creates a conversation row if it doesn't exist.
func (db *DB) UpsertConversation(id, channel string) error {
	_, err := db.conn.Exec(
		`INSERT INTO conversations(id, channel) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		id, channel,
	)
	return err
}

// GetConversationStatus returns "ACTIVE" or "PAUSED".
func (db *DB) GetConversationStatus(id string) (string, error) {
	var status string
	err := db.conn.QueryRow(`SELECT status FROM conversations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

// PauseConversation hands the conversation to staff.
func (db *DB) PauseConversation(id string) error {
	return db.touch(`UPDATE conversations SET status = 'PAUSED', updated_at = ? WHERE id = ?`, id)
}

func (db *DB) UpdateConversationMode(id, mode string) error {
	return db.touch(`UPDATE conversations SET mode = ?, updated_at = ? WHERE id = ?`, mode, id)
}

func (db *DB) SetLeadID(id string, leadID int64) error {
	return db.touch(`UPDATE conversations SET lead_id = ?, updated_at = ? WHERE id = ?`, leadID, id)
}

// touch runs an UPDATE whose last two placeholders are updated_at and id.
func (db *DB) touch(query string, args ...any) error {
	id := args[len(args)-1]
	args = append(args[:len(args)-1], time.Now().UTC(), id)
	_, err := db.conn.Exec(query, args...)
	return err
}

func (db *DB) GetConversation(id string) (*models.Conversation, error) {
	var c models.Conversation
	err := db.conn.QueryRow(
		`SELECT id, channel, status, mode, lead_id, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Channel, &c.Status, &c.Mode, &c.LeadID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns the most recently active conversations first.
func (db *DB) ListConversations(limit int) ([]models.Conversation, error) {
	rows, err := db.conn.Query(
		`SELECT id, channel, status, mode, lead_id, created_at, updated_at
		 FROM conversations
		 ORDER BY updated_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Channel, &c.Status, &c.Mode, &c.LeadID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// InsertMessage saves a single transcript entry.
func (db *DB) InsertMessage(m *models.Message) error {
	created := m.CreatedAt.UTC()
	if m.CreatedAt.IsZero() {
		created = time.Now().UTC()
	}
	_, err := db.conn.Exec(
		`INSERT INTO messages(id, conversation_id, role, content, is_error, is_success, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.IsError, m.IsSuccess, created,
	)
	return err
}

// GetRecentMessages returns the last n messages for a conversation, oldest first.
func (db *DB) GetRecentMessages(conversationID string, limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, conversation_id, role, content, is_error, is_success, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.IsError, &m.IsSuccess, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	// Reverse to get chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// ─── Receipts ─────────────────────────────────────────────────────────────────

// RecordReceipt marks an inbound channel message id as seen. It reports false
// when the id was already recorded.
func (db *DB) RecordReceipt(id string) (bool, error) {
	res, err := db.conn.Exec(`INSERT INTO receipts(id) VALUES(?) ON CONFLICT(id) DO NOTHING`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ─── Bookings ─────────────────────────────────────────────────────────────────

// UpsertBooking stores the latest confirmed booking for a conversation.
func (db *DB) UpsertBooking(b *models.Booking) error {
	_, err := db.conn.Exec(
		`INSERT INTO bookings(conversation_id, name, email, start_time, display_text, lead_id, booking_url, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   name = excluded.name,
		   email = excluded.email,
		   start_time = excluded.start_time,
		   display_text = excluded.display_text,
		   lead_id = excluded.lead_id,
		   booking_url = excluded.booking_url,
		   updated_at = excluded.updated_at`,
		b.ConversationID, b.Name, b.Email, b.StartTime, b.DisplayText, b.LeadID, b.BookingURL, time.Now().UTC(),
	)
	return err
}

func (db *DB) GetBooking(conversationID string) (*models.Booking, error) {
	var b models.Booking
	err := db.conn.QueryRow(
		`SELECT conversation_id, name, email, start_time, display_text, lead_id, booking_url, updated_at
		 FROM bookings WHERE conversation_id = ?`, conversationID,
	).Scan(&b.ConversationID, &b.Name, &b.Email, &b.StartTime, &b.DisplayText, &b.LeadID, &b.BookingURL, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
