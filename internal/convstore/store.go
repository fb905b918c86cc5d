package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Message is one entry in a conversation. Immutable once appended.
type Message struct {
	ProviderMessageID string   `json:"provider_message_id"`
	MessageIDHeader   string   `json:"message_id_header"`
	From              string   `json:"from"`
	To                []string `json:"to"`
	Cc                []string `json:"cc"`
	Bcc               []string `json:"bcc"`
	Subject           string   `json:"subject"`
	Body              string   `json:"body"`
	Labels            []string `json:"labels"`
	InReplyTo         string   `json:"in_reply_to,omitempty"`
	Timestamp         int64    `json:"ts"`
}

// Conversation groups the correlated messages of one reply chain.
type Conversation struct {
	ThreadID     string    `json:"thread_id"`
	TenantUserID string    `json:"tenant_user_id"`
	Messages     []Message `json:"messages"`
}

// AppendResult reports what AppendOrCreate did.
type AppendResult int

const (
	ResultAppended AppendResult = iota
	ResultCreated
	ResultDuplicate
)

// OutboxMessage is a pending event waiting for the dispatcher.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store persists conversations and their transactional event outbox.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the conversation database under dataRoot.
func Open(dataRoot string) (*Store, error) {
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dbPath := filepath.Join(dataRoot, "conversations.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// FindByReplyHeader locates the conversation that contains a message with the
// given Message-ID header value, scoped to one tenant user. Returns nil when
// no conversation matches.
func (s *Store) FindByReplyHeader(ctx context.Context, tenantUserID, messageIDHeader string) (*Conversation, error) {
	if messageIDHeader == "" {
		return nil, nil
	}

	var convID int64
	var threadID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT c.id, c.thread_id
		FROM conversations c
		JOIN messages m ON m.conversation_id = c.id
		WHERE c.tenant_user_id = ? AND m.message_id_header = ?
		LIMIT 1
	`, tenantUserID, messageIDHeader).Scan(&convID, &threadID)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}

	return s.loadConversation(ctx, convID, threadID, tenantUserID)
}

func (s *Store) loadConversation(ctx context.Context, convID int64, threadID, tenantUserID string) (*Conversation, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider_message_id, message_id_header, from_addr, to_addrs, cc_addrs, bcc_addrs,
		       subject, body, labels, COALESCE(in_reply_to, ''), ts
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	conv := &Conversation{ThreadID: threadID, TenantUserID: tenantUserID}
	for rows.Next() {
		var m Message
		var to, cc, bcc, labels string
		if err := rows.Scan(&m.ProviderMessageID, &m.MessageIDHeader, &m.From, &to, &cc, &bcc,
			&m.Subject, &m.Body, &labels, &m.InReplyTo, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		_ = json.Unmarshal([]byte(to), &m.To)
		_ = json.Unmarshal([]byte(cc), &m.Cc)
		_ = json.Unmarshal([]byte(bcc), &m.Bcc)
		_ = json.Unmarshal([]byte(labels), &m.Labels)
		conv.Messages = append(conv.Messages, m)
	}

	return conv, rows.Err()
}

// AppendOrCreate upserts the conversation keyed by (threadID, tenantUserID) and
// appends the message, deduplicating on provider message id. The conversation
// upsert, dedup check, append and outbox entry all run in one transaction, so
// two concurrent notifications racing on the same message leave exactly one row.
func (s *Store) AppendOrCreate(ctx context.Context, threadID, tenantUserID string, msg Message, event *OutboxEvent) (AppendResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := false
	var convID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE thread_id = ? AND tenant_user_id = ?
	`, threadID, tenantUserID).Scan(&convID)
	if err == sql.ErrNoRows {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (thread_id, tenant_user_id, created_at) VALUES (?, ?, ?)
		`, threadID, tenantUserID, time.Now().Unix())
		if err != nil {
			return 0, fmt.Errorf("failed to create conversation: %w", err)
		}
		convID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get conversation id: %w", err)
		}
		created = true
	} else if err != nil {
		return 0, fmt.Errorf("failed to look up conversation: %w", err)
	}

	toJSON, _ := json.Marshal(msg.To)
	ccJSON, _ := json.Marshal(msg.Cc)
	bccJSON, _ := json.Marshal(msg.Bcc)
	labelsJSON, _ := json.Marshal(msg.Labels)

	var inReplyTo interface{}
	if msg.InReplyTo != "" {
		inReplyTo = msg.InReplyTo
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(conversation_id, provider_message_id, message_id_header, from_addr, to_addrs, cc_addrs, bcc_addrs,
		 subject, body, labels, in_reply_to, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, convID, msg.ProviderMessageID, msg.MessageIDHeader, msg.From, string(toJSON), string(ccJSON), string(bccJSON),
		msg.Subject, msg.Body, string(labelsJSON), inReplyTo, msg.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// UNIQUE(conversation_id, provider_message_id) hit: already stored.
		return ResultDuplicate, nil
	}

	if event != nil {
		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, event.Subject, event.Type, event.Payload, event.MsgID, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if created {
		return ResultCreated, nil
	}
	return ResultAppended, nil
}

// OutboxEvent is written alongside an append and later published to JetStream.
type OutboxEvent struct {
	Subject string
	Type    string
	Payload []byte
	MsgID   string
}

// DequeueOutbox fetches unpublished events that are due for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkRetry bumps the retry counter and schedules the next attempt.
func (s *Store) MarkRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
