// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/conversation/message/queue persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			credential_hash TEXT,
			status          TEXT NOT NULL DEFAULT 'offline',
			max_concurrent  INTEGER NOT NULL DEFAULT 1,
			role            TEXT NOT NULL DEFAULT 'agent',
			last_activity   TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('offline', 'online', 'busy', 'away')),
			CHECK (max_concurrent >= 1)
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			session_token   TEXT,
			phone_number_id TEXT NOT NULL,
			from_number     TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'bot',
			assigned_agent  TEXT,
			is_escalated    INTEGER NOT NULL DEFAULT 0,
			last_activity   TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('bot', 'waiting', 'assigned', 'completed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(assigned_agent);
		CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender          TEXT NOT NULL,
			agent_id        TEXT,
			text            TEXT NOT NULL,
			attachment      TEXT,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender IN ('user', 'bot', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS queue_items (
			conversation_id TEXT PRIMARY KEY,
			phone_number_id TEXT NOT NULL,
			from_number     TEXT NOT NULL,
			start_time      TEXT NOT NULL,
			priority        INTEGER NOT NULL DEFAULT 0,
			tags_json       TEXT,
			assigned_agent  TEXT,
			metadata_json   TEXT,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_queue_priority ON queue_items(priority DESC, start_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// LoadAgents returns all agents for startup rehydration.
func (s *SQLiteStore) LoadAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, name, credential_hash, status, max_concurrent, role,
		       last_activity, created_at, updated_at
		FROM agents
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// rowScanner matches both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var credentialHash sql.NullString
	var lastActivityStr, createdAtStr, updatedAtStr string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&credentialHash,
		&agent.Status,
		&agent.MaxConcurrent,
		&agent.Role,
		&lastActivityStr,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.CredentialHash = credentialHash.String
	if agent.LastActivity, err = time.Parse(time.RFC3339, lastActivityStr); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	if agent.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, name, credential_hash, status, max_concurrent, role,
		       last_activity, created_at, updated_at
		FROM agents
		WHERE id = ?
	`
	return scanAgent(s.db.QueryRowContext(ctx, query, id))
}

// SaveAgent inserts or updates an agent row.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *Agent) error {
	return s.saveAgentTx(ctx, s.db, agent)
}

// execer matches both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) saveAgentTx(ctx context.Context, db execer, agent *Agent) error {
	query := `
		INSERT INTO agents (id, name, credential_hash, status, max_concurrent, role,
		                    last_activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			credential_hash = excluded.credential_hash,
			status = excluded.status,
			max_concurrent = excluded.max_concurrent,
			role = excluded.role,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		nullString(agent.CredentialHash),
		string(agent.Status),
		agent.MaxConcurrent,
		agent.Role,
		agent.LastActivity.UTC().Format(time.RFC3339),
		agent.CreatedAt.UTC().Format(time.RFC3339),
		agent.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}

	s.logger.Debug("saved agent", "id", agent.ID, "status", agent.Status)
	return nil
}

// LoadConversations returns all non-completed conversations for rehydration.
// Completed conversations stay in the table for history but are not projected
// into memory.
func (s *SQLiteStore) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	query := `
		SELECT id, session_token, phone_number_id, from_number, status,
		       assigned_agent, is_escalated, last_activity, created_at, updated_at
		FROM conversations
		WHERE status != 'completed'
		ORDER BY last_activity
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var sessionToken, assignedAgent sql.NullString
	var isEscalated int
	var lastActivityStr, createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&sessionToken,
		&conv.PhoneNumberID,
		&conv.FromNumber,
		&conv.Status,
		&assignedAgent,
		&isEscalated,
		&lastActivityStr,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.SessionToken = sessionToken.String
	conv.AssignedAgent = assignedAgent.String
	conv.IsEscalated = isEscalated != 0
	if conv.LastActivity, err = time.Parse(time.RFC3339, lastActivityStr); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	if conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, session_token, phone_number_id, from_number, status,
		       assigned_agent, is_escalated, last_activity, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// SaveConversation inserts or updates a conversation row.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	return s.saveConversationTx(ctx, s.db, conv)
}

func (s *SQLiteStore) saveConversationTx(ctx context.Context, db execer, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, session_token, phone_number_id, from_number,
		                           status, assigned_agent, is_escalated,
		                           last_activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_token = excluded.session_token,
			phone_number_id = excluded.phone_number_id,
			from_number = excluded.from_number,
			status = excluded.status,
			assigned_agent = excluded.assigned_agent,
			is_escalated = excluded.is_escalated,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at
	`

	isEscalated := 0
	if conv.IsEscalated {
		isEscalated = 1
	}

	_, err := db.ExecContext(ctx, query,
		conv.ID,
		nullString(conv.SessionToken),
		conv.PhoneNumberID,
		conv.FromNumber,
		string(conv.Status),
		nullString(conv.AssignedAgent),
		isEscalated,
		conv.LastActivity.UTC().Format(time.RFC3339),
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}

	s.logger.Debug("saved conversation", "id", conv.ID, "status", conv.Status)
	return nil
}

// LoadQueue returns all queue items ordered by priority then start time.
func (s *SQLiteStore) LoadQueue(ctx context.Context) ([]*QueueItem, error) {
	query := `
		SELECT conversation_id, phone_number_id, from_number, start_time,
		       priority, tags_json, assigned_agent, metadata_json
		FROM queue_items
		ORDER BY priority DESC, start_time
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		var item QueueItem
		var startTimeStr string
		var tagsJSON, assignedAgent, metadataJSON sql.NullString

		if err := rows.Scan(
			&item.ConversationID,
			&item.PhoneNumberID,
			&item.FromNumber,
			&startTimeStr,
			&item.Priority,
			&tagsJSON,
			&assignedAgent,
			&metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}

		if item.StartTime, err = time.Parse(time.RFC3339, startTimeStr); err != nil {
			return nil, fmt.Errorf("parsing start_time: %w", err)
		}
		item.AssignedAgent = assignedAgent.String
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &item.Tags); err != nil {
				return nil, fmt.Errorf("parsing tags: %w", err)
			}
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &item.Metadata); err != nil {
				return nil, fmt.Errorf("parsing queue metadata: %w", err)
			}
		}

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue rows: %w", err)
	}
	return items, nil
}

// UpsertQueueItem inserts or updates a queue entry for a waiting conversation.
func (s *SQLiteStore) UpsertQueueItem(ctx context.Context, item *QueueItem) error {
	tagsJSON, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("encoding queue metadata: %w", err)
	}

	query := `
		INSERT INTO queue_items (conversation_id, phone_number_id, from_number,
		                         start_time, priority, tags_json, assigned_agent, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			priority = excluded.priority,
			tags_json = excluded.tags_json,
			assigned_agent = excluded.assigned_agent,
			metadata_json = excluded.metadata_json
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ConversationID,
		item.PhoneNumberID,
		item.FromNumber,
		item.StartTime.UTC().Format(time.RFC3339),
		item.Priority,
		string(tagsJSON),
		nullString(item.AssignedAgent),
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("upserting queue item: %w", err)
	}

	s.logger.Debug("upserted queue item", "conversation_id", item.ConversationID, "priority", item.Priority)
	return nil
}

// DeleteQueueItem removes a conversation's queue entry.
// Deleting an absent entry is not an error; the caller's transition checks
// already decided the entry should be gone.
func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting queue item: %w", err)
	}
	return nil
}

// AppendMessage saves a message to the transcript. Messages are immutable once
// written; ordering is created_at with rowid breaking ties.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	var metadataJSON any
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding message metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender, agent_id, text, attachment, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Sender,
		nullString(msg.AgentID),
		msg.Text,
		nullString(msg.Attachment),
		metadataJSON,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "sender", msg.Sender)
	return nil
}

// GetConversationMessages retrieves up to `limit` most recent messages for a
// conversation, returned in chronological order. If limit is 0 or negative,
// all messages are returned.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender, agent_id, text, attachment, metadata_json, created_at
			FROM (
				SELECT rowid, id, conversation_id, sender, agent_id, text, attachment, metadata_json, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender, agent_id, text, attachment, metadata_json, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var agentID, attachment, metadataJSON sql.NullString
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &agentID,
			&msg.Text, &attachment, &metadataJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.AgentID = agentID.String
		msg.Attachment = attachment.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("parsing message metadata: %w", err)
			}
		}
		if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// SaveAssignment persists a waiting -> assigned transition in one transaction:
// the conversation update, the agent update, and the queue-entry removal either
// all land or none do.
func (s *SQLiteStore) SaveAssignment(ctx context.Context, conv *Conversation, agent *Agent) error {
	return s.applyTransition(ctx, conv, agent)
}

// SaveRelease persists leaving the assigned or waiting state. agent may be nil
// when the conversation was never assigned.
func (s *SQLiteStore) SaveRelease(ctx context.Context, conv *Conversation, agent *Agent) error {
	return s.applyTransition(ctx, conv, agent)
}

func (s *SQLiteStore) applyTransition(ctx context.Context, conv *Conversation, agent *Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.saveConversationTx(ctx, tx, conv); err != nil {
		return err
	}
	if agent != nil {
		if err := s.saveAgentTx(ctx, tx, agent); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("deleting queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}
	return nil
}

// nullString returns nil for empty strings, otherwise the string value
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
