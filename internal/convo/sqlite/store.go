// Package sqlite implements convo.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/migrations"
)

// Store is a SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// Open opens (and creates, if needed) the database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// Single writer; WAL keeps readers unblocked during turn commits.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) GetOrCreate(ctx context.Context, key string) (*convo.Conversation, error) {
	c, err := s.byKey(ctx, key)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, convo.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	c = &convo.Conversation{
		ID:      uuid.NewString(),
		Key:     key,
		Status:  convo.StatusActive,
		Created: now,
		Updated: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, convo_key, display_name, status, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?, ?) ON CONFLICT (convo_key) DO NOTHING`,
		c.ID, key, c.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	// Re-read: a concurrent first contact for the same key may have won.
	return s.byKey(ctx, key)
}

func (s *Store) byKey(ctx context.Context, key string) (*convo.Conversation, error) {
	var c convo.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, convo_key, display_name, status, created_at, updated_at
		 FROM conversations WHERE convo_key = ?`, key,
	).Scan(&c.ID, &c.Key, &c.DisplayName, &c.Status, &c.Created, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, convo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *Store) AppendInbound(ctx context.Context, conversationID, content string, schedulingIntent bool) (*convo.Message, error) {
	return s.append(ctx, conversationID, convo.OriginInbound, content, schedulingIntent)
}

func (s *Store) AppendOutbound(ctx context.Context, conversationID, content string) (*convo.Message, error) {
	return s.append(ctx, conversationID, convo.OriginOutbound, content, false)
}

// append commits one message with the next gapless seq number. The
// seq read and insert share a transaction so the uniqueness constraint
// holds even if the per-conversation serialization is ever bypassed.
func (s *Store) append(ctx context.Context, conversationID string, origin convo.Origin, content string, schedulingIntent bool) (*convo.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, origin, content, scheduling_intent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, seq, origin, content, schedulingIntent, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &convo.Message{
		ID:               id,
		ConversationID:   conversationID,
		Seq:              seq,
		Origin:           origin,
		Content:          content,
		SchedulingIntent: schedulingIntent,
		Created:          now,
	}, nil
}

func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]convo.Message, error) {
	query := `SELECT id, conversation_id, seq, origin, content, scheduling_intent, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []convo.Message
	for rows.Next() {
		var m convo.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Origin, &m.Content, &m.SchedulingIntent, &m.Created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}

	// Fetched newest-first for the LIMIT; return in seq order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) SetDisplayName(ctx context.Context, conversationID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET display_name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, conversationID string, status convo.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return convo.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]convo.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, convo_key, display_name, status, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []convo.Conversation
	for rows.Next() {
		var c convo.Conversation
		if err := rows.Scan(&c.ID, &c.Key, &c.DisplayName, &c.Status, &c.Created, &c.Updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
