// Package pg implements convo.Store on Postgres, for deployments where
// several gateway instances share one conversation log.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/migrations"
)

// Store is a Postgres-backed conversation store.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres with the given DSN and applies pending
// migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) GetOrCreate(ctx context.Context, key string) (*convo.Conversation, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, convo_key, display_name, status, created_at, updated_at)
		 VALUES ($1, $2, '', $3, $4, $5) ON CONFLICT (convo_key) DO NOTHING`,
		uuid.New(), key, convo.StatusActive, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var c convo.Conversation
	err = s.db.QueryRowContext(ctx,
		`SELECT id, convo_key, display_name, status, created_at, updated_at
		 FROM conversations WHERE convo_key = $1`, key,
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

func (s *Store) append(ctx context.Context, conversationID string, origin convo.Origin, content string, schedulingIntent bool) (*convo.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $1`,
		conversationID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC()
	var id int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, seq, origin, content, scheduling_intent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		conversationID, seq, origin, content, schedulingIntent, now,
	).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, now, conversationID,
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
	          FROM messages WHERE conversation_id = $1 ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
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

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) SetDisplayName(ctx context.Context, conversationID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET display_name = $1, updated_at = $2 WHERE id = $3`,
		name, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, conversationID string, status convo.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1, updated_at = $2 WHERE id = $3`,
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
