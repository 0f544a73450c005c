package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/storage"
)

var _ storage.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS push_tokens (
	user_id    TEXT        NOT NULL,
	token      TEXT        NOT NULL,
	device     TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, token)
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT        PRIMARY KEY,
	user_id    TEXT        NOT NULL,
	title      TEXT        NOT NULL,
	message    TEXT        NOT NULL,
	type       TEXT        NOT NULL DEFAULT '',
	related_id TEXT        NOT NULL DEFAULT '',
	read       BOOLEAN     NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq        BIGSERIAL
);

ALTER TABLE notifications ADD COLUMN IF NOT EXISTS seq BIGSERIAL;

CREATE INDEX IF NOT EXISTS notifications_user_read_idx ON notifications (user_id, read, created_at DESC);
`

// Store is a PostgreSQL-backed Store implementation.
type Store struct {
	db *pgxpool.Pool
}

// New connects to dsn, verifies the connection and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// UpsertToken stores or refreshes a (user, token) pair.
func (s *Store) UpsertToken(ctx context.Context, token *model.PushToken) error {
	query := `
		INSERT INTO push_tokens (user_id, token, device, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (user_id, token)
		DO UPDATE SET device = EXCLUDED.device, updated_at = now()
		RETURNING created_at, updated_at
	`
	return s.db.QueryRow(ctx, query, token.UserID, token.Token, token.Device).
		Scan(&token.CreatedAt, &token.UpdatedAt)
}

// ListTokens returns every stored token.
func (s *Store) ListTokens(ctx context.Context) ([]*model.PushToken, error) {
	query := `
		SELECT user_id, token, device, created_at, updated_at
		FROM push_tokens
		ORDER BY user_id, token
	`
	return s.queryTokens(ctx, query)
}

// ListTokensByUsers returns the tokens of the given users.
func (s *Store) ListTokensByUsers(ctx context.Context, userIDs []string) ([]*model.PushToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT user_id, token, device, created_at, updated_at
		FROM push_tokens
		WHERE user_id = ANY($1::text[])
		ORDER BY array_position($1::text[], user_id), token
	`
	return s.queryTokens(ctx, query, userIDs)
}

func (s *Store) queryTokens(ctx context.Context, query string, args ...any) ([]*model.PushToken, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*model.PushToken
	for rows.Next() {
		var t model.PushToken
		if err := rows.Scan(&t.UserID, &t.Token, &t.Device, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// DeleteToken removes a single (user, token) pair.
func (s *Store) DeleteToken(ctx context.Context, userID, token string) error {
	ct, err := s.db.Exec(ctx, `DELETE FROM push_tokens WHERE user_id = $1 AND token = $2`, userID, token)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteUserTokens removes every token owned by userID.
func (s *Store) DeleteUserTokens(ctx context.Context, userID string) (int, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM push_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// DeleteAllTokens clears the token table.
func (s *Store) DeleteAllTokens(ctx context.Context) (int, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM push_tokens`)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// InsertNotifications writes all records in a single batched transaction.
func (s *Store) InsertNotifications(ctx context.Context, records []*model.Notification) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO notifications (id, user_id, title, message, type, related_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	batch := &pgx.Batch{}
	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		batch.Queue(query, record.ID, record.UserID, record.Title, record.Message,
			record.Type, record.RelatedID, record.Read, record.CreatedAt)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ListNotifications returns matching records, newest first.
func (s *Store) ListNotifications(ctx context.Context, filter model.NotificationFilter) ([]*model.Notification, error) {
	query := `
		SELECT id, user_id, title, message, type, related_id, read, created_at
		FROM notifications
		WHERE ($1::text = '' OR user_id = $1::text)
		  AND (NOT $2::boolean OR read = false)
		  AND ($3::text = '' OR type = $3::text)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY created_at DESC, seq DESC
	`
	rows, err := s.db.Query(ctx, query, filter.UserID, filter.UnreadOnly, filter.Type, filter.BeginTime, filter.EndTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.RelatedID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &n)
	}
	return records, rows.Err()
}

// MarkRead flags one record of userID as read.
func (s *Store) MarkRead(ctx context.Context, userID, id string) error {
	var found string
	err := s.db.QueryRow(ctx, `
		UPDATE notifications SET read = true
		WHERE id = $1 AND user_id = $2
		RETURNING id
	`, id, userID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// MarkAllRead flags every unread record of userID as read.
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int, error) {
	ct, err := s.db.Exec(ctx, `UPDATE notifications SET read = true WHERE user_id = $1 AND read = false`, userID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
