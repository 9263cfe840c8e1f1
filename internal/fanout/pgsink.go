package fanout

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signoff/model"
)

// PgSink stores notifications in the notifications table.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PostgreSQL-backed sink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// Create inserts n. A notification that already exists is left untouched.
func (s *PgSink) Create(ctx context.Context, n model.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (
			id, event_id, subject_id, tenant_id, recipient, type,
			title, message, link, priority, read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.EventID, n.SubjectID, n.TenantID, n.Recipient, n.Type,
		n.Title, n.Message, n.Link, n.Priority, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns notifications for a recipient, newest first.
func (s *PgSink) List(ctx context.Context, tenantID, recipient string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, subject_id, tenant_id, recipient, type,
		       title, message, link, priority, read, created_at
		FROM notifications
		WHERE tenant_id = $1 AND ($2 = '' OR recipient = $2)
		ORDER BY created_at DESC, id
		LIMIT $3`,
		tenantID, recipient, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Notification, error) {
		var n model.Notification
		err := row.Scan(&n.ID, &n.EventID, &n.SubjectID, &n.TenantID, &n.Recipient, &n.Type,
			&n.Title, &n.Message, &n.Link, &n.Priority, &n.Read, &n.CreatedAt)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	return out, nil
}

// HealthCheck pings the database.
func (s *PgSink) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
