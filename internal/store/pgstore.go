package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signoff/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// payload is the JSON column holding the variant-specific fields.
type payload struct {
	Proposal    *model.ProposalPayload    `json:"proposal,omitempty"`
	Approval    *model.ApprovalPayload    `json:"approval,omitempty"`
	ChangeOrder *model.ChangeOrderPayload `json:"change_order,omitempty"`
}

const subjectColumns = `id, tenant_id, variant, status, requested_by, requested_from, payload,
	decision_timestamp, decision_comments, decided_by,
	signature_image, signature_content_type, signer_name, signer_email, signature_captured_at,
	version, created_at, updated_at`

// Create inserts a new subject.
func (s *PgStore) Create(ctx context.Context, subj model.Subject) error {
	by, err := json.Marshal(subj.RequestedBy)
	if err != nil {
		return fmt.Errorf("marshal requested_by: %w", err)
	}
	from, err := json.Marshal(subj.RequestedFrom)
	if err != nil {
		return fmt.Errorf("marshal requested_from: %w", err)
	}
	body, err := json.Marshal(payload{Proposal: subj.Proposal, Approval: subj.Approval, ChangeOrder: subj.ChangeOrder})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO subjects (
			id, tenant_id, variant, status, requested_by, requested_from, payload,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		subj.ID, subj.TenantID, subj.Variant, subj.Status, by, from, body,
		subj.Version, subj.CreatedAt, subj.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("subject %q already exists", subj.ID))
	}
	return nil
}

// Get retrieves a subject by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, id string) (model.Subject, error) {
	subj, err := scanSubject(s.pool.QueryRow(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subject{}, model.NewNotFoundError(fmt.Sprintf("subject %q not found", id))
	}
	if err != nil {
		return model.Subject{}, fmt.Errorf("query subject: %w", err)
	}
	return subj, nil
}

// Apply performs a compare-and-set update and, for decisions, inserts the
// outbox row in the same transaction.
func (s *PgStore) Apply(ctx context.Context, tenantID, id string, expectedVersion int, change model.Change) (model.Subject, error) {
	var updated model.Subject
	now := time.Now().UTC()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			image                    []byte
			contentType, name, email string
			capturedAt               *time.Time
		)
		if sig := change.Signature; sig != nil {
			image, contentType, name, email = sig.Image, sig.ContentType, sig.SignerName, sig.SignerEmail
			at := sig.CapturedAt
			capturedAt = &at
		}

		row := tx.QueryRow(ctx, `
			UPDATE subjects SET
				status = $1,
				decision_timestamp = COALESCE($2, decision_timestamp),
				decision_comments = CASE WHEN $2::timestamptz IS NULL THEN decision_comments ELSE $3 END,
				decided_by = CASE WHEN $2::timestamptz IS NULL THEN decided_by ELSE $4 END,
				signature_image = CASE WHEN $2::timestamptz IS NULL THEN signature_image ELSE $5 END,
				signature_content_type = CASE WHEN $2::timestamptz IS NULL THEN signature_content_type ELSE $6 END,
				signer_name = CASE WHEN $2::timestamptz IS NULL THEN signer_name ELSE $7 END,
				signer_email = CASE WHEN $2::timestamptz IS NULL THEN signer_email ELSE $8 END,
				signature_captured_at = CASE WHEN $2::timestamptz IS NULL THEN signature_captured_at ELSE $9 END,
				version = version + 1,
				updated_at = $10
			WHERE id = $11 AND tenant_id = $12 AND version = $13
			  AND ($2::timestamptz IS NULL OR decision_timestamp IS NULL)
			RETURNING `+subjectColumns,
			change.Status, change.DecisionTimestamp, change.DecisionComments, change.DecidedBy,
			image, contentType, name, email, capturedAt,
			now, id, tenantID, expectedVersion,
		)
		var err error
		updated, err = scanSubject(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrConflict(ctx, tx, tenantID, id, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("update subject: %w", err)
		}

		if change.Event == nil {
			return nil
		}
		evt, err := json.Marshal(change.Event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO decision_events (id, subject_id, tenant_id, payload, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			change.Event.ID, id, tenantID, evt, model.OutboxPending, now,
		); err != nil {
			return fmt.Errorf("insert decision event: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Subject{}, err
	}
	return updated, nil
}

// missOrConflict tells a missing subject from a lost compare-and-set.
func (s *PgStore) missOrConflict(ctx context.Context, tx pgx.Tx, tenantID, id string, expected int) error {
	var version int
	err := tx.QueryRow(ctx, `SELECT version FROM subjects WHERE id = $1 AND tenant_id = $2`, id, tenantID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("subject %q not found", id))
	}
	if err != nil {
		return fmt.Errorf("query subject version: %w", err)
	}
	return model.NewConflictError(
		fmt.Sprintf("subject %q version conflict (expected %d, got %d)", id, expected, version),
	)
}

// List returns subjects for a tenant, newest first.
func (s *PgStore) List(ctx context.Context, tenantID string, filters model.SubjectFilters) ([]model.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Variant != "" {
		query += fmt.Sprintf(" AND variant = $%d", argIdx)
		args = append(args, filters.Variant)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []model.Subject
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, subj)
	}
	return subjects, rows.Err()
}

// Pending returns events awaiting delivery, oldest first.
func (s *PgStore) Pending(ctx context.Context, olderThan time.Time, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload, status, attempts, failed_recipients, updated_at
		FROM decision_events
		WHERE status = $1 OR (status = $2 AND updated_at < $3)
		ORDER BY updated_at ASC
		LIMIT $4`,
		model.OutboxPartial, model.OutboxPending, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decision events: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEvent returns one outbox entry.
func (s *PgStore) GetEvent(ctx context.Context, eventID string) (model.OutboxEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `
		SELECT payload, status, attempts, failed_recipients, updated_at
		FROM decision_events WHERE id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OutboxEntry{}, model.NewNotFoundError(fmt.Sprintf("event %q not found", eventID))
	}
	return e, err
}

// RecordAttempt stores a delivery outcome.
func (s *PgStore) RecordAttempt(ctx context.Context, eventID, status string, failed []string) error {
	if failed == nil {
		failed = []string{}
	}
	list, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal failed recipients: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE decision_events SET
			status = $1,
			attempts = attempts + 1,
			failed_recipients = $2,
			updated_at = $3
		WHERE id = $4`,
		status, list, time.Now().UTC(), eventID,
	)
	if err != nil {
		return fmt.Errorf("update decision event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("event %q not found", eventID))
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanSubject(row pgx.Row) (model.Subject, error) {
	var (
		subj                     model.Subject
		by, from, body           []byte
		image                    []byte
		contentType, name, email string
		capturedAt               *time.Time
	)
	if err := row.Scan(
		&subj.ID, &subj.TenantID, &subj.Variant, &subj.Status, &by, &from, &body,
		&subj.DecisionTimestamp, &subj.DecisionComments, &subj.DecidedBy,
		&image, &contentType, &name, &email, &capturedAt,
		&subj.Version, &subj.CreatedAt, &subj.UpdatedAt,
	); err != nil {
		return model.Subject{}, err
	}

	if err := json.Unmarshal(by, &subj.RequestedBy); err != nil {
		return model.Subject{}, fmt.Errorf("unmarshal requested_by: %w", err)
	}
	if err := json.Unmarshal(from, &subj.RequestedFrom); err != nil {
		return model.Subject{}, fmt.Errorf("unmarshal requested_from: %w", err)
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return model.Subject{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	subj.Proposal, subj.Approval, subj.ChangeOrder = p.Proposal, p.Approval, p.ChangeOrder

	if len(image) > 0 {
		subj.Signature = &model.SignatureArtifact{
			Image:       image,
			ContentType: contentType,
			SignerName:  name,
			SignerEmail: email,
		}
		if capturedAt != nil {
			subj.Signature.CapturedAt = capturedAt.UTC()
		}
	}
	if subj.DecisionTimestamp != nil {
		ts := subj.DecisionTimestamp.UTC()
		subj.DecisionTimestamp = &ts
	}
	subj.CreatedAt = subj.CreatedAt.UTC()
	subj.UpdatedAt = subj.UpdatedAt.UTC()
	return subj, nil
}

func scanEntry(row pgx.Row) (model.OutboxEntry, error) {
	var (
		e           model.OutboxEntry
		evt, failed []byte
	)
	if err := row.Scan(&evt, &e.Status, &e.Attempts, &failed, &e.UpdatedAt); err != nil {
		return model.OutboxEntry{}, err
	}
	if err := json.Unmarshal(evt, &e.Event); err != nil {
		return model.OutboxEntry{}, fmt.Errorf("unmarshal decision event: %w", err)
	}
	if err := json.Unmarshal(failed, &e.FailedRecipients); err != nil {
		return model.OutboxEntry{}, fmt.Errorf("unmarshal failed recipients: %w", err)
	}
	if len(e.FailedRecipients) == 0 {
		e.FailedRecipients = nil
	}
	return e, nil
}
