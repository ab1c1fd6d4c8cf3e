package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Sender display fields are resolved by joining profiles at query time so
// renames show up in history without rewriting message rows.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "campus").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "campus",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// InsertMessage persists a message and returns the stored row.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("messaging: nil store")
	}
	if in.CourseID == "" || in.SenderID == "" || in.Content == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id := newMessageID(now)

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, course_id, sender_id, recipient_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.CourseID, in.SenderID, in.RecipientID, in.Content, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return s.GetMessage(ctx, id)
}

// QueryCourse returns group messages for a course, newest first, optionally
// older than a timestamp.
func (s *PostgresStore) QueryCourse(ctx context.Context, courseID string, limit int, before *time.Time) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("messaging: nil store")
	}
	if courseID == "" {
		return nil, errors.New("missing course id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = s.pool.Query(ctx,
			s.selectClause()+`
			  WHERE m.course_id = $1 AND m.recipient_id IS NULL
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $2`,
			courseID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			s.selectClause()+`
			  WHERE m.course_id = $1 AND m.recipient_id IS NULL AND m.created_at < $2
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $3`,
			courseID, *before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

// QueryConversation returns the private messages between two users in a
// course, in either direction, newest first, optionally older than a
// timestamp.
func (s *PostgresStore) QueryConversation(ctx context.Context, courseID, userA, userB string, limit int, before *time.Time) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("messaging: nil store")
	}
	if courseID == "" || userA == "" || userB == "" {
		return nil, errors.New("missing identifier")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = s.pool.Query(ctx,
			s.selectClause()+`
			  WHERE m.course_id = $1
			    AND ((m.sender_id = $2 AND m.recipient_id = $3)
			      OR (m.sender_id = $3 AND m.recipient_id = $2))
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $4`,
			courseID, userA, userB, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			s.selectClause()+`
			  WHERE m.course_id = $1
			    AND ((m.sender_id = $2 AND m.recipient_id = $3)
			      OR (m.sender_id = $3 AND m.recipient_id = $2))
			    AND m.created_at < $4
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $5`,
			courseID, userA, userB, *before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

// GetMessage returns a stored message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("messaging: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	var m Message
	err := s.pool.QueryRow(ctx,
		s.selectClause()+` WHERE m.id = $1`,
		id,
	).Scan(&m.ID, &m.CourseID, &m.SenderID, &m.RecipientID, &m.Content, &m.SenderName, &m.SenderRole, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// DeleteMessage removes a stored message by id.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("messaging: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+messages+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) selectClause() string {
	messages := pgIdent(s.schema, "messages")
	profiles := pgIdent(s.schema, "profiles")

	return `SELECT m.id, m.course_id, m.sender_id, m.recipient_id, m.content,
	               COALESCE(p.display_name, ''), COALESCE(p.role, ''), m.created_at
	          FROM ` + messages + ` m
	          LEFT JOIN ` + profiles + ` p ON p.user_id = m.sender_id`
}

func scanMessages(rows pgx.Rows, capHint int) ([]Message, error) {
	msgs := make([]Message, 0, capHint)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.CourseID,
			&m.SenderID,
			&m.RecipientID,
			&m.Content,
			&m.SenderName,
			&m.SenderRole,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
