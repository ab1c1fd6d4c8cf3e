package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAccess checks course access via campus.courses and
// campus.enrollments.
type PostgresAccess struct {
	pool   *pgxpool.Pool
	schema string
}

// AccessOption configures PostgresAccess behavior.
type AccessOption func(*PostgresAccess) error

// WithAccessSchema sets the DB schema used by the access store (default: "campus").
func WithAccessSchema(schema string) AccessOption {
	return func(a *PostgresAccess) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		a.schema = schema
		return nil
	}
}

// NewPostgresAccess constructs an access store backed by PostgreSQL.
func NewPostgresAccess(pool *pgxpool.Pool, opts ...AccessOption) (*PostgresAccess, error) {
	a := &PostgresAccess{
		pool:   pool,
		schema: "campus",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return a, nil
}

// HasCourseAccess reports whether userID is the course instructor or holds
// an active enrollment.
func (a *PostgresAccess) HasCourseAccess(ctx context.Context, userID, courseID string) (bool, error) {
	if a == nil || a.pool == nil {
		return false, errors.New("messaging: nil access store")
	}
	userID = strings.TrimSpace(userID)
	courseID = strings.TrimSpace(courseID)
	if userID == "" || courseID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	courses := pgIdent(a.schema, "courses")
	enrollments := pgIdent(a.schema, "enrollments")

	var one int
	err := a.pool.QueryRow(ctx,
		`SELECT 1 FROM `+courses+` WHERE id = $1 AND instructor_id = $2
		 UNION ALL
		 SELECT 1 FROM `+enrollments+` WHERE course_id = $1 AND user_id = $2 AND status = 'active'
		 LIMIT 1`,
		courseID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CourseInstructor returns the instructor user id for a course.
func (a *PostgresAccess) CourseInstructor(ctx context.Context, courseID string) (string, error) {
	if a == nil || a.pool == nil {
		return "", errors.New("messaging: nil access store")
	}
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	courses := pgIdent(a.schema, "courses")

	var instructor string
	err := a.pool.QueryRow(ctx,
		`SELECT instructor_id FROM `+courses+` WHERE id = $1`,
		courseID,
	).Scan(&instructor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return instructor, nil
}
