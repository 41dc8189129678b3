package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
	"addrhist/pkg/platform/sentinel"
	txcontext "addrhist/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// Postgres persists persons and segments in PostgreSQL. Methods join the
// transaction carried in ctx (see PostgresTx) when there is one.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed history store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply address schema: %w", err)
	}
	return nil
}

func (s *Postgres) CreatePerson(ctx context.Context, person *models.Person) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`INSERT INTO persons (id, created_at) VALUES ($1, $2)`,
		uuid.UUID(person.ID), person.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert person: %w", mapPQError(err))
	}
	return nil
}

func (s *Postgres) FindPerson(ctx context.Context, id domain.PersonID) (*models.Person, error) {
	var (
		raw    uuid.UUID
		person models.Person
	)
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT id, created_at FROM persons WHERE id = $1`,
		uuid.UUID(id),
	).Scan(&raw, &person.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find person: %w", err)
	}
	person.ID = domain.PersonID(raw)
	return &person, nil
}

// LockPerson row-locks the person until the surrounding transaction ends.
// Outside a transaction the lock is released immediately.
func (s *Postgres) LockPerson(ctx context.Context, id domain.PersonID) error {
	var raw uuid.UUID
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT id FROM persons WHERE id = $1 FOR UPDATE`,
		uuid.UUID(id),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("lock person: %w", err)
	}
	return nil
}

func (s *Postgres) ListByPerson(ctx context.Context, id domain.PersonID) ([]*models.Segment, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT id, person_id, street_one, street_two, city, state, zip_code,
		       start_date, end_date, created_at
		FROM address_segments
		WHERE person_id = $1
		ORDER BY start_date, created_at, id
	`, uuid.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("query address segments: %w", err)
	}
	defer rows.Close()

	var segments []*models.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate address segments: %w", err)
	}
	return segments, nil
}

func (s *Postgres) CreateSegment(ctx context.Context, segment *models.Segment) error {
	var endDate any
	if segment.EndDate != nil {
		endDate = *segment.EndDate
	}
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO address_segments (
			id, person_id, street_one, street_two, city, state, zip_code,
			start_date, end_date, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		uuid.UUID(segment.ID),
		uuid.UUID(segment.PersonID),
		segment.StreetOne,
		sql.NullString{String: segment.StreetTwo, Valid: segment.StreetTwo != ""},
		segment.City,
		segment.State,
		segment.ZipCode,
		segment.StartDate,
		endDate,
		segment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert address segment: %w", mapPQError(err))
	}
	return nil
}

func (s *Postgres) UpdateEndDate(ctx context.Context, id domain.SegmentID, endDate domain.Date) error {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`UPDATE address_segments SET end_date = $2 WHERE id = $1`,
		uuid.UUID(id), endDate,
	)
	if err != nil {
		return fmt.Errorf("update segment end date: %w", mapPQError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update segment end date: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*models.Segment, error) {
	var (
		seg       models.Segment
		id        uuid.UUID
		personID  uuid.UUID
		streetTwo sql.NullString
		endDate   domain.Date
	)
	err := row.Scan(
		&id,
		&personID,
		&seg.StreetOne,
		&streetTwo,
		&seg.City,
		&seg.State,
		&seg.ZipCode,
		&seg.StartDate,
		&endDate,
		&seg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan address segment: %w", err)
	}
	seg.ID = domain.SegmentID(id)
	seg.PersonID = domain.PersonID(personID)
	seg.StreetTwo = streetTwo.String
	if !endDate.IsZero() {
		seg.EndDate = endDate.Ptr()
	}
	return &seg, nil
}

// mapPQError turns constraint violations into sentinel errors and keeps the
// driver error in the chain.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqUniqueViolation:
		return errors.Join(sentinel.ErrConflict, err)
	case pqForeignKeyViolation:
		return errors.Join(sentinel.ErrNotFound, err)
	default:
		return err
	}
}
