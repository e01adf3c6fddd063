package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Reader is the query side of the ledger used by admission rules.
type Reader interface {
	// QueryEvents returns events in scope with CreatedAt strictly after since,
	// ordered by (CreatedAt, Seq) ascending.
	QueryEvents(ctx context.Context, scope ScopeKey, since time.Time) ([]BookingEvent, error)
}

// Repository is the append-only booking event log. There is deliberately no
// update or delete: cancellations are recorded elsewhere as new facts.
type Repository interface {
	Reader

	// Append stores e, filling ID, Seq and (when zero) CreatedAt.
	Append(ctx context.Context, e *BookingEvent) error

	// List returns a page of a requester's events, newest first, and the total count.
	List(ctx context.Context, filter Filter) ([]*BookingEvent, int, error)
}

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxRepository struct {
	db DBTX
}

// NewPgxRepository builds the Postgres ledger on a pool, or on a transaction
// when the caller needs its reads and append to share one connection.
func NewPgxRepository(db DBTX) Repository {
	return &pgxRepository{db: db}
}

func (r *pgxRepository) QueryEvents(ctx context.Context, scope ScopeKey, since time.Time) ([]BookingEvent, error) {
	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	query := psql.Select("id", "seq", "requester_id", "resource_id", "created_at").
		From("public.booking_events").
		Where(squirrel.Eq{"requester_id": scope.RequesterID}).
		Where(squirrel.Gt{"created_at": since})

	if scope.ResourceID != "" {
		query = query.Where(squirrel.Eq{"resource_id": scope.ResourceID})
	}

	sql, args, err := query.OrderBy("created_at ASC", "seq ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query events failed: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query events for %s failed: %w", scope, err))
	}
	defer rows.Close()

	var events []BookingEvent
	for rows.Next() {
		var e BookingEvent
		if err := rows.Scan(&e.ID, &e.Seq, &e.RequesterID, &e.ResourceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan booking event failed: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate booking events failed: %w", err))
	}

	return events, nil
}

func (r *pgxRepository) Append(ctx context.Context, e *BookingEvent) error {
	if e.RequesterID == "" || e.ResourceID == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	query, args, err := psql.Insert("public.booking_events").
		Columns("id", "requester_id", "resource_id", "created_at").
		Values(e.ID, e.RequesterID, e.ResourceID, e.CreatedAt).
		Suffix("RETURNING seq").
		ToSql()
	if err != nil {
		return fmt.Errorf("build append booking event query failed: %w", err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&e.Seq); err != nil {
		return classify(fmt.Errorf("append booking event failed: %w", err))
	}
	return nil
}

func (r *pgxRepository) List(ctx context.Context, filter Filter) ([]*BookingEvent, int, error) {
	if err := filter.normalize(); err != nil {
		return nil, 0, err
	}

	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	query := psql.Select("id", "seq", "requester_id", "resource_id", "created_at", "count(*) OVER() as total_count").
		From("public.booking_events").
		Where(squirrel.Eq{"requester_id": filter.RequesterID})

	if filter.ResourceID != "" {
		query = query.Where(squirrel.Eq{"resource_id": filter.ResourceID})
	}
	if filter.Since != nil {
		query = query.Where(squirrel.Gt{"created_at": *filter.Since})
	}

	offset := (filter.Page - 1) * filter.PageSize
	query = query.OrderBy("created_at DESC", "seq DESC").
		Limit(uint64(filter.PageSize)).
		Offset(uint64(offset))

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list booking events query failed: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, classify(fmt.Errorf("list booking events failed: %w", err))
	}
	defer rows.Close()

	var events []*BookingEvent
	var total int
	for rows.Next() {
		var e BookingEvent
		if err := rows.Scan(&e.ID, &e.Seq, &e.RequesterID, &e.ResourceID, &e.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("scan booking event failed: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(fmt.Errorf("iterate booking events failed: %w", err))
	}

	// Past the last page the window count has no row to ride on.
	if len(events) == 0 && offset > 0 {
		if total, err = r.count(ctx, filter); err != nil {
			return nil, 0, err
		}
	}

	return events, total, nil
}

func (r *pgxRepository) count(ctx context.Context, filter Filter) (int, error) {
	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	query := psql.Select("count(*)").
		From("public.booking_events").
		Where(squirrel.Eq{"requester_id": filter.RequesterID})

	if filter.ResourceID != "" {
		query = query.Where(squirrel.Eq{"resource_id": filter.ResourceID})
	}
	if filter.Since != nil {
		query = query.Where(squirrel.Gt{"created_at": *filter.Since})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count booking events query failed: %w", err)
	}

	var total int
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		return 0, classify(fmt.Errorf("count booking events failed: %w", err))
	}
	return total, nil
}

// classify maps well-known Postgres failures onto ledger errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("%w: %v", ErrSchemaMissing, err)
	}
	return err
}
