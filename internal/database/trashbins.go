package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"binspire-simulator/internal/models"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrTrashbinNotFound is returned when no row matches the requested id
	ErrTrashbinNotFound = errors.New("trashbin not found")

	// ErrInvalidTrashbin is returned when a row breaks the record invariants,
	// e.g. is_scheduled set without scheduled_at
	ErrInvalidTrashbin = errors.New("invalid trashbin row")
)

const (
	selectTrashbinQuery  = `SELECT * FROM trashbins WHERE id = $1`
	markScheduledQuery   = `UPDATE trashbins SET is_scheduled = TRUE, scheduled_at = NOW() WHERE id = $1`
	resetCollectedQuery  = `UPDATE trashbins SET is_collected = FALSE WHERE id = $1`
	collectorTokensQuery = `SELECT n.fcm_token FROM notifications n JOIN users u ON u.id = n.user_id WHERE u.role = 'collector' AND n.fcm_token IS NOT NULL`
)

// Queries are the statements a device loop runs on one acquired connection
type Queries interface {
	GetTrashbin(ctx context.Context, id string) (models.Trashbin, error)
	MarkScheduled(ctx context.Context, id string) error
	ResetCollected(ctx context.Context, id string) error
	CollectorTokens(ctx context.Context) ([]string, error)
}

type queries struct {
	conn *sqlx.Conn
}

// trashbinRow mirrors the trashbins columns the simulator reads
type trashbinRow struct {
	ID            string          `db:"id"`
	OrgID         sql.NullString  `db:"org_id"`
	Name          sql.NullString  `db:"name"`
	Location      sql.NullString  `db:"location"`
	Latitude      sql.NullFloat64 `db:"latitude"`
	Longitude     sql.NullFloat64 `db:"longitude"`
	IsOperational sql.NullBool    `db:"is_operational"`
	IsArchive     sql.NullBool    `db:"is_archive"`
	IsCollected   sql.NullBool    `db:"is_collected"`
	IsScheduled   sql.NullBool    `db:"is_scheduled"`
	ScheduledAt   sql.NullTime    `db:"scheduled_at"`
	CreatedAt     sql.NullTime    `db:"created_at"`
	UpdatedAt     sql.NullTime    `db:"updated_at"`
}

func (r trashbinRow) toModel() (models.Trashbin, error) {
	t := models.Trashbin{
		ID:            r.ID,
		OrgID:         r.OrgID.String,
		Name:          r.Name.String,
		Location:      r.Location.String,
		IsOperational: r.IsOperational.Bool,
		IsArchive:     r.IsArchive.Bool,
		IsCollected:   r.IsCollected.Bool,
		IsScheduled:   r.IsScheduled.Bool,
		CreatedAt:     r.CreatedAt.Time,
		UpdatedAt:     r.UpdatedAt.Time,
	}

	if r.Latitude.Valid {
		lat := r.Latitude.Float64
		t.Latitude = &lat
	}
	if r.Longitude.Valid {
		lng := r.Longitude.Float64
		t.Longitude = &lng
	}
	if r.ScheduledAt.Valid {
		at := r.ScheduledAt.Time
		t.ScheduledAt = &at
	}

	if err := t.Validate(); err != nil {
		return models.Trashbin{}, fmt.Errorf("%w %q: %w", ErrInvalidTrashbin, r.ID, err)
	}
	return t, nil
}

func (q *queries) GetTrashbin(ctx context.Context, id string) (models.Trashbin, error) {
	var row trashbinRow
	if err := q.conn.GetContext(ctx, &row, selectTrashbinQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Trashbin{}, ErrTrashbinNotFound
		}
		return models.Trashbin{}, fmt.Errorf("error fetching trashbin %s: %w", id, err)
	}
	return row.toModel()
}

func (q *queries) MarkScheduled(ctx context.Context, id string) error {
	if _, err := q.conn.ExecContext(ctx, markScheduledQuery, id); err != nil {
		return fmt.Errorf("error scheduling trashbin %s: %w", id, err)
	}
	return nil
}

func (q *queries) ResetCollected(ctx context.Context, id string) error {
	if _, err := q.conn.ExecContext(ctx, resetCollectedQuery, id); err != nil {
		return fmt.Errorf("error resetting collected flag of trashbin %s: %w", id, err)
	}
	return nil
}

// CollectorTokens returns the distinct FCM tokens of every collector
func (q *queries) CollectorTokens(ctx context.Context) ([]string, error) {
	var tokens []sql.NullString
	if err := q.conn.SelectContext(ctx, &tokens, collectorTokensQuery); err != nil {
		return nil, fmt.Errorf("error fetching collector tokens: %w", err)
	}

	raw := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Valid {
			raw = append(raw, t.String)
		}
	}
	return models.DedupeTokens(raw), nil
}
