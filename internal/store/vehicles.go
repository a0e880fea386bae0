package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// Vehicle is one recorded zone crossing.
type Vehicle struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	TrackID    string    `json:"trackId"`
	Direction  string    `json:"direction"`
	ImagePath  string    `json:"image_path"`
	Stream     string    `json:"stream,omitempty"`
	Class      string    `json:"class,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
}

// VehicleFilter narrows ListVehicles. Zero values mean "no filter".
type VehicleFilter struct {
	Skip      int
	Limit     int
	Start     time.Time
	End       time.Time
	Stream    string
	Direction string
}

const DefaultListLimit = 10

// InsertVehicle stores v and fills in its ID and timestamps.
func (db *DB) InsertVehicle(ctx context.Context, v *Vehicle) error {
	if v.TrackID == "" || v.Direction == "" {
		return fmt.Errorf("track id and direction are required")
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	result, err := db.ExecContext(ctx, `
		INSERT INTO vehicles (
			created_at, updated_at, track_id, direction, image_path,
			stream, class, confidence, event_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toUnix(v.CreatedAt), toUnix(v.UpdatedAt), v.TrackID, v.Direction, v.ImagePath,
		v.Stream, v.Class, v.Confidence, v.EventID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert vehicle: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		v.ID = id
	}
	return nil
}

// GetVehicle returns the vehicle with the given id or ErrNotFound.
func (db *DB) GetVehicle(ctx context.Context, id int64) (*Vehicle, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, track_id, direction, image_path,
			stream, class, confidence, event_id
		FROM vehicles WHERE id = ?`, id)

	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle %d: %w", id, err)
	}
	return v, nil
}

// ListVehicles returns vehicles ordered by id. The time range applies only
// when both Start and End are set.
func (db *DB) ListVehicles(ctx context.Context, f VehicleFilter) ([]*Vehicle, error) {
	query := `
		SELECT id, created_at, updated_at, track_id, direction, image_path,
			stream, class, confidence, event_id
		FROM vehicles
		WHERE 1=1
	`
	args := []interface{}{}

	if !f.Start.IsZero() && !f.End.IsZero() {
		query += " AND created_at BETWEEN ? AND ?"
		args = append(args, toUnix(f.Start), toUnix(f.End))
	}
	if f.Stream != "" {
		query += " AND stream = ?"
		args = append(args, f.Stream)
	}
	if f.Direction != "" {
		query += " AND direction = ?"
		args = append(args, f.Direction)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Skip, 0))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	defer rows.Close()

	vehicles := make([]*Vehicle, 0)
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// CountByDirection returns how many vehicles were recorded per direction,
// optionally restricted to one stream.
func (db *DB) CountByDirection(ctx context.Context, stream string) (map[string]int64, error) {
	query := `SELECT direction, COUNT(*) FROM vehicles`
	args := []interface{}{}
	if stream != "" {
		query += ` WHERE stream = ?`
		args = append(args, stream)
	}
	query += ` GROUP BY direction`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count vehicles: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			direction string
			n         int64
		)
		if err := rows.Scan(&direction, &n); err != nil {
			return nil, err
		}
		counts[direction] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVehicle(s scanner) (*Vehicle, error) {
	var (
		v                Vehicle
		created, updated float64
	)
	if err := s.Scan(
		&v.ID, &created, &updated, &v.TrackID, &v.Direction, &v.ImagePath,
		&v.Stream, &v.Class, &v.Confidence, &v.EventID,
	); err != nil {
		return nil, err
	}
	v.CreatedAt = fromUnix(created)
	v.UpdatedAt = fromUnix(updated)
	return &v, nil
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC()
}
