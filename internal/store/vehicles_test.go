package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "vehicles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// running again is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	v := &Vehicle{TrackID: "1", Direction: "up"}
	require.NoError(t, db.InsertVehicle(context.Background(), v))
	assert.NotZero(t, v.ID)
}

func TestInsertAndGetVehicle(t *testing.T) {
	db := openTestDB(t)

	created := time.Date(2024, 10, 1, 8, 30, 15, 250_000_000, time.UTC)
	v := &Vehicle{
		CreatedAt:  created,
		TrackID:    "7",
		Direction:  "up",
		ImagePath:  "images/cam/vehicle_7_20241001_083015_0001.jpg",
		Stream:     "cam",
		Class:      "car",
		Confidence: 0.91,
		EventID:    "evt-1",
	}
	require.NoError(t, db.InsertVehicle(context.Background(), v))
	require.NotZero(t, v.ID)

	got, err := db.GetVehicle(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, "7", got.TrackID)
	assert.Equal(t, "up", got.Direction)
	assert.Equal(t, v.ImagePath, got.ImagePath)
	assert.Equal(t, "cam", got.Stream)
	assert.Equal(t, "car", got.Class)
	assert.InDelta(t, 0.91, got.Confidence, 1e-9)
	assert.Equal(t, "evt-1", got.EventID)
	assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestInsertRequiresTrackAndDirection(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.InsertVehicle(context.Background(), &Vehicle{Direction: "up"}))
	assert.Error(t, db.InsertVehicle(context.Background(), &Vehicle{TrackID: "1"}))
}

func TestGetVehicleNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetVehicle(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func seedVehicles(t *testing.T, db *DB) time.Time {
	t.Helper()
	base := time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		dir := "up"
		if i%3 == 0 {
			dir = "down"
		}
		stream := "cam-a"
		if i >= 12 {
			stream = "cam-b"
		}
		require.NoError(t, db.InsertVehicle(context.Background(), &Vehicle{
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			TrackID:   string(rune('a' + i)),
			Direction: dir,
			Stream:    stream,
		}))
	}
	return base
}

func TestListVehiclesPagination(t *testing.T) {
	db := openTestDB(t)
	seedVehicles(t, db)

	first, err := db.ListVehicles(context.Background(), VehicleFilter{})
	require.NoError(t, err)
	assert.Len(t, first, DefaultListLimit)
	assert.Equal(t, int64(1), first[0].ID)

	rest, err := db.ListVehicles(context.Background(), VehicleFilter{Skip: 10, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rest, 5)
	assert.Equal(t, int64(11), rest[0].ID)
}

func TestListVehiclesFilters(t *testing.T) {
	db := openTestDB(t)
	base := seedVehicles(t, db)

	ranged, err := db.ListVehicles(context.Background(), VehicleFilter{
		Start: base.Add(2 * time.Minute),
		End:   base.Add(4 * time.Minute),
		Limit: 100,
	})
	require.NoError(t, err)
	assert.Len(t, ranged, 3)

	// a half-open range is ignored
	all, err := db.ListVehicles(context.Background(), VehicleFilter{Start: base.Add(10 * time.Minute), Limit: 100})
	require.NoError(t, err)
	assert.Len(t, all, 15)

	camB, err := db.ListVehicles(context.Background(), VehicleFilter{Stream: "cam-b", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, camB, 3)

	down, err := db.ListVehicles(context.Background(), VehicleFilter{Direction: "down", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, down, 5)
	for _, v := range down {
		assert.Equal(t, "down", v.Direction)
	}
}

func TestCountByDirection(t *testing.T) {
	db := openTestDB(t)
	seedVehicles(t, db)

	counts, err := db.CountByDirection(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"up": 10, "down": 5}, counts)

	camB, err := db.CountByDirection(context.Background(), "cam-b")
	require.NoError(t, err)
	// i = 12, 13, 14
	assert.Equal(t, map[string]int64{"down": 1, "up": 2}, camB)
}
