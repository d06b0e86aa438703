package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadlens/roadlens/internal/models"
)

func TestMigrationsEmbedded(t *testing.T) {
	goose.SetBaseFS(migrations)
	t.Cleanup(func() { goose.SetBaseFS(nil) })

	ms, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, int64(1), ms[0].Version)
}

func TestToRecords(t *testing.T) {
	lat, lon := 50.45, 30.52
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := models.FrameRecord{
		SessionID: "s1",
		Seq:       4,
		Metadata:  models.FrameMetadata{Threshold: 0.6, Latitude: &lat, Longitude: &lon},
		Detections: []models.Detection{
			{ClassID: 3, Label: "Potholes", Score: 0.82, Box: models.Box{10, 20, 110, 90}},
			{ClassID: 0, Label: "Longitudinal Crack", Score: 0.7, Box: models.Box{1, 2, 3, 4}},
		},
		ReceivedAt: at,
	}

	rows := ToRecords(rec)
	require.Len(t, rows, 2)
	assert.Equal(t, models.DetectionRecord{
		SessionID:  "s1",
		Threshold:  0.6,
		DamageType: "Potholes",
		Score:      0.82,
		Box:        models.Box{10, 20, 110, 90},
		Latitude:   &lat,
		Longitude:  &lon,
		CreatedAt:  at,
	}, rows[0])
	assert.Equal(t, "Longitudinal Crack", rows[1].DamageType)

	assert.Empty(t, ToRecords(models.FrameRecord{SessionID: "s1"}))
}

// Runs against a real database when ROADLENS_TEST_DSN is set.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("ROADLENS_TEST_DSN")
	if dsn == "" {
		t.Skip("ROADLENS_TEST_DSN not set")
	}
	ctx := context.Background()

	require.NoError(t, Migrate(dsn))
	store, err := Connect(ctx, dsn, nil)
	require.NoError(t, err)
	defer store.Close()

	rec := models.FrameRecord{
		SessionID:  "roundtrip-" + time.Now().Format(time.RFC3339Nano),
		Seq:        1,
		Metadata:   models.FrameMetadata{Threshold: 0.5},
		Detections: []models.Detection{{Label: "Potholes", Score: 0.9, Box: models.Box{1, 2, 3, 4}}},
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Record(ctx, rec))

	got, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, rec.SessionID, got[0].SessionID)
	assert.Equal(t, models.Box{1, 2, 3, 4}, got[0].Box)
	assert.Nil(t, got[0].Latitude)
}
