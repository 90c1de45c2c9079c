package repository

import (
	"testing"
	"time"

	"face-gallery-go/config"
	"face-gallery-go/internal/core/models"
	"face-gallery-go/internal/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.Open(config.DBConfig{File: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return NewSQLiteRepository(database)
}

func TestDetections_PaginationAndFilter(t *testing.T) {
	repo := newTestRepository(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"alice", "unknown", "alice", "bob"} {
		require.NoError(t, repo.SaveDetection(&models.DetectionEvent{
			Identity:   id,
			Known:      id != "unknown",
			Adapter:    "lbph",
			FrameSeq:   uint64(i),
			DetectedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, total, err := repo.GetDetections(2, 0, "")
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, events, 2)
	assert.Equal(t, "bob", events[0].Identity)
	assert.Equal(t, "alice", events[1].Identity)

	events, total, err = repo.GetDetections(10, 0, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, events, 2)

	got, err := repo.GetDetectionByID(events[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Identity)

	missing, err := repo.GetDetectionByID(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDetections_Retention(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()

	require.NoError(t, repo.SaveDetection(&models.DetectionEvent{Identity: "old", DetectedAt: now.Add(-48 * time.Hour), SnapshotPath: "/snap/old.jpg"}))
	require.NoError(t, repo.SaveDetection(&models.DetectionEvent{Identity: "old2", DetectedAt: now.Add(-47 * time.Hour)}))
	require.NoError(t, repo.SaveDetection(&models.DetectionEvent{Identity: "new", DetectedAt: now, SnapshotPath: "/snap/new.jpg"}))

	cutoff := now.Add(-24 * time.Hour)
	paths, err := repo.SnapshotPathsBefore(cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"/snap/old.jpg"}, paths)

	deleted, err := repo.DeleteDetectionsBefore(cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	_, total, err := repo.GetDetections(10, 0, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestStatistics(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.SaveDetection(&models.DetectionEvent{Identity: "alice", Known: true, DetectedAt: now.Add(-time.Minute)}))
	require.NoError(t, repo.SaveDetection(&models.DetectionEvent{Identity: "alice", Known: true, DetectedAt: now}))
	require.NoError(t, repo.SaveDetection(&models.DetectionEvent{Identity: "unknown", DetectedAt: now.Add(-2 * time.Minute)}))
	require.NoError(t, repo.SaveGalleryChange(&models.GalleryChange{Kind: models.GalleryChangeAdded, Identity: "alice"}))

	stats, err := repo.GetStatistics()
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalDetections)
	assert.EqualValues(t, 2, stats.KnownDetections)
	assert.EqualValues(t, 1, stats.UnknownDetections)
	assert.EqualValues(t, 1, stats.GalleryChanges)
	assert.Equal(t, map[string]int64{"alice": 2}, stats.PerIdentity)
	require.NotNil(t, stats.LatestDetection)
	assert.True(t, now.Equal(*stats.LatestDetection))
}

func TestGalleryChanges(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.SaveGalleryChange(&models.GalleryChange{Kind: models.GalleryChangeAdded, Identity: "alice"}))
	require.NoError(t, repo.SaveGalleryChange(&models.GalleryChange{Kind: models.GalleryChangeRenamed, Identity: "alice", NewIdentity: "alicia"}))

	changes, err := repo.GetGalleryChanges(10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.GalleryChangeRenamed, changes[0].Kind)
	assert.Equal(t, "alicia", changes[0].NewIdentity)
}
