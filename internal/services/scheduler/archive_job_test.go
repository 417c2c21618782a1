package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"telarchive/internal/jobs"
	"telarchive/internal/models"
	"telarchive/internal/services/pipeline"
)

// mockPipeline records pipeline start requests.
type mockPipeline struct {
	startCalled bool
	startReq    pipeline.ProcessRequest
	startErr    error
	jobID       string
}

func (m *mockPipeline) Start(req pipeline.ProcessRequest) (string, error) {
	m.startCalled = true
	m.startReq = req
	if m.startErr != nil {
		return "", m.startErr
	}
	return m.jobID, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sched.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ScheduledJob{}))
	return db
}

func TestRunArchiveJob(t *testing.T) {
	t.Run("Should start pipeline with payload flags", func(t *testing.T) {
		registry := jobs.NewRegistry()
		mock := &mockPipeline{jobID: "job-1"}
		svc := NewService(newTestDB(t), mock, registry)

		svc.runArchiveJob("nightly", ArchiveJobPayload{
			Files:       []string{"a.mp4", "b.mp4"},
			Compress:    true,
			Bundle:      true,
			Encrypt:     true,
			Upload:      true,
			Destination: "@archive",
		})

		require.True(t, mock.startCalled)
		assert.Equal(t, []string{"a.mp4", "b.mp4"}, mock.startReq.Files)
		assert.True(t, mock.startReq.Compress)
		assert.True(t, mock.startReq.Bundle)
		assert.True(t, mock.startReq.Encrypt)
		assert.True(t, mock.startReq.Upload)
		assert.Equal(t, "@archive", mock.startReq.Destination)
	})

	t.Run("Should skip runs with an empty file list", func(t *testing.T) {
		mock := &mockPipeline{jobID: "job-1"}
		svc := NewService(newTestDB(t), mock, jobs.NewRegistry())

		svc.runArchiveJob("broken", ArchiveJobPayload{})
		assert.False(t, mock.startCalled)
	})
}

func TestUpsertJob(t *testing.T) {
	t.Run("Should create and list a job", func(t *testing.T) {
		svc := NewService(newTestDB(t), &mockPipeline{}, jobs.NewRegistry())

		id, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "nightly-archive",
			Cron:    "0 2 * * *",
			Enabled: false, // disabled so nothing is added to cron
			Payload: map[string]interface{}{"files": []string{"a.mp4"}, "upload": true},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		listed, err := svc.ListJobs()
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "nightly-archive", listed[0].Name)
		assert.Equal(t, "archive", listed[0].JobType, "job type defaults to archive")
		assert.Equal(t, "0 0 2 * * *", listed[0].Cron, "cron is normalized to 6 fields")
		assert.NotNil(t, listed[0].NextRun)
	})

	t.Run("Should update an existing job by name", func(t *testing.T) {
		svc := NewService(newTestDB(t), &mockPipeline{}, jobs.NewRegistry())

		first, err := svc.UpsertJob(UpsertJobRequest{Name: "weekly", Cron: "0 3 * * 0"})
		require.NoError(t, err)

		second, err := svc.UpsertJob(UpsertJobRequest{Name: "weekly", Cron: "0 4 * * 0"})
		require.NoError(t, err)
		assert.Equal(t, first, second, "same name updates in place")

		listed, err := svc.ListJobs()
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "0 0 4 * * 0", listed[0].Cron)
	})

	t.Run("Should reject unknown job types", func(t *testing.T) {
		svc := NewService(newTestDB(t), &mockPipeline{}, jobs.NewRegistry())

		_, err := svc.UpsertJob(UpsertJobRequest{Name: "x", JobType: "transfer", Cron: "0 2 * * *"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported job type")
	})

	t.Run("Should reject missing name or cron", func(t *testing.T) {
		svc := NewService(newTestDB(t), &mockPipeline{}, jobs.NewRegistry())

		_, err := svc.UpsertJob(UpsertJobRequest{Cron: "0 2 * * *"})
		assert.Error(t, err)

		_, err = svc.UpsertJob(UpsertJobRequest{Name: "x"})
		assert.Error(t, err)
	})
}

func TestDeleteJob(t *testing.T) {
	svc := NewService(newTestDB(t), &mockPipeline{}, jobs.NewRegistry())

	id, err := svc.UpsertJob(UpsertJobRequest{Name: "doomed", Cron: "0 2 * * *"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteJob(id))

	listed, err := svc.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestExecuteJob(t *testing.T) {
	t.Run("Should run the archive payload and stamp run times", func(t *testing.T) {
		db := newTestDB(t)
		mock := &mockPipeline{jobID: "job-9"}
		registry := jobs.NewRegistry()
		svc := NewService(db, mock, registry)

		id, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "nightly",
			Cron:    "0 2 * * *",
			Payload: ArchiveJobPayload{Files: []string{"a.7z"}, Upload: true},
		})
		require.NoError(t, err)

		before := time.Now()
		svc.executeJob(id)

		require.True(t, mock.startCalled)
		assert.Equal(t, []string{"a.7z"}, mock.startReq.Files)

		var job models.ScheduledJob
		require.NoError(t, db.First(&job, "id = ?", id).Error)
		require.NotNil(t, job.LastRunAt)
		assert.False(t, job.LastRunAt.Before(before.Truncate(time.Second)))
	})
}
