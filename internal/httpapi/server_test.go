package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telarchive/internal/jobs"
	"telarchive/internal/services/pipeline"
	"telarchive/internal/services/remote"
	"telarchive/internal/services/scheduler"
	"telarchive/internal/services/settings"
	"telarchive/internal/services/workspace"
	"telarchive/internal/telegram"
)

type fakePipeline struct {
	req   pipeline.ProcessRequest
	jobID string
	err   error
}

func (f *fakePipeline) Start(req pipeline.ProcessRequest) (string, error) {
	f.req = req
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}

type fakeRemote struct {
	groups      []remote.Group
	downloadReq remote.DownloadRequest
	jobID       string
	deleted     int
	err         error
	deletedName string
}

func (f *fakeRemote) List() ([]remote.Group, error) { return f.groups, f.err }

func (f *fakeRemote) Download(req remote.DownloadRequest) (string, error) {
	f.downloadReq = req
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}

func (f *fakeRemote) Delete(_ context.Context, archiveName string) (int, error) {
	f.deletedName = archiveName
	if f.err != nil {
		return 0, f.err
	}
	return f.deleted, nil
}

type fakeSettings struct {
	view      *settings.View
	updateReq *settings.UpdateRequest
	updateErr error
	token     string
	tokenErr  error
	password  string
	verified  string
}

func (f *fakeSettings) Get() (*settings.View, error) { return f.view, nil }

func (f *fakeSettings) Update(req settings.UpdateRequest) (*settings.View, error) {
	f.updateReq = &req
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.view, nil
}

func (f *fakeSettings) MarkDestinationVerified(destination string) error {
	f.verified = destination
	return nil
}

func (f *fakeSettings) BotToken() (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeSettings) ArchivePassword() (string, error) { return f.password, nil }

type fakeScheduler struct {
	listed    []scheduler.JobListResponse
	upsertReq scheduler.UpsertJobRequest
	deletedID string
	err       error
}

func (f *fakeScheduler) ListJobs() ([]scheduler.JobListResponse, error) { return f.listed, f.err }

func (f *fakeScheduler) UpsertJob(req scheduler.UpsertJobRequest) (string, error) {
	f.upsertReq = req
	if f.err != nil {
		return "", f.err
	}
	return "sched-1", nil
}

func (f *fakeScheduler) DeleteJob(jobID string) error {
	f.deletedID = jobID
	return f.err
}

type fakeExtractor struct {
	archivePath string
	outDir      string
	password    string
	err         error
}

func (f *fakeExtractor) Extract(_ context.Context, archivePath, outDir, password string, _ func(int)) error {
	f.archivePath = archivePath
	f.outDir = outDir
	f.password = password
	return f.err
}

type harness struct {
	server    Server
	registry  *jobs.Registry
	pipeline  *fakePipeline
	remote    *fakeRemote
	settings  *fakeSettings
	scheduler *fakeScheduler
	extractor *fakeExtractor
	workspace *workspace.Service
	router    http.Handler
	verifyErr error
	verified  struct{ token, chatID string }
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ws, err := workspace.NewService(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		registry:  jobs.NewRegistry(),
		pipeline:  &fakePipeline{jobID: "job-1"},
		remote:    &fakeRemote{jobID: "job-2", deleted: 3},
		settings:  &fakeSettings{view: &settings.View{SplitSizeMB: 2000}, token: "tok", password: "pw"},
		scheduler: &fakeScheduler{},
		extractor: &fakeExtractor{},
		workspace: ws,
	}
	h.server = Server{
		Registry:  h.registry,
		Pipeline:  h.pipeline,
		Remote:    h.remote,
		Workspace: ws,
		Settings:  h.settings,
		Scheduler: h.scheduler,
		Extractor: h.extractor,
		Verify: func(_ context.Context, token, chatID string) (*telegram.Chat, error) {
			h.verified.token = token
			h.verified.chatID = chatID
			if h.verifyErr != nil {
				return nil, h.verifyErr
			}
			return &telegram.Chat{ID: 42, Type: "channel", Title: "Archive"}, nil
		},
	}
	h.router = h.server.Router()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestProgressEndpoint(t *testing.T) {
	t.Run("Should return 404 for unknown job IDs", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodGet, "/progress/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, decode(t, rec)["error"], "not found")
	})

	t.Run("Should report a running job as incomplete", func(t *testing.T) {
		h := newHarness(t)
		id := h.registry.Create()
		h.registry.MarkRunning(id)
		h.registry.SetMessage(id, "Compressing: 40%")
		h.registry.AppendLog(id, "Started", jobs.KindInfo)

		rec := h.do(t, http.MethodGet, "/progress/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode(t, rec)
		assert.Equal(t, false, body["complete"])
		assert.Equal(t, "Compressing: 40%", body["message"])
		assert.NotContains(t, body, "result")
		assert.NotContains(t, body, "error")
		logs, ok := body["logs"].([]any)
		require.True(t, ok)
		require.Len(t, logs, 1)
	})

	t.Run("Should include the result once complete", func(t *testing.T) {
		h := newHarness(t)
		id := h.registry.Create()
		h.registry.Complete(id, map[string]any{"uploaded": 2})

		body := decode(t, h.do(t, http.MethodGet, "/progress/"+id, nil))
		assert.Equal(t, true, body["complete"])
		result, ok := body["result"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 2, result["uploaded"])
	})

	t.Run("Should include the error for failed jobs", func(t *testing.T) {
		h := newHarness(t)
		id := h.registry.Create()
		h.registry.Fail(id, "7z exited with status 2")

		body := decode(t, h.do(t, http.MethodGet, "/progress/"+id, nil))
		assert.Equal(t, true, body["complete"])
		assert.Equal(t, "7z exited with status 2", body["error"])
	})
}

func TestActiveJobEndpoint(t *testing.T) {
	h := newHarness(t)

	body := decode(t, h.do(t, http.MethodGet, "/active-job", nil))
	assert.Nil(t, body["job_id"], "idle app reports null")

	id := h.registry.Create()
	body = decode(t, h.do(t, http.MethodGet, "/active-job", nil))
	assert.Equal(t, id, body["job_id"])
}

func TestProcessEndpoint(t *testing.T) {
	t.Run("Should accept a valid request and return the job ID", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/process", map[string]any{
			"files":   []string{"a.mp4"},
			"encrypt": true,
			"upload":  true,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "job-1", decode(t, rec)["job_id"])
		assert.True(t, h.pipeline.req.Encrypt)
		assert.True(t, h.pipeline.req.Upload)
	})

	t.Run("Should map validation failures to 400 without a job", func(t *testing.T) {
		h := newHarness(t)
		h.pipeline.err = errors.New("no files selected")

		rec := h.do(t, http.MethodPost, "/process", map[string]any{"files": []string{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "no files selected", decode(t, rec)["error"])
	})

	t.Run("Should reject malformed JSON", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("{nope"))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCompressEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/compress", map[string]any{"files": []string{"a.mp4"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, h.pipeline.req.Compress)
	assert.False(t, h.pipeline.req.Upload)
}

func TestUploadEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/upload", map[string]any{
		"files":       []string{"clip.mp4"},
		"destination": "@archive",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, h.pipeline.req.Upload)
	assert.False(t, h.pipeline.req.Compress)
	assert.Equal(t, "@archive", h.pipeline.req.Destination)
}

func TestVerifyUploadEndpoint(t *testing.T) {
	t.Run("Should verify and persist the destination", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/verify-upload", map[string]any{"destination": "@archive"})
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode(t, rec)
		assert.Equal(t, true, body["valid"])
		assert.Equal(t, "@archive", body["destination"])
		assert.Equal(t, "Archive", body["title"])
		assert.Equal(t, "tok", h.verified.token)
		assert.Equal(t, "@archive", h.verified.chatID)
		assert.Equal(t, "@archive", h.settings.verified)
	})

	t.Run("Should report an unreachable destination as invalid", func(t *testing.T) {
		h := newHarness(t)
		h.verifyErr = errors.New("chat not found")

		rec := h.do(t, http.MethodPost, "/verify-upload", map[string]any{"destination": "@missing"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		body := decode(t, rec)
		assert.Equal(t, false, body["valid"])
		assert.Contains(t, body["error"], "chat not found")
		assert.Empty(t, h.settings.verified)
	})

	t.Run("Should fail without a bot token", func(t *testing.T) {
		h := newHarness(t)
		h.settings.tokenErr = settings.ErrNoBotToken

		rec := h.do(t, http.MethodPost, "/verify-upload", map[string]any{"destination": "@archive"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should require a destination", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/verify-upload", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDecryptEndpoint(t *testing.T) {
	t.Run("Should extract from the first volume of a split set", func(t *testing.T) {
		h := newHarness(t)
		dir := filepath.Join(h.workspace.Root(), "20260823")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for _, name := range []string{"backup.7z.002", "backup.7z.001"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
		}

		rec := h.do(t, http.MethodPost, "/decrypt", map[string]any{"folder": "20260823", "password": "s3cret"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, filepath.Join(dir, "backup.7z.001"), h.extractor.archivePath)
		assert.Equal(t, dir, h.extractor.outDir)
		assert.Equal(t, "s3cret", h.extractor.password)
	})

	t.Run("Should fall back to the stored password", func(t *testing.T) {
		h := newHarness(t)
		dir := filepath.Join(h.workspace.Root(), "20260823")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.7z"), []byte("x"), 0o644))

		rec := h.do(t, http.MethodPost, "/decrypt", map[string]any{"folder": "20260823"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pw", h.extractor.password)
	})

	t.Run("Should fail when the folder has no archive", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.MkdirAll(filepath.Join(h.workspace.Root(), "empty"), 0o755))

		rec := h.do(t, http.MethodPost, "/decrypt", map[string]any{"folder": "empty"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode(t, rec)["error"], "no archive found")
	})
}

func TestGeneratePassphraseEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/generate-passphrase", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pass, _ := decode(t, rec)["passphrase"].(string)
	assert.NotEmpty(t, pass)
}

func TestWorkspaceEndpoints(t *testing.T) {
	t.Run("Should list workspace files", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.WriteFile(filepath.Join(h.workspace.Root(), "a.mp4"), []byte("xx"), 0o644))

		body := decode(t, h.do(t, http.MethodGet, "/files", nil))
		files, ok := body["files"].([]any)
		require.True(t, ok)
		require.Len(t, files, 1)
	})

	t.Run("Should delete a file", func(t *testing.T) {
		h := newHarness(t)
		target := filepath.Join(h.workspace.Root(), "old.mp4")
		require.NoError(t, os.WriteFile(target, []byte("xx"), 0o644))

		rec := h.do(t, http.MethodPost, "/files/delete", map[string]any{"path": "old.mp4"})
		require.Equal(t, http.StatusOK, rec.Code)
		_, err := os.Stat(target)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Should reject escaping delete paths", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/files/delete", map[string]any{"path": "../../etc/passwd"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should store multipart uploads in the workspace", func(t *testing.T) {
		h := newHarness(t)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "clip.mp4")
		require.NoError(t, err)
		_, err = part.Write([]byte("video-bytes"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/workspace/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		data, err := os.ReadFile(filepath.Join(h.workspace.Root(), "clip.mp4"))
		require.NoError(t, err)
		assert.Equal(t, "video-bytes", string(data))
	})
}

func TestArchiveEndpoints(t *testing.T) {
	t.Run("Should list remote archives", func(t *testing.T) {
		h := newHarness(t)
		h.remote.groups = []remote.Group{{Name: "20260823", Parts: 2}}

		body := decode(t, h.do(t, http.MethodGet, "/archives", nil))
		groups, ok := body["archives"].([]any)
		require.True(t, ok)
		require.Len(t, groups, 1)
	})

	t.Run("Should start a download job", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/archives/download", map[string]any{
			"archive": "20260823",
			"decrypt": true,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "job-2", decode(t, rec)["job_id"])
		assert.Equal(t, "20260823", h.remote.downloadReq.Archive)
		assert.True(t, h.remote.downloadReq.Decrypt)
	})

	t.Run("Should map unknown archives to 404", func(t *testing.T) {
		h := newHarness(t)
		h.remote.err = fmt.Errorf("archive %q: %w", "nope", remote.ErrArchiveNotFound)

		rec := h.do(t, http.MethodPost, "/archives/download", map[string]any{"archive": "nope"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Should report deleted message count", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/archives/delete", map[string]any{"archive": "20260823"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 3, decode(t, rec)["deleted"])
		assert.Equal(t, "20260823", h.remote.deletedName)
	})
}

func TestSettingsEndpoints(t *testing.T) {
	t.Run("Should return the sanitized view", func(t *testing.T) {
		h := newHarness(t)
		h.settings.view = &settings.View{SplitSizeMB: 1500, HasBotToken: true}

		body := decode(t, h.do(t, http.MethodGet, "/settings", nil))
		assert.EqualValues(t, 1500, body["split_size_mb"])
		assert.Equal(t, true, body["has_bot_token"])
		assert.NotContains(t, body, "bot_token")
	})

	t.Run("Should apply partial updates", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/settings", map[string]any{"split_size_mb": 1000})
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, h.settings.updateReq.SplitSizeMB)
		assert.Equal(t, 1000, *h.settings.updateReq.SplitSizeMB)
		assert.Nil(t, h.settings.updateReq.UploadCaption)
	})

	t.Run("Should surface validation errors", func(t *testing.T) {
		h := newHarness(t)
		h.settings.updateErr = errors.New("split_size_mb must be positive")

		rec := h.do(t, http.MethodPost, "/settings", map[string]any{"split_size_mb": -5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestScheduleEndpoints(t *testing.T) {
	t.Run("Should upsert a schedule", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodPost, "/schedules", map[string]any{
			"name":    "nightly",
			"cron":    "0 2 * * *",
			"enabled": true,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "sched-1", decode(t, rec)["id"])
		assert.Equal(t, "nightly", h.scheduler.upsertReq.Name)
	})

	t.Run("Should list schedules", func(t *testing.T) {
		h := newHarness(t)
		h.scheduler.listed = []scheduler.JobListResponse{{Name: "nightly"}}

		body := decode(t, h.do(t, http.MethodGet, "/schedules", nil))
		listed, ok := body["schedules"].([]any)
		require.True(t, ok)
		require.Len(t, listed, 1)
	})

	t.Run("Should delete a schedule by ID", func(t *testing.T) {
		h := newHarness(t)

		rec := h.do(t, http.MethodDelete, "/schedules/sched-1", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "sched-1", h.scheduler.deletedID)
	})
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/process", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
