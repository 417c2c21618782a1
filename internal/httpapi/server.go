package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"telarchive/internal/archive"
	"telarchive/internal/crypto"
	"telarchive/internal/jobs"
	"telarchive/internal/services/pipeline"
	"telarchive/internal/services/remote"
	"telarchive/internal/services/scheduler"
	"telarchive/internal/services/settings"
	"telarchive/internal/services/workspace"
	"telarchive/internal/telegram"
)

// PipelineStarter launches pipeline jobs.
type PipelineStarter interface {
	Start(req pipeline.ProcessRequest) (string, error)
}

// RemoteManager exposes the remote archive operations.
type RemoteManager interface {
	List() ([]remote.Group, error)
	Download(req remote.DownloadRequest) (string, error)
	Delete(ctx context.Context, archiveName string) (int, error)
}

// SettingsStore exposes operator settings.
type SettingsStore interface {
	Get() (*settings.View, error)
	Update(req settings.UpdateRequest) (*settings.View, error)
	MarkDestinationVerified(destination string) error
	BotToken() (string, error)
	ArchivePassword() (string, error)
}

// SchedulerManager manages recurring archive runs.
type SchedulerManager interface {
	ListJobs() ([]scheduler.JobListResponse, error)
	UpsertJob(req scheduler.UpsertJobRequest) (string, error)
	DeleteJob(jobID string) error
}

// Extractor unpacks local archives for the decrypt endpoint.
type Extractor interface {
	Extract(ctx context.Context, archivePath, outDir, password string, onProgress func(int)) error
}

// VerifyFunc checks that a bot token can reach a destination chat.
type VerifyFunc func(ctx context.Context, token, chatID string) (*telegram.Chat, error)

// Server holds the HTTP surface dependencies.
type Server struct {
	Registry  *jobs.Registry
	Pipeline  PipelineStarter
	Remote    RemoteManager
	Workspace *workspace.Service
	Settings  SettingsStore
	Scheduler SchedulerManager
	Extractor Extractor
	Verify    VerifyFunc
}

// Router assembles the chi router.
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/progress/{jobID}", s.handleProgress)
	r.Get("/active-job", s.handleActiveJob)

	r.Post("/process", s.handleProcess)
	r.Post("/compress", s.handleCompress)
	r.Post("/upload", s.handleUploadRaw)
	r.Post("/verify-upload", s.handleVerifyUpload)
	r.Post("/decrypt", s.handleDecrypt)
	r.Post("/generate-passphrase", s.handleGeneratePassphrase)

	r.Get("/files", s.handleListFiles)
	r.Get("/folders", s.handleListFolders)
	r.Get("/downloaded", s.handleListDownloaded)
	r.Post("/files/delete", s.handleDeletePath)
	r.Post("/workspace/upload", s.handleWorkspaceUpload)

	r.Get("/archives", s.handleListArchives)
	r.Post("/archives/download", s.handleDownloadArchive)
	r.Post("/archives/delete", s.handleDeleteArchive)

	r.Get("/settings", s.handleGetSettings)
	r.Post("/settings", s.handleUpdateSettings)

	r.Get("/schedules", s.handleListSchedules)
	r.Post("/schedules", s.handleUpsertSchedule)
	r.Delete("/schedules/{id}", s.handleDeleteSchedule)

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleProgress is the polling endpoint the UI hits twice a second
// while a job runs. Unknown IDs are a 404, distinct from a known but
// unfinished job.
func (s Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	view, ok := s.Registry.Get(jobID)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
		return
	}

	resp := map[string]any{
		"message":  view.Message,
		"logs":     view.Logs,
		"complete": view.Complete,
		"status":   view.Status,
	}
	if view.Result != nil {
		resp["result"] = view.Result
	}
	if view.Error != "" {
		resp["error"] = view.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleActiveJob(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"job_id": nil}
	if id := s.Registry.ActiveJob(); id != "" {
		resp["job_id"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.startPipeline(w, req)
}

func (s Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.startPipeline(w, pipeline.ProcessRequest{Files: req.Files, Compress: true})
}

func (s Server) handleUploadRaw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files       []string `json:"files"`
		Destination string   `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.startPipeline(w, pipeline.ProcessRequest{Files: req.Files, Upload: true, Destination: req.Destination})
}

// startPipeline maps validation failures to 400 so no phantom job IDs
// ever reach the UI.
func (s Server) startPipeline(w http.ResponseWriter, req pipeline.ProcessRequest) {
	jobID, err := s.Pipeline.Start(req)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s Server) handleVerifyUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Destination == "" {
		writeErr(w, http.StatusBadRequest, errors.New("destination required"))
		return
	}

	token, err := s.Settings.BotToken()
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	chat, err := s.Verify(r.Context(), token, req.Destination)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	if err := s.Settings.MarkDestinationVerified(req.Destination); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       true,
		"destination": req.Destination,
		"chat_id":     chat.ID,
		"title":       chat.Title,
	})
}

// handleDecrypt extracts a local archive folder in place, synchronously.
func (s Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder   string `json:"folder"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	dir, err := s.Workspace.Resolve(req.Folder)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	first, err := firstVolume(dir)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	password := req.Password
	if password == "" {
		if password, err = s.Settings.ArchivePassword(); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := s.Extractor.Extract(r.Context(), first, dir, password, nil); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"extracted": true, "path": req.Folder})
}

func (s Server) handleGeneratePassphrase(w http.ResponseWriter, _ *http.Request) {
	passphrase, err := crypto.GeneratePassphrase(24)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"passphrase": passphrase})
}

func (s Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	files, err := s.Workspace.ListFiles()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s Server) handleListFolders(w http.ResponseWriter, _ *http.Request) {
	folders, err := s.Workspace.ListProcessedFolders()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s Server) handleListDownloaded(w http.ResponseWriter, _ *http.Request) {
	folders, err := s.Workspace.ListDownloaded()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s Server) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Path == "" {
		writeErr(w, http.StatusBadRequest, errors.New("path required"))
		return
	}
	if err := s.Workspace.Delete(req.Path); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": req.Path})
}

func (s Server) handleWorkspaceUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(512 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}

	var saved []string
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				writeErr(w, http.StatusBadRequest, fmt.Errorf("open upload %s: %w", header.Filename, err))
				return
			}
			rel, err := s.Workspace.SaveUpload(header.Filename, f)
			_ = f.Close()
			if err != nil {
				writeErr(w, http.StatusInternalServerError, err)
				return
			}
			saved = append(saved, rel)
		}
	}

	if len(saved) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("no files in request"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"saved": saved})
}

func (s Server) handleListArchives(w http.ResponseWriter, _ *http.Request) {
	groups, err := s.Remote.List()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": groups})
}

func (s Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	var req remote.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	jobID, err := s.Remote.Download(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, remote.ErrArchiveNotFound) {
			status = http.StatusNotFound
		}
		writeErr(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s Server) handleDeleteArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Archive string `json:"archive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	deleted, err := s.Remote.Delete(r.Context(), req.Archive)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, remote.ErrArchiveNotFound) {
			status = http.StatusNotFound
		}
		writeErr(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	view, err := s.Settings.Get()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	view, err := s.Settings.Update(req)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	listed, err := s.Scheduler.ListJobs()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": listed})
}

func (s Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduler.UpsertJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	id, err := s.Scheduler.UpsertJob(req)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Scheduler.DeleteJob(chi.URLParam(r, "id")); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// firstVolume locates the archive to hand to 7z: the lone .7z or the
// .001 volume of a split set.
func firstVolume(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read folder: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if !e.IsDir() && archive.IsArchive(e.Name()) {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no archive found in %s", filepath.Base(dir))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return archive.PartNumber(candidates[i]) < archive.PartNumber(candidates[j])
	})
	return filepath.Join(dir, candidates[0]), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
