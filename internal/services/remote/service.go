package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gorm.io/gorm"

	"telarchive/internal/jobs"
	"telarchive/internal/models"
	"telarchive/internal/services/workspace"
)

// ErrArchiveNotFound is returned when no uploaded parts exist for a
// requested archive name.
var ErrArchiveNotFound = errors.New("archive not found in the upload index")

// Transport is the Telegram surface this service needs.
type Transport interface {
	DownloadFile(ctx context.Context, fileID, destPath string, onProgress func(received, total int64)) error
	DeleteMessage(ctx context.Context, chatID string, messageID int64) error
}

// Extractor unpacks downloaded archives.
type Extractor interface {
	Extract(ctx context.Context, archivePath, outDir, password string, onProgress func(int)) error
}

// ConfigSource provides the secrets remote operations need.
type ConfigSource interface {
	BotToken() (string, error)
	ArchivePassword() (string, error)
}

// Group is one remote archive: all uploaded parts sharing a name.
type Group struct {
	Name       string                  `json:"name"`
	Parts      int                     `json:"parts"`
	SizeBytes  int64                   `json:"size_bytes"`
	Encrypted  bool                    `json:"encrypted"`
	UploadedAt time.Time               `json:"uploaded_at"`
	Files      []models.ArchiveMessage `json:"files"`
}

// DownloadRequest asks for a remote archive to be fetched back.
type DownloadRequest struct {
	Archive     string `json:"archive"`
	Decrypt     bool   `json:"decrypt"`
	DeleteParts bool   `json:"delete_parts"` // remove the .7z volumes after extraction
}

// DownloadResult is the payload of a completed download job.
type DownloadResult struct {
	Path      string `json:"path"`
	Files     int    `json:"files"`
	Extracted bool   `json:"extracted"`
}

// Service manages archives that live on Telegram, backed by the local
// upload index.
type Service struct {
	db           *gorm.DB
	registry     *jobs.Registry
	ws           *workspace.Service
	cfg          ConfigSource
	extractor    Extractor
	newTransport func(token string) Transport
}

// NewService wires the remote archive manager.
func NewService(db *gorm.DB, registry *jobs.Registry, ws *workspace.Service, cfg ConfigSource, extractor Extractor, newTransport func(token string) Transport) *Service {
	return &Service{
		db:           db,
		registry:     registry,
		ws:           ws,
		cfg:          cfg,
		extractor:    extractor,
		newTransport: newTransport,
	}
}

// Record stores one uploaded part in the index. The pipeline calls
// this after every successful send.
func (s *Service) Record(msg *models.ArchiveMessage) error {
	if err := s.db.Create(msg).Error; err != nil {
		return fmt.Errorf("failed to index uploaded part: %w", err)
	}
	return nil
}

// List groups the index by archive name, newest upload first. Parts
// within a group are ordered by part number.
func (s *Service) List() ([]Group, error) {
	var rows []models.ArchiveMessage
	if err := s.db.Order("uploaded_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	byName := map[string]*Group{}
	var order []string
	for _, row := range rows {
		g, ok := byName[row.ArchiveName]
		if !ok {
			g = &Group{Name: row.ArchiveName}
			byName[row.ArchiveName] = g
			order = append(order, row.ArchiveName)
		}
		g.Parts++
		g.SizeBytes += row.SizeBytes
		g.Encrypted = g.Encrypted || row.Encrypted
		if row.UploadedAt.After(g.UploadedAt) {
			g.UploadedAt = row.UploadedAt
		}
		g.Files = append(g.Files, row)
	}

	groups := make([]Group, 0, len(order))
	for _, name := range order {
		g := byName[name]
		sort.Slice(g.Files, func(i, j int) bool {
			return g.Files[i].PartNumber < g.Files[j].PartNumber
		})
		groups = append(groups, *g)
	}
	return groups, nil
}

// Download fetches all parts of an archive into the workspace as a
// background job, optionally extracting and cleaning up afterwards.
func (s *Service) Download(req DownloadRequest) (string, error) {
	if req.Archive == "" {
		return "", errors.New("archive name required")
	}

	var rows []models.ArchiveMessage
	if err := s.db.Where("archive_name = ?", req.Archive).Order("part_number ASC").Find(&rows).Error; err != nil {
		return "", fmt.Errorf("failed to load archive index: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrArchiveNotFound
	}

	token, err := s.cfg.BotToken()
	if err != nil {
		return "", err
	}

	password := ""
	if req.Decrypt && rows[0].Encrypted {
		password, err = s.cfg.ArchivePassword()
		if err != nil {
			return "", err
		}
	}

	jobID := s.registry.Create()
	go s.runDownload(jobID, req, rows, s.newTransport(token), password)
	return jobID, nil
}

func (s *Service) runDownload(jobID string, req DownloadRequest, rows []models.ArchiveMessage, transport Transport, password string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: [%s] download panic: %v", jobID, r)
			s.registry.Fail(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx := context.Background()
	s.registry.MarkRunning(jobID)

	destDir, err := s.ws.DownloadDir(req.Archive)
	if err != nil {
		s.fail(jobID, err)
		return
	}

	total := len(rows)
	for i, row := range rows {
		dest := filepath.Join(destDir, row.FileName)
		name := row.FileName
		idx := i

		lastEmit := time.Time{}
		err := transport.DownloadFile(ctx, row.FileID, dest, func(received, totalBytes int64) {
			now := time.Now()
			if now.Sub(lastEmit) < 500*time.Millisecond && received < totalBytes {
				return
			}
			lastEmit = now
			pct := 0.0
			if totalBytes > 0 {
				pct = float64(received) / float64(totalBytes) * 100
			}
			s.registry.SetMessage(jobID, fmt.Sprintf("Downloading [%d/%d]: %.1f%% - %s", idx+1, total, pct, name))
		})
		if err != nil {
			s.fail(jobID, fmt.Errorf("download %s: %w", name, err))
			return
		}
		s.registry.AppendLog(jobID, fmt.Sprintf("Downloaded %s (%d/%d)", name, i+1, total), jobs.KindSuccess)
	}

	result := &DownloadResult{
		Path:  filepath.Join("Downloaded", req.Archive),
		Files: total,
	}

	if req.Decrypt {
		// Extraction starts from the first volume (or the single
		// archive file).
		first := filepath.Join(destDir, rows[0].FileName)
		s.registry.AppendLog(jobID, fmt.Sprintf("Extracting %s", req.Archive), jobs.KindInfo)

		err := s.extractor.Extract(ctx, first, destDir, password, func(pct int) {
			s.registry.SetMessage(jobID, fmt.Sprintf("Extracting %s: %d%%", req.Archive, pct))
		})
		if err != nil {
			s.fail(jobID, err)
			return
		}
		result.Extracted = true
		s.registry.AppendLog(jobID, "Extraction complete", jobs.KindSuccess)

		if req.DeleteParts {
			for _, row := range rows {
				part := filepath.Join(destDir, row.FileName)
				if err := os.Remove(part); err != nil {
					log.Printf("WARNING: [%s] failed to remove %s: %v", jobID, part, err)
				}
			}
			s.registry.AppendLog(jobID, "Removed archive volumes after extraction", jobs.KindInfo)
		}
	}

	s.registry.SetMessage(jobID, "Done")
	s.registry.Complete(jobID, result)
}

func (s *Service) fail(jobID string, err error) {
	log.Printf("ERROR: [%s] download failed: %v", jobID, err)
	s.registry.AppendLog(jobID, err.Error(), jobs.KindError)
	s.registry.Fail(jobID, err.Error())
}

// Delete removes an archive's messages from Telegram and drops its
// index rows. Returns how many messages were deleted.
func (s *Service) Delete(ctx context.Context, archiveName string) (int, error) {
	var rows []models.ArchiveMessage
	if err := s.db.Where("archive_name = ?", archiveName).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to load archive index: %w", err)
	}
	if len(rows) == 0 {
		return 0, ErrArchiveNotFound
	}

	token, err := s.cfg.BotToken()
	if err != nil {
		return 0, err
	}
	transport := s.newTransport(token)

	deleted := 0
	for _, row := range rows {
		if err := transport.DeleteMessage(ctx, row.ChatID, row.MessageID); err != nil {
			// The message may already be gone, drop the index row
			// either way.
			log.Printf("WARNING: failed to delete message %d for %s: %v", row.MessageID, archiveName, err)
		} else {
			deleted++
		}
		if err := s.db.Delete(&models.ArchiveMessage{}, "id = ?", row.ID).Error; err != nil {
			return deleted, fmt.Errorf("failed to drop index row: %w", err)
		}
	}

	return deleted, nil
}
