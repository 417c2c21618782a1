package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"telarchive/internal/archive"
	"telarchive/internal/jobs"
	"telarchive/internal/models"
	"telarchive/internal/services/workspace"
	"telarchive/internal/telegram"
	"telarchive/internal/video"
)

// Transcoder compresses video files.
type Transcoder interface {
	Compress(ctx context.Context, req video.CompressRequest) error
}

// Archiver creates 7z archives.
type Archiver interface {
	Create(ctx context.Context, req archive.CreateRequest) (*archive.Result, error)
}

// Uploader sends files to the destination chat.
type Uploader interface {
	SendDocument(ctx context.Context, chatID, path, caption string, onProgress func(sent, total int64)) (*telegram.Message, error)
}

// ConfigSource provides the operator settings a run needs.
type ConfigSource interface {
	Snapshot() (*models.Settings, error)
	ArchivePassword() (string, error)
	BotToken() (string, error)
}

// Index records uploaded parts so the remote listing can find them.
type Index interface {
	Record(msg *models.ArchiveMessage) error
}

// Service runs the compress / archive / split / upload pipeline as
// background jobs.
type Service struct {
	registry    *jobs.Registry
	cfg         ConfigSource
	ws          *workspace.Service
	video       Transcoder
	archiver    Archiver
	index       Index
	newUploader func(token string) Uploader
}

// NewService wires the pipeline orchestrator.
func NewService(registry *jobs.Registry, cfg ConfigSource, ws *workspace.Service, transcoder Transcoder, archiver Archiver, index Index, newUploader func(token string) Uploader) *Service {
	return &Service{
		registry:    registry,
		cfg:         cfg,
		ws:          ws,
		video:       transcoder,
		archiver:    archiver,
		index:       index,
		newUploader: newUploader,
	}
}

// runPlan is everything the background goroutine needs, resolved
// up-front so precondition failures never create a job.
type runPlan struct {
	items       []batchItem
	password    string
	uploader    Uploader
	destination string
	cfg         *models.Settings
}

// Start validates a request and launches the pipeline in the
// background. Any validation failure is returned synchronously and no
// job is created.
func (s *Service) Start(req ProcessRequest) (string, error) {
	if len(req.Files) == 0 {
		return "", errors.New("no files selected")
	}

	cfg, err := s.cfg.Snapshot()
	if err != nil {
		return "", err
	}
	plan := runPlan{cfg: cfg}

	for _, rel := range req.Files {
		abs, err := s.ws.Resolve(rel)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("file not found: %s", rel)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory, select files instead", rel)
		}
		plan.items = append(plan.items, batchItem{
			Original:  rel,
			Path:      abs,
			SizeBytes: info.Size(),
			Processed: archive.IsArchive(filepath.Base(abs)),
		})
	}

	if req.Encrypt {
		plan.password, err = s.cfg.ArchivePassword()
		if err != nil {
			return "", err
		}
	}

	if req.Upload {
		token, err := s.cfg.BotToken()
		if err != nil {
			return "", err
		}

		plan.destination = req.Destination
		if plan.destination == "" {
			plan.destination = cfg.UploadDestination
		}
		if plan.destination == "" {
			return "", errors.New("no upload destination configured")
		}
		// The UI verifies the destination before triggering an
		// upload, the pipeline only checks that it happened.
		if !cfg.DestinationVerified || plan.destination != cfg.UploadDestination {
			return "", fmt.Errorf("destination %q has not been verified", plan.destination)
		}

		// Raw uploads bypass splitting, so oversized files can
		// never make it through Telegram.
		if !req.Compress && !req.Bundle && !req.Encrypt && cfg.SplitSizeMB > 0 {
			limit := int64(cfg.SplitSizeMB) * 1024 * 1024
			for _, item := range plan.items {
				if !item.Processed && item.SizeBytes > limit {
					return "", fmt.Errorf("%s exceeds the %d MB upload limit, archive it first", item.Original, cfg.SplitSizeMB)
				}
			}
		}

		plan.uploader = s.newUploader(token)
	}

	jobID := s.registry.Create()
	go s.run(jobID, req, plan)
	return jobID, nil
}

// run executes the stages for one job. It never returns an error,
// failures land on the job itself.
func (s *Service) run(jobID string, req ProcessRequest, plan runPlan) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: [%s] pipeline panic: %v", jobID, r)
			s.registry.Fail(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx := context.Background()
	s.registry.MarkRunning(jobID)
	result := &Result{}

	items := plan.items
	var outDir string
	if req.Compress || req.Bundle || req.Encrypt {
		dir, err := s.ws.NewOutputFolder(time.Now())
		if err != nil {
			s.fail(jobID, err)
			return
		}
		outDir = dir
		result.OutputFolder = filepath.Base(dir)
	}

	if req.Compress {
		survivors, err := s.compressStage(ctx, jobID, plan, items, outDir, result)
		if err != nil {
			s.fail(jobID, err)
			return
		}
		items = survivors
	}

	var outcome archiveOutcome
	if req.Bundle || req.Encrypt {
		oc, err := s.archiveStage(ctx, jobID, req, plan, items, outDir, result)
		if err != nil {
			s.fail(jobID, err)
			return
		}
		outcome = oc
	} else {
		outcome = rawOutcome(items)
	}

	// Part accounting reflects what the pipeline produced, whether or
	// not the parts get uploaded afterwards.
	if req.Bundle || req.Encrypt || req.Upload {
		for _, unit := range outcome.Units {
			result.Parts += len(unit.Parts)
			if unit.Split {
				result.Split = true
			}
		}
	}

	if req.Upload {
		if err := s.checkUploadSizes(req, plan, outcome); err != nil {
			s.fail(jobID, err)
			return
		}

		total := len(outcome.Units)
		for i, unit := range outcome.Units {
			if outcome.Uploaded[unit.Key] {
				continue // sent by the archive stage already
			}
			if err := s.uploadUnit(ctx, jobID, plan, unit, i+1, total, result); err != nil {
				s.fail(jobID, err)
				return
			}
		}
	}

	s.registry.SetMessage(jobID, "Done")
	s.registry.AppendLog(jobID, "All stages complete", jobs.KindSuccess)
	s.registry.Complete(jobID, result)
	log.Printf("[%s] pipeline complete: %d uploaded, %d parts", jobID, result.Uploaded, result.Parts)
}

func (s *Service) fail(jobID string, err error) {
	log.Printf("ERROR: [%s] pipeline failed: %v", jobID, err)
	s.registry.AppendLog(jobID, err.Error(), jobs.KindError)
	s.registry.Fail(jobID, err.Error())
}

// compressStage re-encodes every video in the batch. A single failed
// file is logged and dropped, the rest of the batch continues.
func (s *Service) compressStage(ctx context.Context, jobID string, plan runPlan, items []batchItem, outDir string, result *Result) ([]batchItem, error) {
	var survivors []batchItem
	total := len(items)

	for i, item := range items {
		if item.Processed || !video.IsVideo(item.Path) {
			survivors = append(survivors, item)
			continue
		}

		name := filepath.Base(item.Original)
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		outPath := filepath.Join(outDir, stem+"_compressed.mp4")

		idx := i
		err := s.video.Compress(ctx, video.CompressRequest{
			InputPath:  item.Path,
			OutputPath: outPath,
			Preset:     plan.cfg.CPUPreset,
			Threads:    plan.cfg.CPUThreads,
			KeepAudio:  plan.cfg.VideoKeepAudio,
			OnProgress: func(pct int) {
				s.registry.SetMessage(jobID, fmt.Sprintf("Compressing [%d/%d] %s: %d%%", idx+1, total, name, pct))
			},
		})
		if err != nil {
			log.Printf("WARNING: [%s] compression failed for %s: %v", jobID, name, err)
			s.registry.AppendLog(jobID, fmt.Sprintf("Compression failed for %s: %v", name, err), jobs.KindError)
			result.CompressFailed = append(result.CompressFailed, item.Original)
			continue
		}

		var size int64
		if info, err := os.Stat(outPath); err == nil {
			size = info.Size()
		}
		sizeGB := float64(size) / (1024 * 1024 * 1024)
		result.Compressed = append(result.Compressed, CompressedFile{
			Original:   item.Original,
			Compressed: filepath.Base(outPath),
			SizeBytes:  size,
			SizeGB:     sizeGB,
		})
		s.registry.AppendLog(jobID, fmt.Sprintf("Compressed %s (%.2f GB)", name, sizeGB), jobs.KindSuccess)

		item.Path = outPath
		item.SizeBytes = size
		survivors = append(survivors, item)
	}

	if len(survivors) == 0 {
		return nil, errors.New("compression failed for every file in the batch")
	}
	return survivors, nil
}

// archiveStage packs the batch into encrypted (and possibly split)
// archives. In separate mode with upload enabled each archive is sent
// as soon as it exists; those units are reported back in Uploaded so
// the upload stage skips them.
func (s *Service) archiveStage(ctx context.Context, jobID string, req ProcessRequest, plan runPlan, items []batchItem, outDir string, result *Result) (archiveOutcome, error) {
	outcome := archiveOutcome{Uploaded: map[string]bool{}}

	splitMB := 0
	if plan.cfg.AutoSplit {
		splitMB = plan.cfg.SplitSizeMB
	}

	// Inputs that are already archives skip straight to upload.
	var toArchive []batchItem
	for _, item := range items {
		if item.Processed {
			mergeProcessedItem(&outcome, item)
			continue
		}
		toArchive = append(toArchive, item)
	}

	if len(toArchive) == 0 {
		return outcome, nil
	}

	if req.Bundle {
		name := filepath.Base(outDir)
		unit, err := s.createArchive(ctx, jobID, plan, name, filepath.Join(outDir, name+".7z"), paths(toArchive), splitMB, result)
		if err != nil {
			return outcome, err
		}
		outcome.Units = append(outcome.Units, unit)
		return outcome, nil
	}

	// Separate mode: one archive per file, each in its own folder.
	total := len(toArchive)
	for i, item := range toArchive {
		name := filepath.Base(item.Path)
		stem := strings.TrimSuffix(name, filepath.Ext(name))

		subDir := filepath.Join(outDir, stem)
		if err := os.MkdirAll(subDir, 0o755); err != nil {
			return outcome, fmt.Errorf("create archive folder: %w", err)
		}

		unit, err := s.createArchive(ctx, jobID, plan, stem, filepath.Join(subDir, stem+".7z"), []string{item.Path}, splitMB, result)
		if err != nil {
			return outcome, err
		}
		outcome.Units = append(outcome.Units, unit)

		// Each archive is sent as soon as 7z finishes it.
		if req.Upload {
			if err := s.uploadUnit(ctx, jobID, plan, unit, i+1, total, result); err != nil {
				return outcome, err
			}
			outcome.Uploaded[unit.Key] = true
		}
	}

	return outcome, nil
}

// createArchive runs 7z for one unit and records the outcome.
func (s *Service) createArchive(ctx context.Context, jobID string, plan runPlan, key, outPath string, inputs []string, splitMB int, result *Result) (uploadUnit, error) {
	s.registry.AppendLog(jobID, fmt.Sprintf("Archiving %s (%d files)", key, len(inputs)), jobs.KindInfo)

	res, err := s.archiver.Create(ctx, archive.CreateRequest{
		Paths:       inputs,
		OutPath:     outPath,
		Password:    plan.password,
		SplitSizeMB: splitMB,
		OnProgress: func(pct int) {
			s.registry.SetMessage(jobID, fmt.Sprintf("Archiving %s: %d%%", key, pct))
		},
	})
	if err != nil {
		return uploadUnit{}, err
	}

	for _, part := range res.Parts {
		result.Archives = append(result.Archives, filepath.Base(part))
	}
	if res.Split {
		s.registry.AppendLog(jobID, fmt.Sprintf("Archive %s split into %d parts", key, len(res.Parts)), jobs.KindInfo)
	} else {
		s.registry.AppendLog(jobID, fmt.Sprintf("Created archive %s", filepath.Base(outPath)), jobs.KindSuccess)
	}

	return uploadUnit{
		Key:       key,
		Parts:     res.Parts,
		Encrypted: plan.password != "",
		Split:     res.Split,
	}, nil
}

// uploadUnit sends every part of one unit and indexes the messages.
func (s *Service) uploadUnit(ctx context.Context, jobID string, plan runPlan, unit uploadUnit, unitIdx, unitTotal int, result *Result) error {
	parts := len(unit.Parts)
	for i, part := range unit.Parts {
		name := filepath.Base(part)

		var size int64
		if info, err := os.Stat(part); err == nil {
			size = info.Size()
		}

		caption := buildCaption(plan.cfg.UploadCaption, unit, i, parts, name, size)

		tracker := newRateTracker()
		msg, err := plan.uploader.SendDocument(ctx, plan.destination, part, caption, func(sent, total int64) {
			if text, ok := tracker.tick(sent, total); ok {
				s.registry.SetMessage(jobID, fmt.Sprintf("Uploading [%d/%d]: %s - %s", i+1, parts, text, name))
			}
		})
		if err != nil {
			return err
		}

		row := &models.ArchiveMessage{
			ArchiveName: unit.Key,
			FileName:    name,
			PartNumber:  archive.PartNumber(name),
			SizeBytes:   size,
			Encrypted:   unit.Encrypted,
			ChatID:      plan.destination,
			MessageID:   msg.MessageID,
			UploadedAt:  time.Now(),
		}
		if msg.Document != nil {
			row.FileID = msg.Document.FileID
		}
		if err := s.index.Record(row); err != nil {
			// The upload itself succeeded, losing the index entry
			// only degrades the remote listing.
			log.Printf("WARNING: [%s] failed to index uploaded part %s: %v", jobID, name, err)
		}
	}

	result.Uploaded++
	s.registry.AppendLog(jobID, fmt.Sprintf("Uploaded %s (%d/%d)", unit.Key, unitIdx, unitTotal), jobs.KindSuccess)
	return nil
}

// checkUploadSizes rejects unarchived units that outgrew the split
// threshold, typically a compressed video that is still too large for
// the transport. Archive volumes are already sized by 7z and skip the
// check.
func (s *Service) checkUploadSizes(req ProcessRequest, plan runPlan, outcome archiveOutcome) error {
	if req.Bundle || req.Encrypt || plan.cfg.SplitSizeMB <= 0 {
		return nil
	}

	limit := int64(plan.cfg.SplitSizeMB) * 1024 * 1024
	for _, unit := range outcome.Units {
		for _, part := range unit.Parts {
			name := filepath.Base(part)
			if archive.IsArchive(name) {
				continue
			}
			if info, err := os.Stat(part); err == nil && info.Size() > limit {
				return fmt.Errorf("%s exceeds the %d MB upload limit after compression, archive it first", name, plan.cfg.SplitSizeMB)
			}
		}
	}
	return nil
}

// rawOutcome turns unarchived batch items into upload units, grouping
// volumes of the same archive back together.
func rawOutcome(items []batchItem) archiveOutcome {
	outcome := archiveOutcome{Uploaded: map[string]bool{}}
	for _, item := range items {
		if item.Processed {
			mergeProcessedItem(&outcome, item)
			continue
		}
		outcome.Units = append(outcome.Units, uploadUnit{
			Key:   filepath.Base(item.Path),
			Parts: []string{item.Path},
		})
	}
	return outcome
}

// mergeProcessedItem folds an already-archived input into the unit
// carrying its sibling volumes.
func mergeProcessedItem(outcome *archiveOutcome, item batchItem) {
	key := archive.BaseName(filepath.Base(item.Path))
	for i := range outcome.Units {
		if outcome.Units[i].Key == key {
			outcome.Units[i].Parts = append(outcome.Units[i].Parts, item.Path)
			outcome.Units[i].Split = true
			return
		}
	}
	outcome.Units = append(outcome.Units, uploadUnit{
		Key:       key,
		Parts:     []string{item.Path},
		Encrypted: false,
	})
}

func paths(items []batchItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Path
	}
	return out
}
