package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"telarchive/internal/jobs"
	"telarchive/internal/models"
	"telarchive/internal/services/pipeline"
)

// PipelineStarter launches archive pipeline runs.
type PipelineStarter interface {
	Start(req pipeline.ProcessRequest) (string, error)
}

// Service handles scheduled job management and execution
type Service struct {
	db        *gorm.DB
	cron      *cron.Cron
	entries   map[string]cron.EntryID // jobID -> cron entry ID
	entriesMu sync.RWMutex
	pipeline  PipelineStarter
	registry  *jobs.Registry
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, pipelineService PipelineStarter, registry *jobs.Registry) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:       db,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
		pipeline: pipelineService,
		registry: registry,
	}
}

// Start initializes the scheduler and loads enabled jobs from database
func (s *Service) Start() error {
	log.Println("Starting scheduler...")

	// Start the cron scheduler
	s.cron.Start()
	log.Println("Cron scheduler started")

	// Load all enabled jobs from database
	var scheduled []models.ScheduledJob
	if err := s.db.Where("enabled = ?", true).Find(&scheduled).Error; err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}

	for _, job := range scheduled {
		if err := s.scheduleJob(&job); err != nil {
			log.Printf("WARNING: Failed to schedule job %s (%s): %v", job.Name, job.ID, err)
		} else {
			log.Printf("Scheduled job: %s (%s) with cron: %s", job.Name, job.ID, job.Cron)
		}
	}

	log.Printf("Scheduler started with %d enabled jobs", len(scheduled))
	return nil
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		log.Println("Scheduler stopped")
	}
}

// ListJobs retrieves all scheduled jobs
func (s *Service) ListJobs() ([]JobListResponse, error) {
	var scheduled []models.ScheduledJob
	if err := s.db.Order("created_at DESC").Find(&scheduled).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	responses := make([]JobListResponse, len(scheduled))
	for i, job := range scheduled {
		responses[i] = toJobListResponse(&job)
	}

	return responses, nil
}

// UpsertJob creates or updates a scheduled job
func (s *Service) UpsertJob(req UpsertJobRequest) (string, error) {
	// Validate required fields
	if req.Name == "" || req.Cron == "" {
		return "", fmt.Errorf("name and cron are required")
	}
	if req.JobType == "" {
		req.JobType = "archive"
	}
	if req.JobType != "archive" {
		return "", fmt.Errorf("unsupported job type: %s", req.JobType)
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}
	req.Cron = normalizedCron

	// Find or create job
	var job models.ScheduledJob
	result := s.db.Where("name = ?", req.Name).First(&job)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			// Create new job
			job = models.ScheduledJob{
				ID:   uuid.New().String(),
				Name: req.Name,
			}
		} else {
			return "", fmt.Errorf("failed to query job: %w", result.Error)
		}
	}

	// Update job fields
	job.JobType = req.JobType
	job.Cron = req.Cron
	job.Timezone = req.Timezone
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	job.Enabled = req.Enabled

	payloadStr, err := marshalPayload(req.Payload)
	if err != nil {
		return "", err
	}
	job.Payload = payloadStr

	// Calculate next run time (cron parser uses the 6-field format stored in DB)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.Cron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now())
	job.NextRunAt = &nextRun

	// Save to database
	if result.Error == gorm.ErrRecordNotFound {
		if err := s.db.Create(&job).Error; err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		if err := s.db.Save(&job).Error; err != nil {
			return "", fmt.Errorf("failed to update job: %w", err)
		}
	}

	// Reschedule in cron
	if err := s.rescheduleJob(job.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}

	return job.ID, nil
}

// DeleteJob removes a scheduled job
func (s *Service) DeleteJob(jobID string) error {
	// Remove from cron if exists
	s.entriesMu.Lock()
	if entryID, exists := s.entries[jobID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}
	s.entriesMu.Unlock()

	// Delete from database
	if err := s.db.Delete(&models.ScheduledJob{}, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return nil
}

// scheduleJob adds a job to the cron scheduler
func (s *Service) scheduleJob(job *models.ScheduledJob) error {
	if !job.Enabled {
		return nil
	}

	// Remove existing entry if present
	s.entriesMu.Lock()
	if entryID, exists := s.entries[job.ID]; exists {
		s.cron.Remove(entryID)
	}
	s.entriesMu.Unlock()

	// Add job to cron
	entryID, err := s.cron.AddFunc(job.Cron, func() {
		s.executeJob(job.ID)
	})

	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entriesMu.Lock()
	s.entries[job.ID] = entryID
	s.entriesMu.Unlock()

	return nil
}

// rescheduleJob reloads a job from database and reschedules it
func (s *Service) rescheduleJob(jobID string) error {
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Job was deleted, remove from cron
			s.entriesMu.Lock()
			if entryID, exists := s.entries[jobID]; exists {
				s.cron.Remove(entryID)
				delete(s.entries, jobID)
			}
			s.entriesMu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	return s.scheduleJob(&job)
}

// executeJob runs a scheduled job
func (s *Service) executeJob(jobID string) {
	log.Printf("Executing scheduled job: %s", jobID)

	// Load job from database
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		log.Printf("ERROR: Failed to load job %s: %v", jobID, err)
		return
	}

	// Update last run time
	now := time.Now()
	job.LastRunAt = &now

	// Calculate next run time (cron parser uses the 6-field format stored in DB)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(job.Cron)
	if err != nil {
		log.Printf("WARNING: Failed to parse cron for next run: %v", err)
	} else {
		nextRun := schedule.Next(now)
		job.NextRunAt = &nextRun
	}

	if err := s.db.Save(&job).Error; err != nil {
		log.Printf("WARNING: Failed to update job run times: %v", err)
	}

	var payload ArchiveJobPayload
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			log.Printf("ERROR: Failed to parse job payload: %v", err)
			return
		}
	}

	s.runArchiveJob(job.Name, payload)

	log.Printf("Completed scheduled job: %s", jobID)
}

// runArchiveJob starts a pipeline run and monitors it to completion.
func (s *Service) runArchiveJob(name string, payload ArchiveJobPayload) {
	if len(payload.Files) == 0 {
		log.Printf("WARNING: Scheduled job %s has no files in its payload", name)
		return
	}

	req := pipeline.ProcessRequest{
		Files:       payload.Files,
		Compress:    payload.Compress,
		Bundle:      payload.Bundle,
		Encrypt:     payload.Encrypt,
		Upload:      payload.Upload,
		Destination: payload.Destination,
	}

	taskID, err := s.pipeline.Start(req)
	if err != nil {
		log.Printf("ERROR: Failed to start scheduled archive run %s: %v", name, err)
		return
	}

	log.Printf("Scheduled archive run %s started with job ID: %s", name, taskID)

	// Wait for completion (with timeout) - run in background to not block scheduler
	go func() {
		timeout := time.After(6 * time.Hour)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-timeout:
				log.Printf("WARNING: Scheduled archive run %s timed out after 6 hours", taskID)
				return
			case <-ticker.C:
				view, ok := s.registry.Get(taskID)
				if !ok {
					log.Printf("WARNING: Progress for archive run %s is gone, stopping monitoring", taskID)
					return
				}

				if !view.Complete {
					continue
				}

				if view.Status == jobs.StatusFailed {
					log.Printf("ERROR: Scheduled archive run %s failed: %s", taskID, view.Error)
				} else {
					log.Printf("Scheduled archive run %s completed successfully", taskID)
				}
				return
			}
		}
	}()
}

func marshalPayload(payload interface{}) (string, error) {
	if payload == nil {
		return "", nil
	}
	switch p := payload.(type) {
	case string:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		return string(data), nil
	}
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	// Trim whitespace
	cronExpr = strings.TrimSpace(cronExpr)

	// Check if it's already 6-field
	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		// Already 6-field, try to validate it
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cronExpr); err == nil {
			return cronExpr, nil // Valid 6-field expression
		}
	}

	// Assume 5-field, validate and convert
	if len(fields) == 5 {
		// Validate as standard 5-field cron
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func toJobListResponse(job *models.ScheduledJob) JobListResponse {
	resp := JobListResponse{
		ID:        job.ID,
		Name:      job.Name,
		JobType:   job.JobType,
		Cron:      job.Cron,
		Timezone:  job.Timezone,
		Enabled:   job.Enabled,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if job.NextRunAt != nil {
		nextRun := job.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}
