package scheduler

// JobListResponse represents a scheduled job in list responses
type JobListResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	JobType   string  `json:"job_type"`
	Cron      string  `json:"cron"`
	Timezone  string  `json:"timezone"`
	Enabled   bool    `json:"enabled"`
	LastRunAt *string `json:"last_run_at"` // ISO 8601 format
	NextRun   *string `json:"next_run"`    // ISO 8601 format
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// UpsertJobRequest represents a request to create or update a scheduled job
type UpsertJobRequest struct {
	Name     string      `json:"name"`
	JobType  string      `json:"job_type"` // only "archive" for now
	Cron     string      `json:"cron"`
	Timezone string      `json:"timezone"`
	Enabled  bool        `json:"enabled"`
	Payload  interface{} `json:"payload"` // Can be map or string
}

// ArchiveJobPayload selects what a scheduled archive run does. Fields
// mirror the interactive pipeline request.
type ArchiveJobPayload struct {
	Files       []string `json:"files"`
	Compress    bool     `json:"compress"`
	Bundle      bool     `json:"bundle"`
	Encrypt     bool     `json:"encrypt"`
	Upload      bool     `json:"upload"`
	Destination string   `json:"destination"`
}
