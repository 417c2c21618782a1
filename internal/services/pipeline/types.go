package pipeline

// ProcessRequest selects which stages a job runs and on which files.
// Paths are workspace-relative.
type ProcessRequest struct {
	Files       []string `json:"files"`
	Compress    bool     `json:"compress"`
	Bundle      bool     `json:"bundle"`
	Encrypt     bool     `json:"encrypt"`
	Upload      bool     `json:"upload"`
	Destination string   `json:"destination"`
}

// CompressedFile reports one successful compression.
type CompressedFile struct {
	Original   string  `json:"original"`
	Compressed string  `json:"compressed"`
	SizeBytes  int64   `json:"size_bytes"`
	SizeGB     float64 `json:"size_gb"`
}

// Result is the payload attached to a completed job.
type Result struct {
	OutputFolder   string           `json:"output_folder,omitempty"`
	Compressed     []CompressedFile `json:"compressed,omitempty"`
	CompressFailed []string         `json:"compress_failed,omitempty"`
	Archives       []string         `json:"archives,omitempty"`
	Split          bool             `json:"split"`
	Parts          int              `json:"parts"`
	Uploaded       int              `json:"uploaded"`
}

// batchItem tracks one input file through the stages. Path is updated
// as stages replace the working copy, Original keeps the input name.
type batchItem struct {
	Original  string
	Path      string
	SizeBytes int64
	// Processed inputs (.7z or split volumes) skip compression and
	// archiving and go straight to upload.
	Processed bool
}

// uploadUnit is one logical archive (or raw file) to send: all of its
// parts share a key so split volumes stay together.
type uploadUnit struct {
	Key       string
	Parts     []string
	Encrypted bool
	Split     bool
}

// archiveOutcome is what the archive stage hands to the upload stage.
// Uploaded names the units the stage already sent while producing them
// in separate mode, so the upload stage must not send them again.
type archiveOutcome struct {
	Units    []uploadUnit
	Uploaded map[string]bool
}
