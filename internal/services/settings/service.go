package settings

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"telarchive/internal/crypto"
	"telarchive/internal/models"
)

// Sentinel errors for upload pre-flight checks.
var (
	ErrNoPassword    = errors.New("no archive password configured")
	ErrNoBotToken    = errors.New("no telegram bot token configured")
	ErrNoDestination = errors.New("no upload destination configured")
)

// Valid caption modes.
var captionModes = map[string]bool{"detailed": true, "minimal": true, "none": true}

// Service manages the single operator settings row. Secrets are
// encrypted before they reach the database.
type Service struct {
	db *gorm.DB
}

// NewService creates a settings service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// View is the sanitized settings shape exposed over HTTP. Secrets are
// reported as booleans only.
type View struct {
	UploadDestination   string `json:"upload_destination"`
	DestinationVerified bool   `json:"destination_verified"`
	SplitSizeMB         int    `json:"split_size_mb"`
	AutoSplit           bool   `json:"auto_split"`
	UploadCaption       string `json:"upload_caption"`
	VideoKeepAudio      bool   `json:"video_keep_audio"`
	CPUPreset           string `json:"cpu_preset"`
	CPUThreads          int    `json:"cpu_threads"`
	HasPassword         bool   `json:"has_password"`
	HasBotToken         bool   `json:"has_bot_token"`
}

// UpdateRequest carries partial settings updates. Nil fields are left
// unchanged; secrets are write-only.
type UpdateRequest struct {
	ArchivePassword *string `json:"archive_password"`
	BotToken        *string `json:"bot_token"`
	Destination     *string `json:"upload_destination"`
	SplitSizeMB     *int    `json:"split_size_mb"`
	AutoSplit       *bool   `json:"auto_split"`
	UploadCaption   *string `json:"upload_caption"`
	VideoKeepAudio  *bool   `json:"video_keep_audio"`
	CPUPreset       *string `json:"cpu_preset"`
	CPUThreads      *int    `json:"cpu_threads"`
}

// load fetches the singleton row, creating it with defaults on first
// use.
func (s *Service) load() (*models.Settings, error) {
	var row models.Settings
	err := s.db.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.Settings{
			SplitSizeMB:   2000,
			AutoSplit:     true,
			UploadCaption: "detailed",
			CPUPreset:     "normal",
		}
		if err := s.db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to create settings row: %w", err)
		}
		return &row, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &row, nil
}

// Get returns the sanitized settings view.
func (s *Service) Get() (*View, error) {
	row, err := s.load()
	if err != nil {
		return nil, err
	}
	return &View{
		UploadDestination:   row.UploadDestination,
		DestinationVerified: row.DestinationVerified,
		SplitSizeMB:         row.SplitSizeMB,
		AutoSplit:           row.AutoSplit,
		UploadCaption:       row.UploadCaption,
		VideoKeepAudio:      row.VideoKeepAudio,
		CPUPreset:           row.CPUPreset,
		CPUThreads:          row.CPUThreads,
		HasPassword:         row.ArchivePasswordEnc != "",
		HasBotToken:         row.BotTokenEnc != "",
	}, nil
}

// Update applies a partial settings update.
func (s *Service) Update(req UpdateRequest) (*View, error) {
	row, err := s.load()
	if err != nil {
		return nil, err
	}

	if req.ArchivePassword != nil {
		if *req.ArchivePassword == "" {
			row.ArchivePasswordEnc = ""
		} else {
			enc, err := crypto.Encrypt(*req.ArchivePassword)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt archive password: %w", err)
			}
			row.ArchivePasswordEnc = enc
		}
	}

	if req.BotToken != nil {
		if *req.BotToken == "" {
			row.BotTokenEnc = ""
		} else {
			enc, err := crypto.Encrypt(*req.BotToken)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt bot token: %w", err)
			}
			row.BotTokenEnc = enc
		}
		// A new token invalidates any earlier destination check.
		row.DestinationVerified = false
	}

	if req.Destination != nil {
		if *req.Destination != row.UploadDestination {
			row.DestinationVerified = false
		}
		row.UploadDestination = *req.Destination
	}

	if req.SplitSizeMB != nil {
		if *req.SplitSizeMB <= 0 {
			return nil, fmt.Errorf("split_size_mb must be positive, got %d", *req.SplitSizeMB)
		}
		row.SplitSizeMB = *req.SplitSizeMB
	}
	if req.AutoSplit != nil {
		row.AutoSplit = *req.AutoSplit
	}
	if req.UploadCaption != nil {
		if !captionModes[*req.UploadCaption] {
			return nil, fmt.Errorf("upload_caption must be detailed, minimal or none, got %q", *req.UploadCaption)
		}
		row.UploadCaption = *req.UploadCaption
	}
	if req.VideoKeepAudio != nil {
		row.VideoKeepAudio = *req.VideoKeepAudio
	}
	if req.CPUPreset != nil {
		row.CPUPreset = *req.CPUPreset
	}
	if req.CPUThreads != nil {
		row.CPUThreads = *req.CPUThreads
	}

	if err := s.db.Save(row).Error; err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	return s.Get()
}

// Snapshot returns the raw settings row for internal use.
func (s *Service) Snapshot() (*models.Settings, error) {
	return s.load()
}

// ArchivePassword returns the decrypted archive password, or
// ErrNoPassword when none is set.
func (s *Service) ArchivePassword() (string, error) {
	row, err := s.load()
	if err != nil {
		return "", err
	}
	if row.ArchivePasswordEnc == "" {
		return "", ErrNoPassword
	}
	pw, err := crypto.Decrypt(row.ArchivePasswordEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt archive password: %w", err)
	}
	return pw, nil
}

// BotToken returns the decrypted Telegram bot token, or ErrNoBotToken
// when none is set.
func (s *Service) BotToken() (string, error) {
	row, err := s.load()
	if err != nil {
		return "", err
	}
	if row.BotTokenEnc == "" {
		return "", ErrNoBotToken
	}
	token, err := crypto.Decrypt(row.BotTokenEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt bot token: %w", err)
	}
	return token, nil
}

// MarkDestinationVerified records a successful pre-flight check for a
// destination.
func (s *Service) MarkDestinationVerified(destination string) error {
	row, err := s.load()
	if err != nil {
		return err
	}
	row.UploadDestination = destination
	row.DestinationVerified = true
	if err := s.db.Save(row).Error; err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
