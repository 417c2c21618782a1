package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Settings is the single row of operator configuration. Secrets are
// stored encrypted and never serialized to JSON.
type Settings struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	ArchivePasswordEnc  string    `gorm:"column:archive_password_enc" json:"-"`
	BotTokenEnc         string    `gorm:"column:bot_token_enc" json:"-"`
	UploadDestination   string    `gorm:"column:upload_destination" json:"upload_destination"`
	DestinationVerified bool      `gorm:"column:destination_verified" json:"destination_verified"`
	SplitSizeMB         int       `gorm:"column:split_size_mb;default:2000" json:"split_size_mb"`
	AutoSplit           bool      `gorm:"column:auto_split;default:true" json:"auto_split"`
	UploadCaption       string    `gorm:"column:upload_caption;default:detailed" json:"upload_caption"` // detailed, minimal or none
	VideoKeepAudio      bool      `gorm:"column:video_keep_audio" json:"video_keep_audio"`
	CPUPreset           string    `gorm:"column:cpu_preset;default:normal" json:"cpu_preset"`
	CPUThreads          int       `gorm:"column:cpu_threads" json:"cpu_threads"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (s *Settings) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Settings) TableName() string {
	return "settings"
}
