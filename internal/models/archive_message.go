package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ArchiveMessage records one uploaded archive part and the Telegram
// message that carries it. The Bot API cannot enumerate chat history,
// so this index is the source of truth for the remote archive listing.
type ArchiveMessage struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	ArchiveName string    `gorm:"not null;index;column:archive_name" json:"archive_name"` // logical name shared by all parts
	FileName    string    `gorm:"not null;column:file_name" json:"file_name"`
	PartNumber  int       `gorm:"column:part_number" json:"part_number"` // 0 for an unsplit archive
	SizeBytes   int64     `gorm:"column:size_bytes" json:"size_bytes"`
	Encrypted   bool      `json:"encrypted"`
	ChatID      string    `gorm:"not null;column:chat_id" json:"chat_id"`
	MessageID   int64     `gorm:"not null;column:message_id" json:"message_id"`
	FileID      string    `gorm:"column:file_id" json:"file_id"` // Bot API file handle for downloads
	UploadedAt  time.Time `gorm:"column:uploaded_at" json:"uploaded_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (am *ArchiveMessage) BeforeCreate(tx *gorm.DB) error {
	if am.ID == "" {
		am.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ArchiveMessage) TableName() string {
	return "archive_messages"
}
