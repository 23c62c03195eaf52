package store

import (
	"time"

	"gorm.io/datatypes"
)

// DocumentModel stores one record of any collection as a JSONB body.
type DocumentModel struct {
	Collection string         `gorm:"primaryKey;size:64"`
	ID         string         `gorm:"primaryKey;size:64"`
	Body       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time      `gorm:"not null;index"`
	UpdatedAt  time.Time
}

func (DocumentModel) TableName() string { return "documents" }
