package docstore

import (
	"time"

	"gorm.io/datatypes"
)

// DocumentModel is the GORM row holding one document of one collection.
type DocumentModel struct {
	Collection string         `gorm:"primaryKey;size:64"`
	ID         string         `gorm:"primaryKey;size:64"`
	Body       datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null;index"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

// TableName pins the table name regardless of naming strategy.
func (DocumentModel) TableName() string {
	return "documents"
}
