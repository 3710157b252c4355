package workflowstate

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const WorkflowStateTableName = "workflow_states"

type WorkflowState struct {
	WorkflowID  string          `gorm:"primaryKey;column:workflow_id;size:64"`
	State       string          `gorm:"not null;index"`
	Payload     json.RawMessage `gorm:"type:json"`
	History     json.RawMessage `gorm:"type:json"`
	Version     int64           `gorm:"not null;default:1"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	LastUpdated time.Time       `gorm:"column:last_updated;index"`
}

func (WorkflowState) TableName() string {
	return WorkflowStateTableName
}

func (WorkflowState) BeforeCreate(tx *gorm.DB) (err error) {
	tx.Statement.SetColumn("CreatedAt", time.Now())
	tx.Statement.SetColumn("LastUpdated", time.Now())
	return
}

func (WorkflowState) BeforeUpdate(tx *gorm.DB) (err error) {
	tx.Statement.SetColumn("LastUpdated", time.Now())
	return
}
