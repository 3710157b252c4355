package workerhealth

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const WorkerHealthTableName = "worker_health"

type WorkerHealth struct {
	WorkerID            string          `gorm:"primaryKey;column:worker_id;size:128"`
	Status              string          `gorm:"not null;index"`
	Reason              string          `gorm:"type:text"`
	Metrics             json.RawMessage `gorm:"type:json"`
	Metadata            json.RawMessage `gorm:"type:json"`
	LastHeartbeat       time.Time       `gorm:"column:last_heartbeat;index"`
	LastStatusChange    time.Time       `gorm:"column:last_status_change"`
	RecoveryAttempts    int             `gorm:"not null;default:0"`
	LastRecoveryAttempt *time.Time      `gorm:"column:last_recovery_attempt"`
	NextRecoveryAttempt *time.Time      `gorm:"column:next_recovery_attempt"`
	Registered          time.Time       `gorm:"column:registered"`
	LastUpdated         time.Time       `gorm:"column:last_updated"`
}

func (WorkerHealth) TableName() string {
	return WorkerHealthTableName
}

func (WorkerHealth) BeforeCreate(tx *gorm.DB) (err error) {
	tx.Statement.SetColumn("LastUpdated", time.Now())
	return
}

func (WorkerHealth) BeforeUpdate(tx *gorm.DB) (err error) {
	tx.Statement.SetColumn("LastUpdated", time.Now())
	return
}
