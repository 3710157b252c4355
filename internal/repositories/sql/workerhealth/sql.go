package workerhealth

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/LandingPadAI/agent-coordinator/pkg/infra"
)

type Repository interface {
	// Upsert writes the full row, inserting on first sight of the worker.
	Upsert(rec *WorkerHealth) error
	GetByID(workerID string) (*WorkerHealth, error)
	ListAll() ([]WorkerHealth, error)
	Delete(workerID string) error
}

type workerHealthRepo struct {
	db *gorm.DB
}

func NewRepository(connection *infra.SQLConnection) (Repository, error) {
	if connection == nil {
		return nil, errors.New("connection cannot be nil")
	}
	session, err := connection.GetConn()
	if err != nil {
		return nil, err
	}
	return &workerHealthRepo{
		db: session.(*gorm.DB),
	}, nil
}

func (r *workerHealthRepo) Upsert(rec *WorkerHealth) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func (r *workerHealthRepo) GetByID(workerID string) (*WorkerHealth, error) {
	var rec WorkerHealth
	err := r.db.Where("worker_id = ?", workerID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *workerHealthRepo) ListAll() ([]WorkerHealth, error) {
	var recs []WorkerHealth
	err := r.db.Order("worker_id ASC").Find(&recs).Error
	return recs, err
}

func (r *workerHealthRepo) Delete(workerID string) error {
	return r.db.Where("worker_id = ?", workerID).Delete(&WorkerHealth{}).Error
}
