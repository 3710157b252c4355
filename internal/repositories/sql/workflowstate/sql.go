package workflowstate

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/LandingPadAI/agent-coordinator/pkg/infra"
)

type Repository interface {
	Create(rec *WorkflowState) error
	// UpdateCAS writes rec only if the stored version still equals
	// expectedVersion. Returns false when another writer won.
	UpdateCAS(rec *WorkflowState, expectedVersion int64) (bool, error)
	GetByID(workflowID string) (*WorkflowState, error)
	Exists(workflowID string) (bool, error)
	FindByState(state string, limit, offset int) ([]WorkflowState, error)
	DeleteInStatesBefore(states []string, cutoff time.Time) (int64, error)
}

type workflowStateRepo struct {
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
	return &workflowStateRepo{
		db: session.(*gorm.DB),
	}, nil
}

func (r *workflowStateRepo) Create(rec *WorkflowState) error {
	return r.db.Create(rec).Error
}

func (r *workflowStateRepo) UpdateCAS(rec *WorkflowState, expectedVersion int64) (bool, error) {
	result := r.db.Model(&WorkflowState{}).
		Where("workflow_id = ? AND version = ?", rec.WorkflowID, expectedVersion).
		Updates(map[string]interface{}{
			"state":        rec.State,
			"payload":      rec.Payload,
			"history":      rec.History,
			"version":      rec.Version,
			"last_updated": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *workflowStateRepo) GetByID(workflowID string) (*WorkflowState, error) {
	var rec WorkflowState
	err := r.db.Where("workflow_id = ?", workflowID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *workflowStateRepo) Exists(workflowID string) (bool, error) {
	var count int64
	err := r.db.Model(&WorkflowState{}).Where("workflow_id = ?", workflowID).Count(&count).Error
	return count > 0, err
}

func (r *workflowStateRepo) FindByState(state string, limit, offset int) ([]WorkflowState, error) {
	var recs []WorkflowState
	query := r.db.Where("state = ?", state).Order("created_at ASC, workflow_id ASC").Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&recs).Error
	return recs, err
}

func (r *workflowStateRepo) DeleteInStatesBefore(states []string, cutoff time.Time) (int64, error) {
	result := r.db.Where("state IN ? AND last_updated < ?", states, cutoff).Delete(&WorkflowState{})
	return result.RowsAffected, result.Error
}
