package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status   *domain.Status
	Page     int
	PageSize int
}

type RequestRepository interface {
	UpsertPending(ctx context.Context, subjectID int64, snapshot string) (bool, error)
	CompareAndSetDecision(
		ctx context.Context,
		subjectID int64,
		expected domain.Status,
		newStatus domain.Status,
		decidedBy int64,
		decidedAt time.Time,
	) (bool, error)
	GetStatus(ctx context.Context, subjectID int64) (domain.Status, error)
	GetBySubjectID(ctx context.Context, subjectID int64) (*domain.AccessRequest, error)
	List(ctx context.Context, params ListParams) ([]domain.AccessRequest, int64, error)
	ListResolvedWithReferences(ctx context.Context, limit int) ([]domain.AccessRequest, error)
}

type GormRequestRepo struct {
	db *gorm.DB
}

func NewGormRequestRepo(db *gorm.DB) *GormRequestRepo {
	return &GormRequestRepo{db: db}
}

// UpsertPending inserts a pending request unless one already exists for the subject.
// The returned flag reports whether a new row was created.
func (r *GormRequestRepo) UpsertPending(ctx context.Context, subjectID int64, snapshot string) (bool, error) {
	model := &AccessRequestModel{
		SubjectID:       subjectID,
		SubjectSnapshot: snapshot,
		Status:          domain.StatusPending,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, storeError("upsert pending request", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// CompareAndSetDecision moves a request out of the expected status in a single
// conditional UPDATE. Only the caller that observes true has won the transition.
func (r *GormRequestRepo) CompareAndSetDecision(
	ctx context.Context,
	subjectID int64,
	expected domain.Status,
	newStatus domain.Status,
	decidedBy int64,
	decidedAt time.Time,
) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&AccessRequestModel{}).
		Where("subject_id = ? AND status = ?", subjectID, expected).
		Updates(map[string]any{
			"status":     newStatus,
			"decided_by": decidedBy,
			"decided_at": decidedAt,
			"updated_at": decidedAt,
		})
	if result.Error != nil {
		return false, storeError("compare and set decision", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (r *GormRequestRepo) GetStatus(ctx context.Context, subjectID int64) (domain.Status, error) {
	var model AccessRequestModel
	err := r.db.WithContext(ctx).
		Select("subject_id", "status").
		First(&model, "subject_id = ?", subjectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", storeError("get request status", err)
	}
	return model.Status, nil
}

func (r *GormRequestRepo) GetBySubjectID(ctx context.Context, subjectID int64) (*domain.AccessRequest, error) {
	var model AccessRequestModel
	err := r.db.WithContext(ctx).First(&model, "subject_id = ?", subjectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeError("get request", err)
	}
	return accessRequestModelToDomain(&model), nil
}

func (r *GormRequestRepo) List(ctx context.Context, params ListParams) ([]domain.AccessRequest, int64, error) {
	query := r.db.WithContext(ctx).Model(&AccessRequestModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storeError("count requests", err)
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []AccessRequestModel
	err := query.
		Order("created_at DESC").
		Order("subject_id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, storeError("list requests", err)
	}

	requests := make([]domain.AccessRequest, 0, len(models))
	for i := range models {
		requests = append(requests, *accessRequestModelToDomain(&models[i]))
	}

	return requests, total, nil
}

// ListResolvedWithReferences returns resolved requests whose fan-in never completed.
func (r *GormRequestRepo) ListResolvedWithReferences(ctx context.Context, limit int) ([]domain.AccessRequest, error) {
	var models []AccessRequestModel
	err := r.db.WithContext(ctx).
		Where("status <> ?", domain.StatusPending).
		Where("EXISTS (SELECT 1 FROM notification_references nr WHERE nr.subject_id = access_requests.subject_id)").
		Order("decided_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, storeError("list unfinished fan-ins", err)
	}

	requests := make([]domain.AccessRequest, 0, len(models))
	for i := range models {
		requests = append(requests, *accessRequestModelToDomain(&models[i]))
	}

	return requests, nil
}
