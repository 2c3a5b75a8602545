package repository

import (
	"context"

	"github.com/kursadbilgin/approval-relay/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReferenceRepository interface {
	Add(ctx context.Context, ref *domain.NotificationReference) error
	ListBySubject(ctx context.Context, subjectID int64) ([]domain.NotificationReference, error)
	Remove(ctx context.Context, subjectID int64, refs []domain.NotificationReference) error
}

type GormReferenceRepo struct {
	db *gorm.DB
}

func NewGormReferenceRepo(db *gorm.DB) *GormReferenceRepo {
	return &GormReferenceRepo{db: db}
}

// Add records a fanned-out copy; recording the same target twice replaces its handle.
func (r *GormReferenceRepo) Add(ctx context.Context, ref *domain.NotificationReference) error {
	model := referenceModelFromDomain(ref)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}, {Name: "reviewer_target"}},
			DoUpdates: clause.AssignmentColumns([]string{"reference_handle", "created_at"}),
		}).
		Create(model).Error
	if err != nil {
		return storeError("add notification reference", err)
	}
	if ref != nil {
		*ref = *referenceModelToDomain(model)
	}
	return nil
}

func (r *GormReferenceRepo) ListBySubject(ctx context.Context, subjectID int64) ([]domain.NotificationReference, error) {
	var models []NotificationReferenceModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at ASC").
		Order("reviewer_target ASC").
		Find(&models).Error
	if err != nil {
		return nil, storeError("list notification references", err)
	}

	refs := make([]domain.NotificationReference, 0, len(models))
	for i := range models {
		refs = append(refs, *referenceModelToDomain(&models[i]))
	}

	return refs, nil
}

// Remove deletes exactly the listed references of the subject. A row whose
// handle has been replaced since the list was read, or that was added after
// it, stays. Deleting nothing is not an error.
func (r *GormReferenceRepo) Remove(ctx context.Context, subjectID int64, refs []domain.NotificationReference) error {
	pairs := make([][]any, 0, len(refs))
	for _, ref := range refs {
		if ref.SubjectID != 0 && ref.SubjectID != subjectID {
			continue
		}
		pairs = append(pairs, []any{ref.ReviewerTarget, ref.ReferenceHandle})
	}
	if len(pairs) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Where("(reviewer_target, reference_handle) IN ?", pairs).
		Delete(&NotificationReferenceModel{}).Error
	if err != nil {
		return storeError("remove notification references", err)
	}
	return nil
}
