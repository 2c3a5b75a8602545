package repository

import (
	"time"

	"github.com/kursadbilgin/approval-relay/internal/domain"
)

// AccessRequestModel is the persistence model for the access_requests table.
type AccessRequestModel struct {
	SubjectID       int64         `gorm:"primaryKey;autoIncrement:false"`
	SubjectSnapshot string        `gorm:"type:text;not null"`
	Status          domain.Status `gorm:"type:varchar(16);not null"`
	DecidedBy       *int64
	DecidedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (AccessRequestModel) TableName() string {
	return "access_requests"
}

// NotificationReferenceModel is the persistence model for notification_references.
type NotificationReferenceModel struct {
	SubjectID       int64  `gorm:"primaryKey;autoIncrement:false"`
	ReviewerTarget  int64  `gorm:"primaryKey;autoIncrement:false"`
	ReferenceHandle string `gorm:"type:varchar(255);not null"`
	CreatedAt       time.Time
}

func (NotificationReferenceModel) TableName() string {
	return "notification_references"
}

func accessRequestModelToDomain(m *AccessRequestModel) *domain.AccessRequest {
	if m == nil {
		return nil
	}

	return &domain.AccessRequest{
		SubjectID:       m.SubjectID,
		SubjectSnapshot: m.SubjectSnapshot,
		Status:          m.Status,
		DecidedBy:       m.DecidedBy,
		DecidedAt:       m.DecidedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func referenceModelFromDomain(r *domain.NotificationReference) *NotificationReferenceModel {
	if r == nil {
		return nil
	}

	return &NotificationReferenceModel{
		SubjectID:       r.SubjectID,
		ReviewerTarget:  r.ReviewerTarget,
		ReferenceHandle: r.ReferenceHandle,
		CreatedAt:       r.CreatedAt,
	}
}

func referenceModelToDomain(m *NotificationReferenceModel) *domain.NotificationReference {
	if m == nil {
		return nil
	}

	return &domain.NotificationReference{
		SubjectID:       m.SubjectID,
		ReviewerTarget:  m.ReviewerTarget,
		ReferenceHandle: m.ReferenceHandle,
		CreatedAt:       m.CreatedAt,
	}
}
