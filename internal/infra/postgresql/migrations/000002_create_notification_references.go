package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/approval-relay/internal/repository"
	"gorm.io/gorm"
)

func createNotificationReferencesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_notification_references",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.NotificationReferenceModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationReferenceModel{})
		},
	}
}
