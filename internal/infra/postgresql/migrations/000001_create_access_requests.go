package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/approval-relay/internal/repository"
	"gorm.io/gorm"
)

func createAccessRequestsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_access_requests",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AccessRequestModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_access_requests_status_created ON access_requests (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_access_requests_decided_at ON access_requests (decided_at) WHERE status <> 'pending'`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AccessRequestModel{})
		},
	}
}
