package db

import (
	"github.com/flowcanvas/companion/internal/domain"
	"gorm.io/gorm"
)

// RunMigrations creates the install job table. The store is owned by a single companion
// process; duplicate suppression happens in that process's registry, not in the database.
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.InstallJobRecord{}); err != nil {
		return err
	}

	return dropLegacyIndexes(db)
}

func dropLegacyIndexes(db *gorm.DB) error {
	// Earlier schemas carried a unique index on active targets that writes never honoured.
	return db.Exec(`DROP INDEX IF EXISTS idx_install_jobs_active_target`).Error
}
