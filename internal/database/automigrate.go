package database

import (
	"fmt"

	"gorm.io/gorm"

	"project-board-sync/internal/repository"
)

// AutoMigrate creates or updates the tables of every repository model
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(repository.Models()...); err != nil {
		return fmt.Errorf("failed to run auto-migration: %w", err)
	}
	return nil
}
