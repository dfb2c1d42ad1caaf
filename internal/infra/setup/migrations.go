package setup

import (
	"fmt"

	"collaborative-canvas/internal/domain"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MigrateDB 迁移归档表。返回错误以便调用者知道迁移是否成功。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	if err := db.AutoMigrate(&domain.RoomRecord{}); err != nil {
		logrus.Errorf("Failed to auto-migrate room_records table: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	logrus.Info("Database migration completed successfully")
	return nil
}
