package database

import (
	"fmt"

	"github.com/RigelNana/arkstudy/materialcore/config"
	"github.com/RigelNana/arkstudy/materialcore/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 连接 Postgres；TranslateError 让唯一索引冲突返回 gorm.ErrDuplicatedKey
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// AutoMigrate 先迁移独立表，再迁移引用它们的表
func AutoMigrate(db *gorm.DB) error {
	tables := []any{
		&models.UserProfile{},
		&models.AcademicUnit{},
		&models.UnitMembership{},
		&models.Material{},
		&models.MaterialAssignment{},
	}
	for _, t := range tables {
		if err := db.AutoMigrate(t); err != nil {
			return fmt.Errorf("auto migrate %T: %w", t, err)
		}
	}
	return nil
}
