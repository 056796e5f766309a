package utils

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/psyclub/membership/models"
)

// InitDatabase 连接MySQL并返回gorm句柄，由main注入到各个service
func InitDatabase(host, user, password, dbname string, port int) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	// 生产环境只记录错误，避免把完整SQL刷进日志
	logLevel := logger.Info
	if os.Getenv("GO_ENV") == "production" {
		logLevel = logger.Error
	}

	log.Infof("Attempting to connect to database: %s:%d/%s", host, port, dbname)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database %s:%d/%s: %w", host, port, dbname, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database handle: %w", err)
	}

	// 连接池参数
	sqlDB.SetMaxIdleConns(15)
	sqlDB.SetMaxOpenConns(120)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	log.Info("Database connection successful")
	return db, nil
}

// MigrateDatabase 执行数据库迁移
// payments表故意不建(platform, transaction_id)唯一索引，重复抑制由管道负责
func MigrateDatabase(db *gorm.DB) error {
	log.Info("Starting database migration...")
	if err := db.AutoMigrate(
		&models.Member{},
		&models.Payment{},
	); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migration completed successfully")
	return nil
}
