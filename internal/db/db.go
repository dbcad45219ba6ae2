package db

import (
	"fmt"
	"strings"
	"time"

	clog "whisper/internal/log"
	"whisper/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Connect 根据 DSN 选择驱动：以 "sqlite:" 开头走 SQLite（本地开发、测试），
// 否则连接 Postgres，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, sqlitePrefix) {
		return openSQLite(strings.TrimPrefix(dsn, sqlitePrefix))
	}
	return openPostgres(dsn, 10)
}

// openPostgres 在容器尚未就绪时按递增间隔重试，最多 attempts 次。
func openPostgres(dsn string, attempts int) (*gorm.DB, error) {
	dblog := clog.Component("db")
	var lastErr error
	for i := 0; i < attempts; i++ {
		gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, dbErr := gdb.DB()
			if dbErr == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = dbErr
		}
		lastErr = err
		wait := time.Duration(500+i*200) * time.Millisecond
		dblog.Warn().Err(err).Int("attempt", i+1).Dur("retry_in", wait).Msg("postgres not ready")
		time.Sleep(wait)
	}
	return nil, fmt.Errorf("connect postgres after %d attempts: %w", attempts, lastErr)
}

func openSQLite(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// SQLite 只允许单写者；":memory:" 每个连接都是独立的库，必须固定为一个连接。
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

// Migrate 自动迁移用户、会话、消息表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{})
}
