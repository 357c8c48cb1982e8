// Package secretstore is a small gorm+sqlite store for provider API key
// rotation, grounded on the teacher's internal/database (WAL-tuned sqlite
// connection) and models.APIKey. It is a non-authoritative auxiliary store:
// the canonical session/diarization data always lives on the filesystem
// (internal/session), never here.
package secretstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Secret is a single named provider credential, persisted so operators can
// rotate keys without restarting the service.
type Secret struct {
	Name      string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Store wraps a gorm connection dedicated to provider secrets.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the secret store database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("secretstore: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_timeout=30000", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("secretstore: open: %w", err)
	}

	if err := db.AutoMigrate(&Secret{}); err != nil {
		return nil, fmt.Errorf("secretstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// GetSecret implements config.SecretResolver.
func (s *Store) GetSecret(name string) (string, bool) {
	var sec Secret
	if err := s.db.First(&sec, "name = ?", name).Error; err != nil {
		return "", false
	}
	return sec.Value, true
}

// SetSecret upserts a provider credential by name.
func (s *Store) SetSecret(name, value string) error {
	sec := Secret{Name: name, Value: value, UpdatedAt: time.Now()}
	return s.db.Save(&sec).Error
}

// DeleteSecret removes a stored credential, falling back the caller to the
// environment variable for that provider key.
func (s *Store) DeleteSecret(name string) error {
	return s.db.Delete(&Secret{}, "name = ?", name).Error
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
