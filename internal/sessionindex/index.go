// Package sessionindex is a non-authoritative gorm+sqlite index over
// sessions, letting the CLI and HTTP layer list/search sessions without a
// full directory walk. The filesystem (internal/session) remains the
// canonical store; this index is rebuildable from it at any time.
package sessionindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"scriberr/internal/repository"
)

// Record is the indexed, queryable projection of a session.
type Record struct {
	ID             string `gorm:"primaryKey"`
	Stage          string
	TargetLanguage string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Index wraps a generic repository.Repository[Record] over a dedicated
// sqlite database, mirroring the teacher's repository.BaseRepository usage.
type Index struct {
	db   *gorm.DB
	repo repository.Repository[Record]
}

// Open opens (creating if necessary) the session index database.
func Open(dbPath string) (*Index, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sessionindex: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_timeout=30000", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("sessionindex: open: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("sessionindex: migrate: %w", err)
	}

	return &Index{db: db, repo: repository.NewBaseRepository[Record](db)}, nil
}

// Upsert records (or updates) a session's indexed projection.
func (idx *Index) Upsert(ctx context.Context, id, stage, targetLanguage string) error {
	existing, err := idx.repo.FindByID(ctx, id)
	now := time.Now()
	if err == nil && existing != nil {
		existing.Stage = stage
		existing.TargetLanguage = targetLanguage
		existing.UpdatedAt = now
		return idx.repo.Update(ctx, existing)
	}
	return idx.repo.Create(ctx, &Record{
		ID:             id,
		Stage:          stage,
		TargetLanguage: targetLanguage,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// List returns a page of indexed sessions, most recently updated first.
func (idx *Index) List(ctx context.Context, offset, limit int) ([]Record, int64, error) {
	var count int64
	if err := idx.db.WithContext(ctx).Model(&Record{}).Count(&count).Error; err != nil {
		return nil, 0, err
	}
	var records []Record
	err := idx.db.WithContext(ctx).Order("updated_at DESC").Offset(offset).Limit(limit).Find(&records).Error
	return records, count, err
}

// Get returns a single indexed session record.
func (idx *Index) Get(ctx context.Context, id string) (*Record, error) {
	return idx.repo.FindByID(ctx, id)
}

// Delete removes a session's indexed projection (used by session deletion).
func (idx *Index) Delete(ctx context.Context, id string) error {
	return idx.repo.Delete(ctx, id)
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	sqlDB, err := idx.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
