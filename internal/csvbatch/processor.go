// Package csvbatch drives a CSV of source URLs/files through the dubbing
// pipeline sequentially, one row per dub session, grounded on the
// teacher's internal/csvbatch/processor.go (sequential per-row processing
// under a single cancellable context, row/batch status tracked in a
// dedicated gorm+sqlite table) but replaced end to end: each row becomes
// one internal/pipeline.Orchestrator.Run call instead of a yt-dlp+whisperx
// shell-out, and batch/row bookkeeping lives in its own database instead
// of the teacher's internal/database/models tables.
package csvbatch

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"scriberr/internal/ingest"
	"scriberr/internal/pipeline"
	"scriberr/internal/session"
	"scriberr/pkg/logger"
)

// BatchStatus mirrors the teacher's models.BatchStatus enum (pending,
// processing, completed, failed, cancelled).
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// RowStatus mirrors the teacher's models.RowStatus enum.
type RowStatus string

const (
	RowPending    RowStatus = "pending"
	RowProcessing RowStatus = "processing"
	RowCompleted  RowStatus = "completed"
	RowFailed     RowStatus = "failed"
)

// Batch is one CSV submission: a named set of rows dubbed sequentially
// into a single target language.
type Batch struct {
	ID                      string `gorm:"primaryKey"`
	Name                    string
	Status                  BatchStatus
	TargetLanguage          string
	PreserveBackgroundMusic bool
	TotalRows               int
	CurrentRow              int
	SuccessRows             int
	FailedRows              int
	ErrorMessage            string
	CreatedAt               time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
}

// Row is one CSV line: a source (URL or local file path) that becomes one
// dub session.
type Row struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	BatchID      string `gorm:"index"`
	RowNum       int
	Source       string
	SessionID    string
	OutputPath   string
	Status       RowStatus
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Processor sequentially dubs every row of a batch through a shared
// pipeline.Orchestrator, one row at a time so segment-level worker pools
// inside the orchestrator aren't oversubscribed across rows.
type Processor struct {
	db           *gorm.DB
	store        *session.Store
	orchestrator *pipeline.Orchestrator

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New opens (creating if necessary) the batch-tracking database and
// returns a Processor ready to drive rows through orchestrator.
func New(dbPath string, store *session.Store, orchestrator *pipeline.Orchestrator) (*Processor, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("csvbatch: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_timeout=30000", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("csvbatch: open: %w", err)
	}
	if err := db.AutoMigrate(&Batch{}, &Row{}); err != nil {
		return nil, fmt.Errorf("csvbatch: migrate: %w", err)
	}

	return &Processor{
		db:           db,
		store:        store,
		orchestrator: orchestrator,
		active:       make(map[string]context.CancelFunc),
	}, nil
}

// CreateBatch parses a CSV file of sources and registers a new batch.
func (p *Processor) CreateBatch(name, csvPath, targetLanguage string, preserveMusic bool) (*Batch, error) {
	sources, err := parseCSV(csvPath)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no usable sources found in CSV")
	}

	batch := &Batch{
		ID:                      uuid.New().String(),
		Name:                    name,
		Status:                  BatchPending,
		TargetLanguage:          targetLanguage,
		PreserveBackgroundMusic: preserveMusic,
		TotalRows:               len(sources),
		CreatedAt:               time.Now(),
	}

	err = p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return fmt.Errorf("failed to save batch: %w", err)
		}
		for i, src := range sources {
			row := &Row{BatchID: batch.ID, RowNum: i + 1, Source: src, Status: RowPending}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("failed to save row %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("CSV batch created", "id", batch.ID, "rows", len(sources))
	return batch, nil
}

// Start begins (or resumes) processing a batch's pending rows.
func (p *Processor) Start(batchID string) error {
	var batch Batch
	if err := p.db.First(&batch, "id = ?", batchID).Error; err != nil {
		return fmt.Errorf("batch not found: %w", err)
	}
	if batch.Status == BatchProcessing {
		return fmt.Errorf("batch is already processing")
	}
	if batch.Status == BatchCompleted {
		return fmt.Errorf("batch is already completed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.active[batchID] = cancel
	p.mu.Unlock()

	go p.process(ctx, batchID)
	return nil
}

// Stop cancels the context a running batch's rows run under, so the row in
// progress is interrupted as well.
func (p *Processor) Stop(batchID string) error {
	p.mu.Lock()
	cancel, ok := p.active[batchID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("batch is not running")
	}
	cancel()
	return nil
}

// GetStatus returns a batch and its rows.
func (p *Processor) GetStatus(batchID string) (*Batch, []Row, error) {
	var batch Batch
	if err := p.db.First(&batch, "id = ?", batchID).Error; err != nil {
		return nil, nil, err
	}
	var rows []Row
	if err := p.db.Where("batch_id = ?", batchID).Order("row_num ASC").Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	return &batch, rows, nil
}

// List returns every batch, most recently created first.
func (p *Processor) List() ([]Batch, error) {
	var batches []Batch
	err := p.db.Order("created_at DESC").Find(&batches).Error
	return batches, err
}

// Delete removes a batch and its row records (not the dub sessions it
// created, which remain addressable through internal/session as usual).
func (p *Processor) Delete(batchID string) error {
	var batch Batch
	if err := p.db.First(&batch, "id = ?", batchID).Error; err != nil {
		return err
	}
	_ = p.Stop(batchID)
	if err := p.db.Where("batch_id = ?", batchID).Delete(&Row{}).Error; err != nil {
		return err
	}
	return p.db.Delete(&batch).Error
}

// Close releases the underlying database connection.
func (p *Processor) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Processor) process(ctx context.Context, batchID string) {
	defer func() {
		p.mu.Lock()
		delete(p.active, batchID)
		p.mu.Unlock()
	}()

	now := time.Now()
	if err := p.db.Model(&Batch{}).Where("id = ?", batchID).Updates(map[string]any{
		"status":     BatchProcessing,
		"started_at": now,
	}).Error; err != nil {
		p.failBatch(batchID, "failed to update status: "+err.Error())
		return
	}
	logger.Info("Processing CSV batch", "id", batchID)

	var batch Batch
	if err := p.db.First(&batch, "id = ?", batchID).Error; err != nil {
		p.failBatch(batchID, "failed to fetch batch: "+err.Error())
		return
	}
	var rows []Row
	if err := p.db.Where("batch_id = ? AND status = ?", batchID, RowPending).
		Order("row_num ASC").Find(&rows).Error; err != nil {
		p.failBatch(batchID, "failed to fetch rows: "+err.Error())
		return
	}

	for i := range rows {
		select {
		case <-ctx.Done():
			logger.Info("CSV batch cancelled", "id", batchID)
			p.db.Model(&Batch{}).Where("id = ?", batchID).Update("status", BatchCancelled)
			return
		default:
		}

		p.db.Model(&Batch{}).Where("id = ?", batchID).Update("current_row", rows[i].RowNum)

		if p.processRow(ctx, &batch, &rows[i]) {
			p.db.Model(&Batch{}).Where("id = ?", batchID).
				UpdateColumn("success_rows", gorm.Expr("success_rows + 1"))
		} else {
			p.db.Model(&Batch{}).Where("id = ?", batchID).
				UpdateColumn("failed_rows", gorm.Expr("failed_rows + 1"))
		}
	}

	now = time.Now()
	p.db.Model(&Batch{}).Where("id = ?", batchID).Updates(map[string]any{
		"status":       BatchCompleted,
		"completed_at": now,
	})
	logger.Info("CSV batch completed", "id", batchID)
}

// processRow creates a session for row's source and drives it through the
// full pipeline (spec C3-C11) in one Orchestrator.Run call.
func (p *Processor) processRow(ctx context.Context, batch *Batch, row *Row) bool {
	start := time.Now()
	p.db.Model(row).Updates(map[string]any{"status": RowProcessing, "started_at": start})
	logger.Info("Processing CSV row", "batch", batch.ID, "row", row.RowNum, "source", row.Source)

	sessionID, err := p.store.CreateSession("")
	if err != nil {
		return p.failRow(row, "failed to create session: "+err.Error())
	}
	p.db.Model(row).Update("session_id", sessionID)

	opts := pipeline.Options{
		SessionID:               sessionID,
		TargetLanguage:          batch.TargetLanguage,
		PreserveBackgroundMusic: batch.PreserveBackgroundMusic,
	}
	if _, err := ingest.ValidateURL(row.Source); err == nil {
		opts.VideoURL = row.Source
	} else {
		opts.UploadedAudioPath = row.Source
	}

	result, err := p.orchestrator.Run(ctx, opts)
	if err != nil {
		return p.failRow(row, "pipeline run failed: "+err.Error())
	}
	if result.Stage != pipeline.StageCompleted {
		return p.failRow(row, fmt.Sprintf("pipeline halted at stage %q", result.Stage))
	}

	now := time.Now()
	p.db.Model(row).Updates(map[string]any{
		"status":       RowCompleted,
		"output_path":  result.OutputPath,
		"completed_at": now,
	})
	logger.Info("CSV row completed", "batch", batch.ID, "row", row.RowNum, "duration", time.Since(start))
	return true
}

func (p *Processor) failRow(row *Row, msg string) bool {
	now := time.Now()
	p.db.Model(row).Updates(map[string]any{
		"status":        RowFailed,
		"error_message": msg,
		"completed_at":  now,
	})
	logger.Error("CSV row failed", "row", row.RowNum, "error", msg)
	return false
}

func (p *Processor) failBatch(batchID, msg string) {
	now := time.Now()
	p.db.Model(&Batch{}).Where("id = ?", batchID).Updates(map[string]any{
		"status":        BatchFailed,
		"error_message": msg,
		"completed_at":  now,
	})
	logger.Error("CSV batch failed", "id", batchID, "error", msg)
}

// parseCSV extracts usable sources (video URLs or local file paths) from
// a CSV file, skipping a header row if one is present.
func parseCSV(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var sources []string
	isFirstRow := true

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("CSV parse error: %w", err)
		}

		if isFirstRow {
			isFirstRow = false
			isHeader := false
			for _, field := range record {
				f := strings.TrimSpace(strings.ToLower(field))
				if f == "url" || f == "source" || f == "path" {
					isHeader = true
					break
				}
			}
			if isHeader {
				continue
			}
		}

		for _, field := range record {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if _, err := ingest.ValidateURL(field); err == nil {
				sources = append(sources, field)
				break
			}
			if _, err := os.Stat(field); err == nil {
				sources = append(sources, field)
				break
			}
		}
	}

	return sources, nil
}
