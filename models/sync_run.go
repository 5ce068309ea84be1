package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/catalog_search/config"
)

const (
	SyncRunStatusSuccess = "success"
	SyncRunStatusPartial = "partial"
)

// SyncRun is one completed non-empty cycle for one entity type. Empty
// cycles are not recorded to keep the table readable under fast polling.
type SyncRun struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	CorrelationId   string    `gorm:"size:64;index" json:"correlation_id"`
	EntityType      string    `gorm:"size:50;index;not null" json:"entity_type"`
	Status          string    `gorm:"size:20;not null" json:"status"`
	RecordsSynced   int       `json:"records_synced"`
	SkipCount       int       `json:"skip_count"`
	WatermarkBefore string    `gorm:"size:128" json:"watermark_before"`
	WatermarkAfter  string    `gorm:"size:128" json:"watermark_after"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMs      int64     `json:"duration_ms"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SyncSkip is one permanently skipped source row: either a transform
// validation failure or a per-document rejection from the index. These
// rows are the only user-visible record of skipped data.
type SyncSkip struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncRunId  uint      `gorm:"index" json:"sync_run_id"`
	EntityType string    `gorm:"size:50;index;not null" json:"entity_type"`
	SourceId   string    `gorm:"size:64;index" json:"source_id"`
	ErrorCode  string    `gorm:"size:64" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&SyncRun{},
		&SyncSkip{},
	)
	if err != nil {
		panic(err)
	}
}

func CreateSyncRun(ctx context.Context, run *SyncRun) error {
	return config.GetDB().WithContext(ctx).Create(run).Error
}

func CreateSyncSkips(ctx context.Context, skips []SyncSkip) error {
	if len(skips) == 0 {
		return nil
	}
	return config.GetDB().WithContext(ctx).Create(&skips).Error
}

func RecentSyncRuns(ctx context.Context, entityType string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []SyncRun
	q := config.GetDB().WithContext(ctx).Order("id DESC").Limit(limit)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func RecentSyncSkips(ctx context.Context, entityType string, limit int) ([]SyncSkip, error) {
	if limit <= 0 {
		limit = 50
	}
	var skips []SyncSkip
	q := config.GetDB().WithContext(ctx).Order("id DESC").Limit(limit)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if err := q.Find(&skips).Error; err != nil {
		return nil, err
	}
	return skips, nil
}

type SkipTotal struct {
	EntityType string `json:"entity_type"`
	Total      int64  `json:"total"`
}

func SkipTotals(ctx context.Context) ([]SkipTotal, error) {
	var totals []SkipTotal
	err := config.GetDB().WithContext(ctx).
		Model(&SyncSkip{}).
		Select("entity_type, COUNT(*) AS total").
		Group("entity_type").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// LastSyncRun returns the most recent run for an entity type, or nil.
func LastSyncRun(ctx context.Context, entityType string) (*SyncRun, error) {
	runs, err := RecentSyncRuns(ctx, entityType, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
