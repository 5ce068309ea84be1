package searchsync

import (
	"context"

	"bitbucket.org/mmdatafocus/catalog_search/models"
	"bitbucket.org/mmdatafocus/catalog_search/utils"
)

// gormHistory persists run and skip records through the models package.
type gormHistory struct{}

func NewHistoryStore() HistoryStore {
	return gormHistory{}
}

func (gormHistory) SaveRun(ctx context.Context, run *RunRecord) error {
	row := models.SyncRun{
		CorrelationId:   run.CorrelationId,
		EntityType:      run.EntityType,
		Status:          run.Status,
		RecordsSynced:   run.RecordsSynced,
		SkipCount:       run.SkipCount,
		WatermarkBefore: run.WatermarkBefore,
		WatermarkAfter:  run.WatermarkAfter,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
		DurationMs:      run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	}
	if err := models.CreateSyncRun(ctx, &row); err != nil {
		return err
	}
	run.ID = row.ID
	return nil
}

func (gormHistory) SaveSkips(ctx context.Context, runID uint, skips []SkippedRow) error {
	if len(skips) == 0 {
		return nil
	}
	entityType, _ := utils.GetEntityTypeFromContext(ctx)
	rows := make([]models.SyncSkip, 0, len(skips))
	for _, s := range skips {
		rows = append(rows, models.SyncSkip{
			SyncRunId:  runID,
			EntityType: entityType,
			SourceId:   s.SourceID,
			ErrorCode:  s.Code,
			Message:    s.Reason,
		})
	}
	return models.CreateSyncSkips(ctx, rows)
}
