package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/catalog_search/appctx"
	"github.com/google/uuid"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyEntityType    = appctx.ContextKeyEntityType
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// CorrelationIdFromContextOrNew never returns an empty id; background
// workers get a fresh one per cycle.
func CorrelationIdFromContextOrNew(ctx context.Context) string {
	if cid, ok := GetCorrelationIdFromContext(ctx); ok && cid != "" {
		return cid
	}
	return uuid.NewString()
}

func GetEntityTypeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEntityType)
}

func SetEntityTypeInContext(ctx context.Context, entityType string) context.Context {
	return appctx.Set(ctx, ContextKeyEntityType, entityType)
}
