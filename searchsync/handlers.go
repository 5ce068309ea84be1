package searchsync

import (
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/catalog_search/config"
	"bitbucket.org/mmdatafocus/catalog_search/models"
	"github.com/gin-gonic/gin"
)

type EntityStatusResponse struct {
	EntityType string          `json:"entityType"`
	Watermark  string          `json:"watermark"`
	LastRun    *models.SyncRun `json:"lastRun"`
	SkipTotal  int64           `json:"skipTotal"`
}

// SyncSettingsResponse echoes the effective sync knobs so operators can
// confirm what a running instance was started with.
type SyncSettingsResponse struct {
	BatchSize    int    `json:"batchSize"`
	PollInterval string `json:"pollInterval"`
	LockTTL      string `json:"lockTtl"`
}

type StatusResponse struct {
	Entities []EntityStatusResponse `json:"entities"`
	Settings *SyncSettingsResponse  `json:"settings,omitempty"`
}

func StatusHandler(svc *Service, checkpoints CheckpointStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		totals, err := models.SkipTotals(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		totalByEntity := make(map[string]int64, len(totals))
		for _, t := range totals {
			totalByEntity[t.EntityType] = t.Total
		}

		resp := StatusResponse{Entities: make([]EntityStatusResponse, 0, len(svc.EntityTypes()))}
		if s := config.GetSettings(); s != nil {
			resp.Settings = &SyncSettingsResponse{
				BatchSize:    s.BatchSize,
				PollInterval: s.PollInterval.String(),
				LockTTL:      s.LockTTL.String(),
			}
		}
		for _, entityType := range svc.EntityTypes() {
			wm, _, err := checkpoints.Get(ctx, entityType)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			lastRun, err := models.LastSyncRun(ctx, entityType)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			resp.Entities = append(resp.Entities, EntityStatusResponse{
				EntityType: entityType,
				Watermark:  wm.Encode(),
				LastRun:    lastRun,
				SkipTotal:  totalByEntity[entityType],
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

func RunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := strings.TrimSpace(c.Query("entity"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

		runs, err := models.RecentSyncRuns(c.Request.Context(), entityType, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": runs})
	}
}

func SkipsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := strings.TrimSpace(c.Query("entity"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

		skips, err := models.RecentSyncSkips(c.Request.Context(), entityType, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": skips})
	}
}

type TriggerRequest struct {
	EntityType string `json:"entityType"`
}

// TriggerHandler nudges workers out of their poll sleep. It never
// bypasses the runner state machine; a worker mid-cycle just runs one
// extra cycle afterwards.
func TriggerHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRequest
		_ = c.ShouldBindJSON(&req)

		if strings.TrimSpace(req.EntityType) == "" {
			svc.TriggerAll()
			c.JSON(http.StatusAccepted, gin.H{"triggered": svc.EntityTypes()})
			return
		}
		if !svc.Trigger(req.EntityType) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown entity type"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"triggered": []string{req.EntityType}})
	}
}
