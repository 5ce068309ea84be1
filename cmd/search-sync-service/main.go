package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/catalog_search/config"
	"bitbucket.org/mmdatafocus/catalog_search/models"
	"bitbucket.org/mmdatafocus/catalog_search/searchsync"
	"bitbucket.org/mmdatafocus/catalog_search/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SYNC_SERVICE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Configuration problems are fatal before the first cycle runs.
	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}
	if _, err := config.PostgresDSN(); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil || config.GetElastic() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", readyzHandler())

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type")
	r.Use(cors.New(corsConfig))

	r.Use(accessLogger(logger))
	r.Use(gin.Recovery())

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	if err := config.ConnectDatabaseWithRetry(); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
	}
	config.ConnectRedisWithRetry()
	config.ConnectElasticWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	checkpoints := searchsync.NewRedisCheckpointStore(config.GetRedisDB())
	extractor := searchsync.NewCatalogExtractor(config.GetDB())
	loader := searchsync.NewElasticLoader(config.GetElastic(), strings.TrimSpace(os.Getenv("ELASTIC_INDEX_PREFIX")))

	// Every index must exist with the expected field types before the
	// first load; a bulk against a missing index would auto-create it
	// with inferred mappings. Retried like the connects above.
	for attempt := 1; ; attempt++ {
		err := loader.EnsureIndexes(sigCtx, settings.EntityTypes)
		if err == nil {
			break
		}
		if sigCtx.Err() != nil {
			return
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "indexes",
			"attempt": attempt,
			"retryIn": sleep.String(),
		}).Error(err)
		time.Sleep(sleep)
	}

	svc := searchsync.NewService(settings, searchsync.ServiceDeps{
		Checkpoints: checkpoints,
		Extractor:   extractor,
		Loader:      loader,
		History:     searchsync.NewHistoryStore(),
		Locker:      config.GetRedisLock(),
		Logger:      logger,
	})

	// API endpoints (catalog search sync)
	r.GET("/api/sync/status", searchsync.StatusHandler(svc, checkpoints))
	r.GET("/api/sync/runs", searchsync.RunsHandler())
	r.GET("/api/sync/skips", searchsync.SkipsHandler())
	r.POST("/api/sync/trigger", searchsync.TriggerHandler(svc))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	svc.Start(sigCtx)

	select {
	case <-sigCtx.Done():
		// Workers observe cancellation at cycle boundaries; wait for
		// in-flight batches before shutting the HTTP surface down.
		svc.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// readyzHandler probes the three backing stores on demand. Unlike
// /healthz it reports 503 until every dependency answers.
func readyzHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := config.PingDatabase(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database: " + err.Error()})
			return
		}
		if err := config.PingRedis(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "redis: " + err.Error()})
			return
		}
		if err := config.PingElastic(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "elasticsearch: " + err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func accessLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
