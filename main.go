package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"paper-pipeline/config"
	"paper-pipeline/models"
	"paper-pipeline/notify"
	"paper-pipeline/pipeline"
	"paper-pipeline/providers"
	"paper-pipeline/providers/arxiv"
	"paper-pipeline/providers/crossref"
	"paper-pipeline/providers/europepmc"
	"paper-pipeline/providers/openalex"
	"paper-pipeline/providers/pubmed"
	"paper-pipeline/providers/rxiv"
	"paper-pipeline/providers/semanticscholar"
	"paper-pipeline/providers/unpaywall"
	"paper-pipeline/services"
	"paper-pipeline/storage"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var triggerCounter prometheus.Counter

func init() {
	triggerCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_trigger_requests_total",
			Help: "Total number of pipeline runs triggered via the API.",
		},
	)
	prometheus.MustRegister(triggerCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(
		&models.User{},
		&models.Article{},
		&models.Author{},
		&models.ArticleAuthorOrder{},
		&models.ArticleContent{},
		&models.ReferenceLink{},
		&models.AnalyzedSegment{},
	); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	// Quellen-Adapter
	adapters := []providers.Adapter{
		crossref.NewFetcher(cfg, logging),
		pubmed.NewFetcher(cfg, logging),
		europepmc.NewFetcher(cfg, logging),
		semanticscholar.NewFetcher(cfg, logging),
		arxiv.NewFetcher(cfg, logging),
		rxiv.NewFetcher(cfg, logging),
		openalex.NewFetcher(cfg, logging),
		unpaywall.NewFetcher(cfg, logging),
	}

	// Services
	var s3Client *awss3.Client
	if cfg.S3Enabled() {
		s3Client, err = storage.NewS3Client(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		logging.Info("S3 storage enabled", zap.String("bucket", cfg.StratoS3Bucket))
	} else {
		logging.Info("S3 storage disabled, PDFs werden nur extrahiert, nicht archiviert.")
	}

	mergeService := services.NewMergeService(cfg.PriorityOrder(), logging)
	resolveService := services.NewResolveService(logging)
	structurer := services.NewStructurer(logging)
	refService := services.NewReferenceService(logging, cfg.SegmentMinLength)
	ingestor := services.NewIngestor(db, logging, mergeService, resolveService, structurer, refService)
	doiLookup := services.NewDOILookupService(cfg, logging)
	analysis := services.NewAnalysisService(cfg, logging)
	pdfEnrich := services.NewPDFEnrichService(cfg, s3Client, logging)

	hub := notify.NewHub(logging)
	pool := pipeline.NewWorkerPool(cfg.WorkerCount, cfg.JobQueueSize, logging, hub)
	pool.Start()
	dispatcher := pipeline.NewDispatcher(db, logging, pool, hub, resolveService, ingestor, refService, adapters, pdfEnrich)

	// Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupPipelineRoutes(router, dispatcher, logging)
	setupArticleRoutes(router, db, ingestor, s3Client, cfg, logging)
	setupReferenceRoutes(router, db, dispatcher, doiLookup, logging)
	setupSegmentRoutes(router, db, analysis, logging)
	setupNotificationRoutes(router, hub)

	// Cron: nächtlicher DOI-Lookup für alle offenen Referenzen, gefundene
	// DOIs gehen direkt in die Fetch-Pipeline.
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled DOI lookup job...")
		resolved, failed := runPendingDOILookups(db, doiLookup, dispatcher, logging)
		logging.Info("DOI lookup job completed", zap.Int("resolved", resolved), zap.Int("failed", failed))
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("Shutdown signal received...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown error", zap.Error(err))
	}
	cronScheduler.Stop()
	pool.Stop()
	logging.Info("Shutdown complete.")
}

// parseIDType bildet den Request-Parameter auf den internen Typ ab.
func parseIDType(raw string) (services.IDType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DOI":
		return services.IDTypeDOI, true
	case "PMID", "PUBMED":
		return services.IDTypePMID, true
	case "ARXIV":
		return services.IDTypeArxiv, true
	case "PMCID", "PMC":
		return services.IDTypePMCID, true
	}
	return "", false
}

func setupPipelineRoutes(router *gin.Engine, dispatcher *pipeline.Dispatcher, log *zap.Logger) {
	router.POST("/pipeline/trigger", func(c *gin.Context) {
		type TriggerRequest struct {
			IdentifierType string `json:"identifier_type" binding:"required"`
			Value          string `json:"value" binding:"required"`
			UserID         *uint  `json:"user_id"`
		}

		var req TriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		idType, ok := parseIDType(req.IdentifierType)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identifier_type must be one of doi, pmid, arxiv, pmcid"})
			return
		}

		taskID, err := dispatcher.Dispatch(pipeline.Seed{
			IDType: idType,
			Value:  req.Value,
			UserID: req.UserID,
		})
		if err != nil {
			log.Error("Pipeline trigger failed", zap.String("value", req.Value), zap.Error(err))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "task_id": taskID})
			return
		}
		triggerCounter.Inc()
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
	})
}

func setupArticleRoutes(router *gin.Engine, db *gorm.DB, ingestor *services.Ingestor, s3Client *awss3.Client, cfg *config.Config, log *zap.Logger) {
	rg := router.Group("/articles")

	// Archivierte PDF aus dem S3-Bucket ausliefern.
	rg.GET("/:id/pdf", func(c *gin.Context) {
		if s3Client == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pdf archive not configured"})
			return
		}
		var article models.Article
		if err := db.First(&article, c.Param("id")).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
				return
			}
			log.Error("DB error loading article", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if article.PDFObjectKey == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no archived pdf for this article"})
			return
		}

		data, err := storage.DownloadFile(c.Request.Context(), s3Client, cfg.StratoS3Bucket, article.PDFObjectKey)
		if err != nil {
			log.Error("PDF download from S3 failed", zap.String("key", article.PDFObjectKey), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "pdf archive unavailable"})
			return
		}
		c.Data(http.StatusOK, "application/pdf", data)
	})

	// Manuell gelieferter Volltext: JATS-XML oder BioC-Passagen-JSON.
	rg.POST("/:id/fulltext", func(c *gin.Context) {
		type FullTextUpload struct {
			Format  string `json:"format" binding:"required"`
			Content string `json:"content" binding:"required"`
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid article id"})
			return
		}
		var req FullTextUpload
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		article, segments, err := ingestor.IngestManualFullText(uint(id), req.Format, req.Content)
		if err != nil {
			log.Error("Manual full text ingest failed", zap.Uint64("article_id", id), zap.Error(err))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"article_id": article.ID, "segments": segments})
	})

	rg.GET("/", func(c *gin.Context) {
		query := db.Model(&models.Article{}).Preload("Authors.Author")
		if userID := c.Query("user_id"); userID != "" {
			query = query.Where("user_id = ?", userID)
		}
		if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && limit > 0 {
			query = query.Limit(limit)
		}

		var articles []models.Article
		if err := query.Order("created_at desc").Find(&articles).Error; err != nil {
			log.Error("Database query for articles failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, articles)
	})

	rg.GET("/:id", func(c *gin.Context) {
		var article models.Article
		if err := db.Preload("Authors.Author").First(&article, c.Param("id")).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
				return
			}
			log.Error("DB error loading article", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, article)
	})

	// Provenance-Cache: welche Quelle hat was geliefert.
	rg.GET("/:id/contents", func(c *gin.Context) {
		var contents []models.ArticleContent
		if err := db.Where("article_id = ?", c.Param("id")).Order("source_api_name, format_type").Find(&contents).Error; err != nil {
			log.Error("DB error loading article contents", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, contents)
	})

	rg.GET("/:id/references", func(c *gin.Context) {
		query := db.Where("source_article_id = ?", c.Param("id"))
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		var refs []models.ReferenceLink
		if err := query.Order("id").Find(&refs).Error; err != nil {
			log.Error("DB error loading references", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, refs)
	})

	rg.GET("/:id/segments", func(c *gin.Context) {
		var segments []models.AnalyzedSegment
		if err := db.Preload("CitedReferences").Where("article_id = ?", c.Param("id")).Order("id").Find(&segments).Error; err != nil {
			log.Error("DB error loading segments", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, segments)
	})
}

func setupReferenceRoutes(router *gin.Engine, db *gorm.DB, dispatcher *pipeline.Dispatcher, doiLookup *services.DOILookupService, log *zap.Logger) {
	rg := router.Group("/references")

	// Synchroner DOI-Lookup für eine einzelne Referenz; ein Treffer startet
	// sofort den Fetch-Lauf.
	rg.POST("/:id/doi-lookup", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}

		followUp, err := doiLookup.Lookup(c.Request.Context(), db, uint(id))
		if err != nil {
			log.Error("DOI lookup failed", zap.Uint64("ref_link_id", id), zap.Error(err))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if followUp == nil {
			c.JSON(http.StatusOK, gin.H{"found": false})
			return
		}

		taskID := dispatchForReference(db, dispatcher, followUp, log)
		c.JSON(http.StatusAccepted, gin.H{"found": true, "doi": followUp.DOI, "task_id": taskID})
	})

	// Manuelle Eingabe: mit DOI wird sofort gefetcht, ohne DOI bleiben die
	// Metadaten als manueller Eintrag stehen.
	rg.PUT("/:id/manual", func(c *gin.Context) {
		type ManualEntry struct {
			DOI     string          `json:"doi"`
			Title   string          `json:"title"`
			Authors string          `json:"authors"`
			Year    string          `json:"year"`
			Extra   json.RawMessage `json:"extra"`
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		var req ManualEntry
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		var link models.ReferenceLink
		if err := db.First(&link, uint(id)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "reference not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		manual := map[string]any{}
		if len(link.ManualDataJSON) > 0 {
			json.Unmarshal(link.ManualDataJSON, &manual)
		}
		if req.Title != "" {
			manual["title"] = req.Title
		}
		if req.Authors != "" {
			manual["authors"] = req.Authors
		}
		if req.Year != "" {
			manual["year"] = req.Year
		}
		if len(req.Extra) > 0 {
			manual["extra"] = json.RawMessage(req.Extra)
		}
		if merged, err := json.Marshal(manual); err == nil {
			link.ManualDataJSON = merged
		}

		if doi := services.NormalizeIdentifier(services.IDTypeDOI, req.DOI); doi != "" {
			link.TargetArticleDOI = doi
			link.Status = models.RefStatusDOIProvidedNeedsFetch
		} else if link.Status == models.RefStatusPendingDOIInput || link.Status == models.RefStatusErrorDOILookup {
			link.Status = models.RefStatusManualMetadataOnly
		}

		if err := db.Save(&link).Error; err != nil {
			log.Error("DB error saving manual reference entry", zap.Uint64("ref_link_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update reference"})
			return
		}

		resp := gin.H{"status": link.Status}
		if link.Status == models.RefStatusDOIProvidedNeedsFetch {
			fu := &services.FollowUp{DOI: link.TargetArticleDOI, RefLinkID: link.ID}
			resp["task_id"] = dispatchForReference(db, dispatcher, fu, log)
		}
		c.JSON(http.StatusOK, resp)
	})

	// Erneuter Fetch-Anstoß für eine Referenz mit bekannter Ziel-DOI.
	rg.POST("/:id/fetch", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		var link models.ReferenceLink
		if err := db.First(&link, uint(id)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "reference not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if link.TargetArticleDOI == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "reference has no target DOI yet"})
			return
		}

		fu := &services.FollowUp{DOI: link.TargetArticleDOI, RefLinkID: link.ID}
		taskID := dispatchForReference(db, dispatcher, fu, log)
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
	})
}

func setupSegmentRoutes(router *gin.Engine, db *gorm.DB, analysis *services.AnalysisService, log *zap.Logger) {
	rg := router.Group("/segments")

	rg.POST("/:id/analyze", func(c *gin.Context) {
		type AnalyzeRequest struct {
			UserID uint `json:"user_id" binding:"required"`
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment id"})
			return
		}
		var req AnalyzeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		segment, err := analysis.AnalyzeSegment(c.Request.Context(), db, uint(id), req.UserID)
		if err != nil {
			log.Error("Segment analysis failed", zap.Uint64("segment_id", id), zap.Error(err))
			status := http.StatusUnprocessableEntity
			if strings.Contains(err.Error(), "permission") {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, segment)
	})
}

func setupNotificationRoutes(router *gin.Engine, hub *notify.Hub) {
	router.GET("/notifications/:userID/stream", func(c *gin.Context) {
		userID, err := strconv.ParseUint(c.Param("userID"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}

		ch := hub.Subscribe(uint(userID))
		defer hub.Unsubscribe(uint(userID), ch)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent("message", ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})
}

// dispatchForReference startet den Fetch-Lauf für eine aufgelöste Referenz
// im Namen des Besitzers des Quell-Artikels.
func dispatchForReference(db *gorm.DB, dispatcher *pipeline.Dispatcher, fu *services.FollowUp, log *zap.Logger) string {
	var link models.ReferenceLink
	var userID *uint
	if err := db.Preload("SourceArticle").First(&link, fu.RefLinkID).Error; err == nil {
		userID = link.SourceArticle.UserID
	}

	refLinkID := fu.RefLinkID
	taskID, err := dispatcher.Dispatch(pipeline.Seed{
		IDType:          services.IDTypeDOI,
		Value:           fu.DOI,
		UserID:          userID,
		OriginRefLinkID: &refLinkID,
	})
	if err != nil {
		log.Error("Reference fetch dispatch failed",
			zap.String("doi", fu.DOI), zap.Uint("ref_link_id", refLinkID), zap.Error(err))
	}
	return taskID
}

// runPendingDOILookups arbeitet alle Referenzen im Status pending_doi_input
// ab. Treffer werden sofort als Fetch-Läufe eingeplant.
func runPendingDOILookups(db *gorm.DB, doiLookup *services.DOILookupService, dispatcher *pipeline.Dispatcher, log *zap.Logger) (resolved, failed int) {
	ids, err := doiLookup.PendingIDs(db)
	if err != nil {
		log.Error("Loading pending references failed", zap.Error(err))
		return 0, 0
	}

	ctx := context.Background()
	for _, id := range ids {
		followUp, err := doiLookup.Lookup(ctx, db, id)
		if err != nil {
			log.Warn("Scheduled DOI lookup failed", zap.Uint("ref_link_id", id), zap.Error(err))
			failed++
			continue
		}
		if followUp == nil {
			failed++
			continue
		}
		dispatchForReference(db, dispatcher, followUp, log)
		resolved++
	}
	return resolved, failed
}
