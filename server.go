package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/medstock_backend/config"
	"github.com/mmdatafocus/medstock_backend/models"
	"github.com/mmdatafocus/medstock_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("medstock-ledger")

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination: SIGTERM on revision shutdown, handle for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB is ready, app endpoints return 503.
	r := gin.New()
	// Correlation id + caller identity: attach once per request so domain
	// code reads them from context, never from gin.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if v := c.GetHeader("x-user-id"); v != "" {
			if userId, err := strconv.Atoi(v); err == nil {
				ctx = utils.SetUserIdInContext(ctx, userId)
			}
		}
		if v := c.GetHeader("x-user-name"); v != "" {
			ctx = utils.SetUserNameInContext(ctx, v)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"db":    config.GetDB() != nil,
			"cache": config.GetRedisDB() != nil,
		})
	})

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
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(gin.Recovery())

	// ingestion boundary
	r.POST("/import/simplified", importSimplifiedHandler())
	r.POST("/import/full", importFullHandler())

	// consumption-event boundary
	r.POST("/ledger/entries", recordEntryHandler())
	r.POST("/ledger/reversals", reverseEntriesHandler())
	r.GET("/ledger/entries", listEntriesHandler())

	// query boundary
	r.GET("/items", listItemsHandler())
	r.GET("/categories", listCategoriesHandler())
	r.POST("/items", createItemHandler())
	r.PATCH("/items/:id/active", toggleItemHandler())
	r.GET("/items/:id/stock", currentStockHandler())
	r.GET("/reports/balance", monthlyReportHandler())
	r.GET("/reports/expiring", expiringHandler())

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "shutdown"}).Error(err.Error())
		}
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Fatal(err.Error())
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func abortWithError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		body["correlation_id"] = cid
	}
	switch {
	case utils.IsValidationError(err):
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, body)
	case utils.IsConflictError(err):
		c.JSON(http.StatusConflict, body)
	default:
		c.JSON(http.StatusInternalServerError, body)
	}
}

type simplifiedImportRequest struct {
	Title string     `json:"title" binding:"required"`
	Rows  [][]string `json:"rows" binding:"required"`
}

func importSimplifiedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "importSimplified")
		defer span.End()

		var req simplifiedImportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		summary, err := models.ImportSimplifiedWorkbook(ctx, req.Title, req.Rows)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

type fullImportRequest struct {
	Month int                    `json:"month" binding:"required"`
	Year  int                    `json:"year" binding:"required"`
	Rows  []models.FullImportRow `json:"rows" binding:"required"`
}

func importFullHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "importFull")
		defer span.End()

		var req fullImportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		summary, err := models.ImportFullBalances(ctx, req.Month, req.Year, req.Rows)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func recordEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewLedgerEntry
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := models.RecordEntry(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

type reverseRequest struct {
	ItemId        int                        `json:"item_id" binding:"required"`
	ReferenceType models.LedgerReferenceType `json:"reference_type" binding:"required"`
	ReferenceId   int                        `json:"reference_id" binding:"required"`
	Kind          models.LedgerEntryKind     `json:"kind" binding:"required"`
}

func reverseEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reverseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		count, err := models.ReverseEntries(c.Request.Context(), req.ItemId, req.ReferenceType, req.ReferenceId, req.Kind)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reversed": count})
	}
}

func listEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.LedgerEntryFilter
		if v := c.Query("item_id"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad item_id"})
				return
			}
			filter.ItemId = &id
		}
		if v := c.Query("kind"); v != "" {
			kind := models.LedgerEntryKind(v)
			if !kind.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad kind"})
				return
			}
			filter.Kind = &kind
		}
		if v := c.Query("from"); v != "" {
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad from date"})
				return
			}
			filter.DateFrom = &t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad to date"})
				return
			}
			filter.DateTo = &t
		}
		entries, err := models.ListEntries(c.Request.Context(), filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func listItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := models.GetTrackedItems(c.Request.Context(), utils.NilIfEmpty(c.Query("name")))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

func listCategoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		categories, err := models.GetItemCategories(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, categories)
	}
}

func createItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewTrackedItem
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := models.CreateTrackedItem(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func toggleItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad item id"})
			return
		}
		var body struct {
			IsActive *bool `json:"is_active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := models.ToggleActiveTrackedItem(c.Request.Context(), id, utils.DereferencePtr(body.IsActive))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func currentStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad item id"})
			return
		}
		period, err := models.GetCurrentStock(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, period)
	}
}

func monthlyReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		month, err := strconv.Atoi(c.Query("month"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad month"})
			return
		}
		year, err := strconv.Atoi(c.Query("year"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad year"})
			return
		}
		report, err := models.GetMonthlyBalanceReport(c.Request.Context(), month, year)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func expiringHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		before := time.Now().AddDate(0, 3, 0)
		if v := c.Query("before"); v != "" {
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad before date"})
				return
			}
			before = t
		}
		entries, err := models.GetExpiringItems(c.Request.Context(), before)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}
