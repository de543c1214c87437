package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"bitbucket.org/mmdatafocus/costing_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// authorizeAdminOnly gates destructive ops endpoints behind a shared
// internal token. The service runs on a private network; callers are
// other backend services, not browsers.
func authorizeAdminOnly(c *gin.Context) error {
	want := strings.TrimSpace(os.Getenv("INTERNAL_ADMIN_TOKEN"))
	if want == "" {
		return errors.New("admin endpoints disabled (INTERNAL_ADMIN_TOKEN not set)")
	}
	if c.GetHeader("x-admin-token") != want {
		return errors.New("unauthorized")
	}
	return nil
}

func requestContext(c *gin.Context, businessId string) context.Context {
	ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
	actor := strings.TrimSpace(c.GetHeader("x-actor"))
	if actor == "" {
		actor = "system"
	}
	ctx = utils.SetActorInContext(ctx, actor)
	// Attach to the request too so middleware (error logger) sees it.
	c.Request = c.Request.WithContext(ctx)
	return ctx
}

// adminContext marks the request admin after token auth. The tenant
// guard honors the flag for legitimately cross-tenant ops, and the
// error logger records that the admin token was in play.
func adminContext(c *gin.Context, businessId string) context.Context {
	ctx := utils.SetIsAdminInContext(requestContext(c, businessId), true)
	c.Request = c.Request.WithContext(ctx)
	return ctx
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, utils.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrLayerInUse), errors.Is(err, utils.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type receiveLayerRequest struct {
	BusinessId  string          `json:"business_id"`
	Sku         string          `json:"sku"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ReceivedAt  *time.Time      `json:"received_at"`
	ReferenceId string          `json:"reference_id"`
	CreatedBy   string          `json:"created_by"`
}

func receiveLayerHandler(refType models.LayerReferenceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		var req receiveLayerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.Sku == "" || req.ReferenceId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id, sku and reference_id are required"})
			return
		}
		receivedAt := time.Now().UTC()
		if req.ReceivedAt != nil {
			receivedAt = *req.ReceivedAt
		}
		ctx := requestContext(c, req.BusinessId)

		var layer *models.CostLayer
		var created bool
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			layer, created, txErr = workflow.ReceiveCostLayer(tx, logger, &workflow.ReceiveCostLayerInput{
				BusinessId:    req.BusinessId,
				Sku:           req.Sku,
				Qty:           req.Qty,
				UnitCost:      req.UnitCost,
				ReceivedAt:    receivedAt,
				ReferenceType: refType,
				ReferenceId:   req.ReferenceId,
				CreatedBy:     req.CreatedBy,
			})
			return txErr
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"layer": layer, "created": created})
	}
}

type bundleComponentRequest struct {
	ComponentSku string          `json:"component_sku"`
	QtyPerSet    decimal.Decimal `json:"qty_per_set"`
}

type bundleRecipeRequest struct {
	BusinessId string                   `json:"business_id"`
	BundleSku  string                   `json:"bundle_sku"`
	Name       string                   `json:"name"`
	Components []bundleComponentRequest `json:"components"`
	CreatedBy  string                   `json:"created_by"`
}

func upsertBundleRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bundleRecipeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.BundleSku == "" || len(req.Components) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id, bundle_sku and components are required"})
			return
		}
		seen := make(map[string]bool, len(req.Components))
		components := make([]models.BundleComponent, 0, len(req.Components))
		for _, comp := range req.Components {
			if comp.ComponentSku == "" || comp.ComponentSku == req.BundleSku {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid component sku"})
				return
			}
			if !comp.QtyPerSet.IsPositive() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "qty_per_set must be positive"})
				return
			}
			if seen[comp.ComponentSku] {
				c.JSON(http.StatusBadRequest, gin.H{"error": "duplicate component sku " + comp.ComponentSku})
				return
			}
			seen[comp.ComponentSku] = true
			components = append(components, models.BundleComponent{
				ComponentSku: comp.ComponentSku,
				QtyPerSet:    comp.QtyPerSet,
			})
		}

		ctx := requestContext(c, req.BusinessId)
		bundle := &models.ProductBundle{
			BusinessId: req.BusinessId,
			BundleSku:  req.BundleSku,
			Name:       req.Name,
			CreatedBy:  req.CreatedBy,
			Components: components,
		}
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.UpsertBundleRecipe(ctx, tx, bundle)
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		// Drop the stale cached recipe; readers refill on next hit.
		_ = config.RemoveRedisKey(bundleRecipeCacheKey(req.BusinessId, req.BundleSku))
		c.JSON(http.StatusOK, gin.H{"bundle": bundle})
	}
}

func bundleRecipeCacheKey(businessId string, sku string) string {
	return "bundleRecipe:" + businessId + ":" + sku
}

func getBundleRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.Query("business_id")
		sku := c.Param("sku")
		if businessId == "" || sku == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and sku are required"})
			return
		}
		ctx := requestContext(c, businessId)

		// Recipes change rarely; serve from the Redis cache when possible.
		// The allocation path always reads inside its own transaction, so
		// the cache only ever fronts this read endpoint.
		cacheKey := bundleRecipeCacheKey(businessId, sku)
		var cached models.ProductBundle
		if found, cacheErr := config.GetRedisObject(cacheKey, &cached); cacheErr == nil && found {
			c.JSON(http.StatusOK, gin.H{"bundle": &cached})
			return
		}

		bundle, err := models.GetBundleBySku(ctx, config.GetDB(), businessId, sku)
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "bundle not found"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = config.SetRedisObject(cacheKey, bundle, 10*time.Minute)
		c.JSON(http.StatusOK, gin.H{"bundle": bundle})
	}
}

type allocateRequest struct {
	BusinessId string          `json:"business_id"`
	OrderId    string          `json:"order_id"`
	Sku        string          `json:"sku"`
	Qty        decimal.Decimal `json:"qty"`
	ShippedAt  *time.Time      `json:"shipped_at"`
	Method     string          `json:"method"`
	CreatedBy  string          `json:"created_by"`
}

func allocateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		var req allocateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		method := models.CostingMethod(strings.ToUpper(strings.TrimSpace(req.Method)))
		if method == "" {
			method = models.CostingMethodFifo
		}
		ctx := requestContext(c, req.BusinessId)
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		shippedAt := time.Now().UTC()
		if req.ShippedAt != nil {
			shippedAt = *req.ShippedAt
		}

		release, err := utils.AllocationLock(ctx, req.BusinessId, req.Sku, "server.go", "allocateHandler")
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		defer release()

		var result *models.AllocationResult
		err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			result, txErr = workflow.ApplyCOGSForOrderShipped(tx, logger, &workflow.AllocateCOGSInput{
				BusinessId:    req.BusinessId,
				OrderId:       req.OrderId,
				Sku:           req.Sku,
				Qty:           req.Qty,
				ShippedAt:     shippedAt,
				Method:        method,
				CreatedBy:     req.CreatedBy,
				CorrelationId: cid,
			})
			return txErr
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "correlation_id": cid})
	}
}

type returnReversalRequest struct {
	BusinessId string          `json:"business_id"`
	OrderId    string          `json:"order_id"`
	Sku        string          `json:"sku"`
	Qty        decimal.Decimal `json:"qty"`
	ReturnId   string          `json:"return_id"`
	ReturnedAt *time.Time      `json:"returned_at"`
	Reason     string          `json:"reason"`
	CreatedBy  string          `json:"created_by"`
}

func returnReversalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		var req returnReversalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := requestContext(c, req.BusinessId)
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		returnedAt := time.Now().UTC()
		if req.ReturnedAt != nil {
			returnedAt = *req.ReturnedAt
		}

		var result *workflow.ReversalResult
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			result, txErr = workflow.ApplyReturnReverseCOGS(tx, logger, &workflow.ReturnReverseCOGSInput{
				BusinessId:    req.BusinessId,
				OrderId:       req.OrderId,
				Sku:           req.Sku,
				Qty:           req.Qty,
				ReturnId:      req.ReturnId,
				ReturnedAt:    returnedAt,
				Reason:        req.Reason,
				CreatedBy:     req.CreatedBy,
				CorrelationId: cid,
			})
			return txErr
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "correlation_id": cid})
	}
}

type clearAllocationsRequest struct {
	BusinessId string `json:"business_id"`
	OrderId    string `json:"order_id"`
	Sku        string `json:"sku"`
	Reason     string `json:"reason"`
	CreatedBy  string `json:"created_by"`
}

func clearAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		logger := config.GetLogger()
		var req clearAllocationsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.OrderId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and order_id are required"})
			return
		}
		ctx := adminContext(c, req.BusinessId)
		cid, _ := utils.GetCorrelationIdFromContext(ctx)

		var results []*workflow.ReversalResult
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			if req.Sku != "" {
				var one *workflow.ReversalResult
				one, txErr = workflow.ClearOrderKey(tx, logger, req.BusinessId, req.OrderId, req.Sku, req.Reason, req.CreatedBy, cid)
				if txErr == nil {
					results = []*workflow.ReversalResult{one}
				}
			} else {
				results, txErr = workflow.ClearOrderAllocations(tx, logger, req.BusinessId, req.OrderId, req.Reason, req.CreatedBy, cid)
			}
			return txErr
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results, "correlation_id": cid})
	}
}

type layerVoidRequest struct {
	BusinessId string `json:"business_id"`
	LayerId    int    `json:"layer_id"`
	Reason     string `json:"reason"`
	CreatedBy  string `json:"created_by"`
}

func layerVoidHandler(cascade bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		logger := config.GetLogger()
		var req layerVoidRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.LayerId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and layer_id are required"})
			return
		}
		ctx := adminContext(c, req.BusinessId)
		cid, _ := utils.GetCorrelationIdFromContext(ctx)

		var result *workflow.LayerVoidResult
		err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			if cascade {
				result, txErr = workflow.VoidCostLayerWithReversal(tx, logger, req.BusinessId, req.LayerId, req.Reason, req.CreatedBy, cid)
			} else {
				result, txErr = workflow.VoidCostLayer(tx, logger, req.BusinessId, req.LayerId, req.Reason, req.CreatedBy)
			}
			return txErr
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "correlation_id": cid})
	}
}

func stockOnHandHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.Query("business_id")
		sku := c.Param("sku")
		if businessId == "" || sku == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and sku are required"})
			return
		}
		ctx := requestContext(c, businessId)
		onHand, err := models.GetSkuOnHand(config.GetDB().WithContext(ctx), businessId, sku)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stock": onHand})
	}
}

func ledgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.Query("business_id")
		orderId := c.Query("order_id")
		sku := c.Query("sku")
		if businessId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id is required"})
			return
		}
		if orderId == "" && sku == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "order_id or sku is required"})
			return
		}
		limit := 500
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
				limit = n
			}
		}
		ctx := requestContext(c, businessId)

		q := config.GetDB().WithContext(ctx).
			Where("business_id = ?", businessId).
			Order("id ASC").
			Limit(limit)
		if orderId != "" {
			q = q.Where("order_id = ?", orderId)
		}
		if sku != "" {
			q = q.Where("sku = ?", sku)
		}
		var lines []*models.CogsAllocation
		if err := q.Find(&lines).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		net := decimal.Zero
		for _, l := range lines {
			net = net.Add(l.Amount)
		}
		c.JSON(http.StatusOK, gin.H{"lines": lines, "net_amount": net})
	}
}

type outboxReplayRequest struct {
	BusinessId string `json:"business_id"`
	RecordId   int    `json:"record_id"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and record_id are required"})
			return
		}
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		ctx := adminContext(c, req.BusinessId)
		now := time.Now().UTC()
		if err := db.WithContext(ctx).
			Model(&models.RebuildOutboxRecord{}).
			Where("id = ? AND business_id = ?", req.RecordId, req.BusinessId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"business_id":     req.BusinessId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-admin-token", "x-actor")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/internal/costing/opening-balance", receiveLayerHandler(models.LayerReferenceTypeOpeningBalance))
	r.POST("/internal/costing/stock-receipt", receiveLayerHandler(models.LayerReferenceTypeStockIn))
	r.POST("/internal/costing/bundle-recipe", upsertBundleRecipeHandler())
	r.GET("/internal/costing/bundle-recipe/:sku", getBundleRecipeHandler())
	r.POST("/internal/costing/allocate", allocateHandler())
	r.POST("/internal/costing/return-reversal", returnReversalHandler())
	r.GET("/internal/costing/stock-on-hand/:sku", stockOnHandHandler())
	r.GET("/internal/costing/ledger", ledgerHandler())
	// Ops tooling (admin only).
	r.POST("/internal/costing/clear-allocations", clearAllocationsHandler())
	r.POST("/internal/costing/layer-void", layerVoidHandler(false))
	r.POST("/internal/costing/layer-void-cascade", layerVoidHandler(true))
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
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

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the rebuild outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go func() {
		if err := config.EnsureRebuildTopic(dispatcherCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("rebuild topic bootstrap failed: " + err.Error())
		}
	}()
	go workflow.NewRebuildDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("costing API listening on port ", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			ctx := c.Request.Context()
			entry := logger.WithField("path", c.Request.URL.Path)
			if businessId, ok := utils.GetBusinessIdFromContext(ctx); ok {
				entry = entry.WithField("business_id", businessId)
			}
			if actor, ok := utils.GetActorFromContext(ctx); ok {
				entry = entry.WithField("actor", actor)
			}
			if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
				entry = entry.WithField("admin", true)
			}
			entry.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
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
