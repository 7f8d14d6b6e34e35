package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"bitbucket.org/mmdatafocus/billing_jobs/models"
	"bitbucket.org/mmdatafocus/billing_jobs/scanner"
	"bitbucket.org/mmdatafocus/billing_jobs/workflow"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// opsAuth guards the internal endpoints with a shared token. With no token
// configured the surface is disabled outright rather than left open.
func opsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := os.Getenv("OPS_API_TOKEN")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "ops api disabled"})
			return
		}
		if c.GetHeader("X-Ops-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func registerOpsRoutes(r *gin.Engine) {
	ops := r.Group("/internal/ops", opsAuth())
	ops.POST("/jobs/enqueue", enqueueJobHandler)
	ops.GET("/idempotency", getIdempotencyHandler)
	ops.GET("/dead-letters", listDeadLettersHandler)
	ops.POST("/dead-letters/replay", replayDeadLetterHandler)
	ops.GET("/status", opsStatusHandler)
}

type enqueueJobRequest struct {
	JobType        string          `json:"job_type" binding:"required"`
	TenantId       string          `json:"tenant_id" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	MaxAttempts    int             `json:"max_attempts"`
}

func enqueueJobHandler(c *gin.Context) {
	var req enqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := jobs.Enqueue(c.Request.Context(), req.JobType, req.TenantId, req.Payload, jobs.Options{
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		config.LogError(config.GetLogger(), "opsApi.go", "enqueueJobHandler", "enqueue job", req.JobType, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// getIdempotencyHandler looks up one ledger row so an operator can tell
// whether a unit of work ran, is in flight, or failed, and with what summary.
func getIdempotencyHandler(c *gin.Context) {
	tenantId := c.Query("tenant_id")
	key := c.Query("idempotency_key")
	if tenantId == "" || key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and idempotency_key are required"})
		return
	}

	rec, err := workflow.GetIdempotencyRecord(config.GetDB().WithContext(c.Request.Context()), tenantId, key)
	if err != nil {
		config.LogError(config.GetLogger(), "opsApi.go", "getIdempotencyHandler", "load idempotency record", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load idempotency record"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record for that key"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// opsStatusHandler reports the last completed renewal scan.
func opsStatusHandler(c *gin.Context) {
	var last scanner.ScanStatus
	found, err := config.GetRedisObject(c.Request.Context(), scanner.RenewalScanStatusKey, &last)
	if err != nil {
		config.LogError(config.GetLogger(), "opsApi.go", "opsStatusHandler", "read scan status", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read scan status"})
		return
	}
	resp := gin.H{"renewal_scan": nil}
	if found {
		resp["renewal_scan"] = last
	}
	c.JSON(http.StatusOK, resp)
}

func listDeadLettersHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}

	query := config.GetDB().WithContext(c.Request.Context()).Order("id desc").Limit(limit)
	if tenantId := c.Query("tenant_id"); tenantId != "" {
		query = query.Where("tenant_id = ?", tenantId)
	}
	if jobType := c.Query("job_type"); jobType != "" {
		query = query.Where("job_type = ?", jobType)
	}

	var entries []models.DeadLetterEntry
	if err := query.Find(&entries).Error; err != nil {
		config.LogError(config.GetLogger(), "opsApi.go", "listDeadLettersHandler", "list dead letters", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries})
}

type replayDeadLetterRequest struct {
	JobId string `json:"job_id" binding:"required"`
}

// replayDeadLetterHandler re-enqueues a dead-lettered job as a fresh first
// attempt under the original idempotency key, so a replay of already
// completed work is still skipped by the ledger.
func replayDeadLetterHandler(c *gin.Context) {
	var req replayDeadLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	db := config.GetDB().WithContext(c.Request.Context())
	var entry models.DeadLetterEntry
	if err := db.Where("job_id = ?", req.JobId).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dead letter"})
		return
	}

	var env jobs.Envelope
	if err := json.Unmarshal(entry.Envelope, &env); err != nil || env.Validate() != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "stored envelope is not replayable"})
		return
	}

	jobID, err := jobs.Enqueue(c.Request.Context(), env.Type, env.TenantId, env.Payload, jobs.Options{
		IdempotencyKey: env.IdempotencyKey,
		MaxAttempts:    env.MaxAttempts,
	})
	if err != nil {
		config.LogError(config.GetLogger(), "opsApi.go", "replayDeadLetterHandler", "re-enqueue dead letter", req.JobId, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	if err := db.Model(&entry).Update("replayed_at", &now).Error; err != nil {
		config.LogError(config.GetLogger(), "opsApi.go", "replayDeadLetterHandler", "stamp replayed_at", req.JobId, err)
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "replayed": req.JobId})
}
