package httpapi

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"time"

	"carecall-platform/internal/auth"
	"carecall-platform/internal/callconfig"
	"carecall-platform/internal/callrecord"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/dispatch"
	"carecall-platform/internal/orchestrator"
	"carecall-platform/internal/tasks"
	"carecall-platform/internal/telephony"
	"carecall-platform/pkg/logger"
	"carecall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth         *auth.Manager
	Orchestrator *orchestrator.Orchestrator
	Pusher       *dispatch.Pusher
	Kill         dispatch.KillSwitch
	Patients     directory.PatientRepository
	Configs      callconfig.Repository
	Records      callrecord.Repository
	Provider     telephony.CallProvider

	DB    *sql.DB
	Redis *redis.Client
}

// maxTaskBody bounds trigger payloads; they are tiny JSON documents.
const maxTaskBody = 64 << 10

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports whether the process can actually do its job: reach the
// database, Redis, and the voice provider.
func (h Handlers) Readyz(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	if err := utils.HealthCheck(ctx, h.DB, 2*time.Second); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	} else {
		checks["postgres"] = "ok"
	}
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}
	if err := h.Provider.HealthCheck(ctx); err != nil {
		checks["provider"] = err.Error()
		healthy = false
	} else {
		checks["provider"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"checks": checks})
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT access token.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	tok, err := h.Auth.IssueAccess(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

// --- Webhooks ---

// CallCompletion receives the voice stack's completion notification.
// NOTE: protect with provider signature validation in production.
func (h Handlers) CallCompletion(c *gin.Context) {
	payload, err := telephony.ParseCompletion(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Orchestrator.HandleCompletion(c.Request.Context(), payload); err != nil {
		if errors.Is(err, callrecord.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call_id"})
			return
		}
		logger.FromGin(c).Error("completion handling failed", "call_id", payload.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "completion handling failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// --- Task triggers ---
//
// The delayed task queue delivers to these endpoints (role: service). Each
// one is idempotent; redelivery is a no-op.

func (h Handlers) CallDispatchTrigger(c *gin.Context) {
	h.runTrigger(c, h.Pusher.HandleCallTrigger)
}

func (h Handlers) RetryDispatchTrigger(c *gin.Context) {
	h.runTrigger(c, h.Pusher.HandleRetryTrigger)
}

func (h Handlers) TimeoutCheckTrigger(c *gin.Context) {
	h.runTrigger(c, h.Pusher.HandleTimeoutCheck)
}

func (h Handlers) runTrigger(c *gin.Context, fn tasks.HandlerFunc) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTaskBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if err := fn(c.Request.Context(), body); err != nil {
		logger.FromGin(c).Error("trigger failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "trigger failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Calls (operator) ---

func (h Handlers) GetCallRecord(c *gin.Context) {
	id := c.Param("call_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	rec, err := h.Records.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, callrecord.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) GetCallConfig(c *gin.Context) {
	patientID := c.Param("patient_id")
	cfg, err := h.Configs.GetByPatient(c.Request.Context(), patientID)
	if err != nil {
		if errors.Is(err, callconfig.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// --- Admin ---

func (h Handlers) GetKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.Kill.Enabled(c.Request.Context())})
}

type killSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

func (h Handlers) SetKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Kill.Set(c.Request.Context(), req.Enabled); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "kill-switch update failed"})
		return
	}
	uid, _ := auth.UserID(c.Request.Context())
	logger.FromGin(c).Warn("kill switch toggled", "enabled", req.Enabled, "user_id", uid)
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (h Handlers) SetPatientPaused(c *gin.Context) {
	patientID := c.Param("patient_id")
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Patients.SetPaused(c.Request.Context(), patientID, req.Paused); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "pause update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"patient_id": patientID, "paused": req.Paused})
}

type upsertConfigRequest struct {
	Timezone             string   `json:"timezone"`
	IsActive             bool     `json:"is_active"`
	Morning              string   `json:"morning"`
	Afternoon            string   `json:"afternoon"`
	Evening              string   `json:"evening"`
	Night                string   `json:"night"`
	RetryEnabled         bool     `json:"retry_enabled"`
	MaxRetries           int      `json:"max_retries"`
	RetryIntervalMinutes int      `json:"retry_interval_minutes"`
	RetryOnlyForStatuses []string `json:"retry_only_for_statuses"`
}

func (h Handlers) UpsertCallConfig(c *gin.Context) {
	patientID := c.Param("patient_id")
	var req upsertConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid timezone"})
			return
		}
	}
	for _, v := range []string{req.Morning, req.Afternoon, req.Evening, req.Night} {
		if _, _, _, err := callconfig.ParseSlotTime(v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.MaxRetries < 0 || req.RetryIntervalMinutes < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "retry settings must be >= 0"})
		return
	}

	cfg := &callconfig.CallConfig{
		PatientID:            patientID,
		Timezone:             req.Timezone,
		IsActive:             req.IsActive,
		Morning:              req.Morning,
		Afternoon:            req.Afternoon,
		Evening:              req.Evening,
		Night:                req.Night,
		RetryEnabled:         req.RetryEnabled,
		MaxRetries:           req.MaxRetries,
		RetryIntervalMinutes: req.RetryIntervalMinutes,
		RetryOnlyForStatuses: req.RetryOnlyForStatuses,
	}
	if err := h.Configs.Upsert(c.Request.Context(), cfg); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "config upsert failed"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type setSlotRequest struct {
	Value string `json:"value"`
}

// SetCallConfigSlot writes a single slot: "" clears it, "pending" provisions
// it without a time, "HH:MM" schedules it. Used when a patient's medicines
// change without rewriting the whole config.
func (h Handlers) SetCallConfigSlot(c *gin.Context) {
	patientID := c.Param("patient_id")
	slot := callconfig.Slot(c.Param("slot"))

	valid := false
	for _, s := range callconfig.AllSlots {
		if s == slot {
			valid = true
			break
		}
	}
	if !valid {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown slot"})
		return
	}

	var req setSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if _, _, _, err := callconfig.ParseSlotTime(req.Value); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Configs.SetSlot(c.Request.Context(), patientID, slot, req.Value); err != nil {
		if errors.Is(err, callconfig.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "slot update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"patient_id": patientID, "slot": slot, "value": req.Value})
}

// RegisterDay runs the push-strategy planning pass for today (or a given
// date). Safe to rerun; duplicate triggers dedup away.
func (h Handlers) RegisterDay(c *gin.Context) {
	day := time.Now()
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}

	n, err := h.Pusher.RegisterDay(c.Request.Context(), day)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "planning failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": n})
}
