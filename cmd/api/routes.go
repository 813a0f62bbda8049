package main

import (
	"carecall-platform/internal/auth"
	"carecall-platform/internal/httpapi"
	"carecall-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	// Provider webhooks (public).
	// NOTE: protect with provider signature validation in production.
	r.POST("/webhooks/voice/completion", h.CallCompletion)

	// Token issuance happens before a token exists.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		// CALLS routes
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			calls.GET("/:call_id", h.GetCallRecord)
		}

		// PATIENT routes (read side)
		patients := v1.Group("/patients")
		patients.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			patients.GET("/:patient_id/call-config", h.GetCallConfig)
		}

		// TASK trigger routes: the delayed task queue's HTTP delivery
		// surface. Only the service identity may call these.
		tasksGroup := v1.Group("/tasks")
		tasksGroup.Use(rbac.RequireAnyRole(rbac.RoleService))
		{
			tasksGroup.POST("/call-dispatch", h.CallDispatchTrigger)
			tasksGroup.POST("/retry-dispatch", h.RetryDispatchTrigger)
			tasksGroup.POST("/timeout-check", h.TimeoutCheckTrigger)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/kill-switch", h.GetKillSwitch)
			admin.PUT("/kill-switch", h.SetKillSwitch)
			admin.POST("/patients/:patient_id/pause", h.SetPatientPaused)
			admin.PUT("/patients/:patient_id/call-config", h.UpsertCallConfig)
			admin.PUT("/patients/:patient_id/call-config/slots/:slot", h.SetCallConfigSlot)
			admin.POST("/dispatch/register-day", h.RegisterDay)
		}
	}
}
