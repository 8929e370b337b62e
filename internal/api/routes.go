package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nextTPCloud/Omerix-sub006/internal/core"
)

// SetupRoutes configures all API routes.
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, services *core.ServiceRegistry, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))

	// Health check (public, no tenant)
	router.GET("/health", handlers.HealthCheck)

	// Everything else is tenant-scoped.
	tpv := router.Group("/tpv")
	tpv.Use(TenantResolver())
	{
		// Admission lifecycle
		tpv.POST("/generar-token", handlers.GenerateToken)
		tpv.POST("/activar", handlers.ActivateDevice)
		tpv.POST("/login", handlers.Login)
		tpv.POST("/heartbeat", handlers.Heartbeat)
		tpv.POST("/logout", handlers.Logout)

		// Device administration
		tpv.GET("", handlers.ListDevices)
		tpv.GET("/:id", handlers.GetDevice)
		tpv.POST("/:id/revocar-token", handlers.RevokeCredential)
		tpv.POST("/:id/desactivar", handlers.DeactivateDevice)
		tpv.DELETE("/:id", handlers.DeleteDevice)

		// Fiscal ledger
		tpv.GET("/ledger/verificar", handlers.VerifyChain)

		ticket := tpv.Group("")
		ticket.Use(DeviceAuthentication(services.Devices))
		{
			ticket.POST("/crear-ticket", handlers.CreateTicket)
		}
	}
}
