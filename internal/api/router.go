package api

import (
	"shelfgate/internal/metrics"
	"shelfgate/internal/middleware"
	"shelfgate/internal/repository"
	"shelfgate/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func RegisterRoutes(
	adminHandler *AdminHandler,
	streamHandler *StreamHandler,
	authHandler *AuthHandler,
	authSvc *service.AuthService,
	sdkRepo repository.SDKRepository,
	rdb *redis.Client,
	requestsPerSecond int,
	devMode bool,
) *gin.Engine {
	r := gin.New()

	r.Use(
		cors.Default(),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	// Public
	r.GET("/health", adminHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	auth := r.Group("/v1/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
	}

	authProtected := r.Group("/v1/auth")
	authProtected.Use(middleware.JWTMiddleware(authSvc, devMode))
	{
		authProtected.GET("/me", authHandler.GetProfile)
		authProtected.POST("/logout", authHandler.Logout)
	}

	// SDK plane, protected by per-tenant API keys
	sdk := r.Group("/v1")
	sdk.Use(middleware.SDKAuthMiddleware(sdkRepo))
	{
		sdk.GET("/stream/watch", streamHandler.WatchFlags)
		sdk.GET("/stream/snapshot", streamHandler.Snapshot)
		sdk.GET("/evaluate/:flag", streamHandler.Evaluate)
	}

	dashboard := r.Group("/v1/admin")
	dashboard.Use(middleware.JWTMiddleware(authSvc, devMode))
	{
		dashboard.GET("/stream", streamHandler.DashboardWatch)
	}

	// Control plane
	admin := r.Group("/api/admin")
	admin.Use(middleware.JWTMiddleware(authSvc, devMode))

	writeLimiter := middleware.RateLimitMiddleware(rdb, requestsPerSecond)

	{
		admin.GET("/tenant-flags/:tenantId", adminHandler.ListTenantFlags)
		admin.PUT("/tenant-flags/:tenantId/:flag", writeLimiter, adminHandler.UpsertTenantFlag)
		admin.GET("/effective-flags/:tenantId", adminHandler.EffectiveFlags)
		admin.POST("/flags/override/tenant/:tenantId/:flag", writeLimiter, adminHandler.SetTenantOverride)
		admin.POST("/flags/override/platform/:flag", writeLimiter, adminHandler.SetPlatformOverride)

		admin.GET("/platform-flags", adminHandler.ListPlatformFlags)
		admin.PUT("/platform-flags/:flag", writeLimiter, adminHandler.UpsertPlatformFlag)

		admin.GET("/audits/:flag", adminHandler.GetAudits)
		admin.POST("/rollback/:flag", writeLimiter, adminHandler.RollbackFlag)
	}
	return r
}
