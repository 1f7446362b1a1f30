package middleware

import (
	"shelfgate/internal/repository"

	"github.com/gin-gonic/gin"
)

// TenantIDKey is where the SDK middleware stashes the authenticated tenant.
const TenantIDKey = "tenant_id"

// SDKAuthMiddleware authenticates storefront clients by API key and binds
// the request to the key's tenant. Handlers must scope every read to the
// tenant id set here.
func SDKAuthMiddleware(repo repository.SDKRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-Shelf-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "missing API key"})
			return
		}

		tenantID, ok, err := repo.ResolveAPIKey(c.Request.Context(), apiKey)
		if err != nil || !ok {
			c.AbortWithStatusJSON(403, gin.H{"error": "forbidden"})
			return
		}

		c.Set(TenantIDKey, tenantID)
		c.Next()
	}
}
