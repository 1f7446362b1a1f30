package middleware

import (
	"net/http"
	"strings"

	"shelfgate/internal/service"

	"github.com/gin-gonic/gin"
)

func JWTMiddleware(authSvc *service.AuthService, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if devMode && c.GetHeader("X-Dev-Pass") == "true" {
			// Inject mock admin
			ctx := service.WithOperator(c.Request.Context(), &service.OperatorInfo{
				UserID: "9999",
				Name:   "dev-admin",
				Role:   "admin",
			})
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		tokenString := ""
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}

		// SSE clients cannot set headers, they pass the token as a query param
		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header missing"})
			return
		}

		claims, err := authSvc.ParseAccess(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid access token"})
			return
		}

		op := &service.OperatorInfo{
			UserID: claims.UserID,
			Name:   claims.Username,
			Role:   claims.Role,
		}

		ctx := service.WithOperator(c.Request.Context(), op)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
