package auth

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// RequireAuth is a Gin middleware that validates JWT tokens
func RequireAuth(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth")
		defer span.End()

		token := c.GetHeader("Authorization")
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization header"})
			c.Abort()
			return
		}

		// Expected format: "Bearer <token>"
		const prefix = "Bearer "
		if len(token) < len(prefix) || !strings.HasPrefix(token, prefix) {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		token = strings.TrimSpace(token[len(prefix):])
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			log.Printf(`{"level":"warn","message":"Invalid token","error":"%v"}`, err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("user.id", claims.UserID),
			attribute.String("user.username", claims.Username),
		)

		// Attach user context to Gin context
		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("user_roles", claims.Roles)
		c.Set("claims", claims)

		log.Printf(`{"level":"info","message":"User authenticated","user_id":"%s","username":"%s","path":"%s","method":"%s"}`,
			claims.UserID, claims.Username, c.Request.URL.Path, c.Request.Method)

		c.Next()
	}
}

// RequireRole is a Gin middleware that checks if authenticated user has the
// required role. Must run after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_role")
		defer span.End()

		span.SetAttributes(attribute.String("required.role", role))

		rolesValue, exists := c.Get("user_roles")
		if !exists {
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			c.JSON(http.StatusForbidden, gin.H{"error": "User roles not found"})
			c.Abort()
			return
		}

		roles, ok := rolesValue.([]string)
		if !ok {
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid user roles"})
			c.Abort()
			return
		}

		hasRole := false
		for _, userRole := range roles {
			if userRole == role {
				hasRole = true
				break
			}
		}

		if !hasRole {
			userID, _ := c.Get("user_id")
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			log.Printf(`{"level":"warn","message":"Insufficient permissions","user_id":"%v","required_role":"%s"}`,
				userID, role)
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}

		span.SetAttributes(attribute.Bool("auth.role_authorized", true))
		c.Next()
	}
}
