package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/microsoftjulius/billing-sub001/config"
	"github.com/microsoftjulius/billing-sub001/internal/scope"
	"github.com/microsoftjulius/billing-sub001/models"
)

// ScopeKey is where the request's tenant scope lives in the gin context.
const ScopeKey = "scope"

// CachedUserData is the single cache entry shape for an authenticated user.
type CachedUserData struct {
	UserID   uint   `json:"user_id"`
	Login    string `json:"login"`
	Role     string `json:"role"`
	TenantID *uint  `json:"tenant_id"`
}

// AuthMiddleware authenticates the JWT, resolves the user (Redis cache
// first, then database) and builds the request's tenant scope exactly once.
// Handlers and services only ever see the scope value, never raw tenant ids
// from the token.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := c.Cookie("auth_token")
		if err != nil || tokenStr == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				handleAuthError(c, "Authorization token not provided")
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				handleAuthError(c, "Invalid Authorization header format")
				return
			}
			tokenStr = parts[1]
		}

		token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return config.JwtKey, nil
		})
		if err != nil || !token.Valid {
			handleAuthError(c, "Invalid or expired token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			handleAuthError(c, "Invalid token claims")
			return
		}
		userIDFloat, ok := claims["user_id"].(float64)
		if !ok {
			handleAuthError(c, "Invalid user ID format in token")
			return
		}
		userID := uint(userIDFloat)

		cacheKey := fmt.Sprintf("user:%d:data", userID)
		if config.RDB != nil {
			cachedData, err := config.RDB.Get(config.Ctx, cacheKey).Result()
			if err == nil {
				var userData CachedUserData
				if json.Unmarshal([]byte(cachedData), &userData) == nil {
					setContextAndProceed(c, &userData)
					return
				}
				slog.Warn("failed to unmarshal cached user data", "user_id", userID)
			} else if err != redis.Nil {
				slog.Error("redis GET failed", "error", err, "user_id", userID)
			}
		}

		var dbUser models.User
		if err := config.DB.First(&dbUser, userID).Error; err != nil {
			handleAuthError(c, "User from token not found")
			return
		}
		if !dbUser.Active {
			handleAuthError(c, "User is disabled")
			return
		}

		userData := CachedUserData{
			UserID:   dbUser.ID,
			Login:    dbUser.Login,
			Role:     dbUser.Role,
			TenantID: dbUser.TenantID,
		}

		if config.RDB != nil {
			if jsonData, err := json.Marshal(userData); err == nil {
				if err := config.RDB.Set(config.Ctx, cacheKey, jsonData, 10*time.Minute).Err(); err != nil {
					slog.Error("failed to cache user data", "error", err, "user_id", userID)
				}
			}
		}

		setContextAndProceed(c, &userData)
	}
}

func setContextAndProceed(c *gin.Context, userData *CachedUserData) {
	var sc scope.Scope
	if userData.Role == models.RoleAdmin && userData.TenantID == nil {
		sc = scope.Global()
	} else if userData.TenantID != nil {
		sc = scope.ForTenant(*userData.TenantID)
	} else {
		handleAuthError(c, "User has no tenant binding")
		return
	}

	c.Set("user_id", userData.UserID)
	c.Set("login", userData.Login)
	c.Set("role", userData.Role)
	c.Set(ScopeKey, sc)
	c.Next()
}

// RequireGlobal restricts a route to global administrators.
func RequireGlobal() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, exists := c.Get(ScopeKey)
		if !exists {
			c.JSON(http.StatusForbidden, gin.H{"error": "Scope not found in context"})
			c.Abort()
			return
		}
		sc, ok := raw.(scope.Scope)
		if !ok || !sc.IsGlobal() {
			c.JSON(http.StatusForbidden, gin.H{"error": "Global administrator access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func handleAuthError(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": message})
	c.Abort()
}
