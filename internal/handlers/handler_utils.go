// internal/handlers/handler_utils.go
package handlers

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/internal/middleware"
	"github.com/microsoftjulius/billing-sub001/internal/scope"
)

// PaginatedResponse defines the structure for any paginated API response.
type PaginatedResponse struct {
	Data        interface{} `json:"data"`
	TotalRows   int64       `json:"totalRows"`
	TotalPages  int         `json:"totalPages"`
	CurrentPage int         `json:"currentPage"`
	PageSize    int         `json:"pageSize"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Paginate is a GORM scope that applies offset and limit to a query based on
// "page" and "pageSize" query parameters from the Gin context.
func Paginate(c *gin.Context) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		page, _ := strconv.Atoi(c.Query("page"))
		if page <= 0 {
			page = 1
		}

		pageSize, _ := strconv.Atoi(c.Query("pageSize"))
		switch {
		case pageSize > MaxPageSize:
			pageSize = MaxPageSize
		case pageSize <= 0:
			pageSize = DefaultPageSize
		}

		offset := (page - 1) * pageSize
		return db.Offset(offset).Limit(pageSize)
	}
}

// CreatePaginatedResponse constructs the standard paginated response object.
func CreatePaginatedResponse(c *gin.Context, data interface{}, totalRows int64) PaginatedResponse {
	page, _ := strconv.Atoi(c.Query("page"))
	if page <= 0 {
		page = 1
	}

	pageSize, _ := strconv.Atoi(c.Query("pageSize"))
	switch {
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	case pageSize <= 0:
		pageSize = DefaultPageSize
	}

	totalPages := 0
	if totalRows > 0 {
		totalPages = int(math.Ceil(float64(totalRows) / float64(pageSize)))
	}

	return PaginatedResponse{
		Data:        data,
		TotalRows:   totalRows,
		TotalPages:  totalPages,
		CurrentPage: page,
		PageSize:    pageSize,
	}
}

// RequestScope returns the scope the auth middleware resolved for this
// request. A global administrator may narrow it to one tenant with the
// tenant_id query parameter; non-global actors are never re-scoped.
func RequestScope(c *gin.Context) (scope.Scope, bool) {
	raw, exists := c.Get(middleware.ScopeKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Request scope missing"})
		c.Abort()
		return scope.Scope{}, false
	}
	sc, ok := raw.(scope.Scope)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid request scope"})
		c.Abort()
		return scope.Scope{}, false
	}

	if sc.IsGlobal() {
		if raw := c.Query("tenant_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tenant_id"})
				c.Abort()
				return scope.Scope{}, false
			}
			return scope.ForTenant(uint(id)), true
		}
	}
	return sc, true
}

func parseIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}
