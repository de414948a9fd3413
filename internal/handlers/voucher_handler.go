package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/internal/vouchers"
	"github.com/microsoftjulius/billing-sub001/models"
)

// ListVouchersHandler returns the scope's vouchers with optional status and
// code search filters.
func ListVouchersHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		query := sc.Apply(db.Model(&models.Voucher{}))
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		if search := c.Query("search"); search != "" {
			query = query.Where("code LIKE ?", "%"+strings.ToUpper(search)+"%")
		}

		var totalRows int64
		if err := query.Count(&totalRows).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count vouchers"})
			return
		}

		var list []models.Voucher
		if err := query.Scopes(Paginate(c)).Order("created_at DESC").Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch vouchers"})
			return
		}
		if list == nil {
			list = make([]models.Voucher, 0)
		}

		c.JSON(http.StatusOK, CreatePaginatedResponse(c, list, totalRows))
	}
}

// GetVoucherHandler returns one voucher visible to the scope.
func GetVoucherHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		v, err := svc.Get(c.Request.Context(), sc, id)
		if err != nil {
			respondVoucherError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

type createVouchersRequest struct {
	PlanID     uint  `json:"planId" binding:"required"`
	Count      int   `json:"count" binding:"required"`
	CustomerID *uint `json:"customerId"`
}

// CreateVouchersHandler issues a batch of vouchers outside the payment flow.
func CreateVouchersHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		var req createVouchersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
			return
		}

		batch, err := svc.CreateBatch(c.Request.Context(), sc, req.PlanID, req.Count, req.CustomerID)
		if err != nil {
			if errors.Is(err, vouchers.ErrPlanNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Billing plan not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"vouchers": batch, "count": len(batch)})
	}
}

type updateVoucherRequest struct {
	Profile       string `json:"profile"`
	ValidityHours int    `json:"validityHours"`
	DataLimitMB   int64  `json:"dataLimitMb"`
}

// UpdateVoucherHandler edits a voucher that has not entered active use.
func UpdateVoucherHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		var req updateVoucherRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
			return
		}

		v, err := svc.UpdateMutable(c.Request.Context(), sc, id, req.Profile, req.ValidityHours, req.DataLimitMB)
		if err != nil {
			respondVoucherError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// DeleteVoucherHandler soft-deletes a non-active voucher.
func DeleteVoucherHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		if err := svc.Delete(c.Request.Context(), sc, id); err != nil {
			respondVoucherError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Voucher deleted"})
	}
}

// ActivateVoucherHandler starts a voucher's validity window.
func ActivateVoucherHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		v, err := svc.Activate(c.Request.Context(), sc, id)
		if err != nil {
			respondVoucherError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// DisableVoucherHandler blocks a voucher from network access.
func DisableVoucherHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		v, err := svc.Disable(c.Request.Context(), sc, id)
		if err != nil {
			respondVoucherError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

type refundVoucherRequest struct {
	Override bool `json:"override"`
}

// RefundVoucherHandler refunds a non-active voucher.
func RefundVoucherHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		var req refundVoucherRequest
		_ = c.ShouldBindJSON(&req)

		v, err := svc.Refund(c.Request.Context(), sc, id, req.Override)
		if err != nil {
			respondVoucherError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

type transferVoucherRequest struct {
	CustomerID uint `json:"customerId" binding:"required"`
}

// TransferVoucherHandler reassigns an unused voucher to another customer.
func TransferVoucherHandler(svc *vouchers.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}
		id, ok := parseIDParam(c)
		if !ok {
			return
		}

		var req transferVoucherRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: " + err.Error()})
			return
		}

		v, err := svc.Transfer(c.Request.Context(), sc, id, req.CustomerID)
		if err != nil {
			respondVoucherError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// ExportVouchersHandler streams the scope's vouchers as an Excel workbook.
func ExportVouchersHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := RequestScope(c)
		if !ok {
			return
		}

		query := sc.Apply(db.Model(&models.Voucher{})).Order("created_at DESC")
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}

		var list []models.Voucher
		if err := query.Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch data for export"})
			return
		}

		f := excelize.NewFile()
		sheetName := "Vouchers"
		index, _ := f.NewSheet(sheetName)
		f.SetActiveSheet(index)
		f.DeleteSheet("Sheet1")

		headers := []string{"Code", "Profile", "Status", "Price", "Validity (h)", "Activated", "Expires", "Created"}
		for i, header := range headers {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			f.SetCellValue(sheetName, cell, header)
		}

		for i, v := range list {
			row := i + 2
			f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), v.Code)
			f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), v.Profile)
			f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), v.Status)
			f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), v.Price)
			f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), v.ValidityHours)
			if v.ActivatedAt != nil {
				f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), v.ActivatedAt.Format("2006-01-02 15:04"))
			}
			if v.ExpiresAt != nil {
				f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), v.ExpiresAt.Format("2006-01-02 15:04"))
			}
			f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), v.CreatedAt.Format("2006-01-02 15:04"))
		}

		fileName := fmt.Sprintf("vouchers_%s.xlsx", time.Now().Format("20060102_150405"))
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename="+fileName)
		if err := f.Write(c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write Excel file"})
		}
	}
}

// respondVoucherError maps lifecycle errors onto HTTP statuses. Invariant
// violations are 409s: descriptive and non-retryable.
func respondVoucherError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vouchers.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Voucher not found"})
	case errors.Is(err, vouchers.ErrNotActivatable),
		errors.Is(err, vouchers.ErrNotConsumable),
		errors.Is(err, vouchers.ErrNotDisablable),
		errors.Is(err, vouchers.ErrNotTransferable),
		errors.Is(err, vouchers.ErrVoucherLocked),
		errors.Is(err, vouchers.ErrActiveDelete),
		errors.Is(err, vouchers.ErrSettledDelete),
		errors.Is(err, vouchers.ErrRefundActive),
		errors.Is(err, vouchers.ErrRefundOverride),
		errors.Is(err, vouchers.ErrTransitionRaced),
		errors.Is(err, vouchers.ErrTenantLimitHit):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, vouchers.ErrCustomerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Customer not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
	}
}
