package handler

import (
	"net/http"
	"strconv"

	"github.com/deconst/client/internal/model"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuditHandler handles audit log queries
type AuditHandler struct {
	db *gorm.DB
}

func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

// List returns audit logs with pagination
func (h *AuditHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}

	query := h.db.Model(&model.AuditLog{})
	if target := c.Query("repository"); target != "" {
		query = query.Where("target = ? AND target_id = ?", "repository", target)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	query.Count(&total)

	var logs []model.AuditLog
	query.Order("id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&logs)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// WriteAuditLog is a helper to create an audit log entry
func WriteAuditLog(db *gorm.DB, action, target, targetID, detail, ip string) {
	if db == nil {
		return
	}
	db.Create(&model.AuditLog{
		Action:   action,
		Target:   target,
		TargetID: targetID,
		Detail:   detail,
		IP:       ip,
	})
}
