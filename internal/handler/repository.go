package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/deconst/client/internal/coordinator"
	"github.com/deconst/client/internal/launcher"
	"github.com/deconst/client/internal/model"
	"github.com/deconst/client/internal/service"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Coordinator is the part of the lifecycle coordinator the API drives
type Coordinator interface {
	Launch(req model.RepositoryCreateRequest) (coordinator.View, error)
	Edit(id int, req model.RepositoryUpdateRequest) (coordinator.View, error)
	Retry(id int) (coordinator.View, error)
	Submit(id int, kind string) (coordinator.View, error)
	Remove(id int) error
	Get(id int) (coordinator.View, error)
	List() ([]coordinator.View, error)
}

// RepositoryHandler manages repository endpoints
type RepositoryHandler struct {
	coord   Coordinator
	history *service.HistoryService
	db      *gorm.DB
}

// NewRepositoryHandler creates a new RepositoryHandler
func NewRepositoryHandler(coord Coordinator, history *service.HistoryService, db *gorm.DB) *RepositoryHandler {
	return &RepositoryHandler{coord: coord, history: history, db: db}
}

func (h *RepositoryHandler) audit(c *gin.Context, action string, id int, detail string) {
	WriteAuditLog(h.db, action, "repository", strconv.Itoa(id), detail, c.ClientIP())
}

// List returns all repositories
func (h *RepositoryHandler) List(c *gin.Context) {
	repos, err := h.coord.List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos, "total": len(repos)})
}

// Get returns a single repository
func (h *RepositoryHandler) Get(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	repo, err := h.coord.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

// Create declares a repository and starts its preview
func (h *RepositoryHandler) Create(c *gin.Context) {
	var req model.RepositoryCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.invalid_request"})
		return
	}

	repo, err := h.coord.Launch(req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.audit(c, "LAUNCH", repo.ID, fmt.Sprintf("Launched '%s' with the %s preparer", repo.Name, repo.Preparer))
	c.JSON(http.StatusCreated, repo)
}

// Update edits a repository, relaunching it when its paths, preparer or template change
func (h *RepositoryHandler) Update(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	var req model.RepositoryUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.invalid_request"})
		return
	}

	repo, err := h.coord.Edit(id, req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.audit(c, "UPDATE", id, fmt.Sprintf("Updated '%s'", repo.Name))
	c.JSON(http.StatusOK, repo)
}

// Delete tears a repository down
func (h *RepositoryHandler) Delete(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	if err := h.coord.Remove(id); err != nil {
		respondError(c, err)
		return
	}

	h.audit(c, "DELETE", id, "")
	c.JSON(http.StatusOK, gin.H{"message": "Repository removed"})
}

// Retry relaunches a repository and clears its error
func (h *RepositoryHandler) Retry(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	repo, err := h.coord.Retry(id)
	if err != nil {
		respondError(c, err)
		return
	}

	h.audit(c, "RETRY", id, "")
	c.JSON(http.StatusOK, repo)
}

// Submit re-runs one or both preparers. The body is optional.
func (h *RepositoryHandler) Submit(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	var req model.SubmitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.invalid_request"})
			return
		}
	}

	repo, err := h.coord.Submit(id, req.Kind)
	if err != nil {
		respondError(c, err)
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = "content and control"
	}
	h.audit(c, "SUBMIT", id, fmt.Sprintf("Requested %s preparation", kind))
	c.JSON(http.StatusAccepted, repo)
}

// Preparations lists a repository's preparer runs, newest first
func (h *RepositoryHandler) Preparations(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	if _, err := h.coord.Get(id); err != nil {
		respondError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	runs, err := h.history.List(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"preparations": runs, "total": len(runs)})
}

// respondError maps coordinator errors onto status codes
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Repository not found", "error_key": "error.repository_not_found"})
	case errors.Is(err, coordinator.ErrCannotSubmit):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_key": "error.cannot_submit"})
	case errors.Is(err, launcher.ErrUnknownPreparer):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.unknown_preparer"})
	case errors.Is(err, coordinator.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_key": "error.invalid_request"})
	case errors.Is(err, coordinator.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "error_key": "error.shutting_down"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "error_key": "error.internal"})
	}
}

func parseID(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID", "error_key": "error.invalid_id"})
		if err == nil {
			err = fmt.Errorf("invalid id %d", id)
		}
		return 0, err
	}
	return id, nil
}
