package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/extension"
	"github.com/timmy/steamharvest/internal/service"
)

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		c.JSON(http.StatusBadRequest, gin.H{"error": "already running", "status": "running"})
	case errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, service.ErrUnknownExportType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrExportNotFound),
		errors.Is(err, extension.ErrUnknownAssignment):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, extension.ErrWrongTab):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
