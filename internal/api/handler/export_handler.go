package handler

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/timmy/steamharvest/internal/service"
)

// ExportHandler serves CSV exports.
type ExportHandler struct {
	exportService *service.ExportService
}

// NewExportHandler creates a new export handler.
// Parameters:
//   - exportService: export service instance.
// Returns:
//   - *ExportHandler: initialized handler.
func NewExportHandler(exportService *service.ExportService) *ExportHandler {
	return &ExportHandler{exportService: exportService}
}

// Export handles GET /export?type=ccu|errors|prices|full.
// Single types stream the fresh CSV; full returns download links.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes a file or JSON response).
func (h *ExportHandler) Export(c *gin.Context) {
	typ := c.DefaultQuery("type", service.ExportTypeFull)
	ctx := c.Request.Context()

	if typ == service.ExportTypeFull {
		full, err := h.exportService.ExportFull(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "exported",
			"timestamp": full.Timestamp,
			"files":     full.Files,
			"download":  full.Download,
			"message":   "Export completed. Use /download endpoints to get files.",
		})
		return
	}

	f, err := h.exportService.Export(ctx, typ)
	if err != nil {
		writeError(c, err)
		return
	}
	if typ == service.ExportTypeErrors && f.Rows == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "No errors to export", "timestamp": f.Timestamp})
		return
	}
	c.FileAttachment(f.Path, filepath.Base(f.Path))
}

// Download handles GET /download/:type?timestamp=. Without a timestamp the
// latest export of the type is served.
func (h *ExportHandler) Download(c *gin.Context) {
	path, err := h.exportService.Find(c.Param("type"), c.Query("timestamp"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}
