package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/steamharvest/internal/api/middleware"
	"github.com/timmy/steamharvest/internal/extension"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/service"
)

// ExtensionHandler serves the browser extension that downloads SteamDB charts.
type ExtensionHandler struct {
	bridge        *extension.Bridge
	importService *service.ImportService
}

// NewExtensionHandler creates a new extension handler.
// Parameters:
//   - bridge: assignment bridge shared with the extension executor.
//   - importService: import service for local-storage dumps.
// Returns:
//   - *ExtensionHandler: initialized handler.
func NewExtensionHandler(bridge *extension.Bridge, importService *service.ImportService) *ExtensionHandler {
	return &ExtensionHandler{
		bridge:        bridge,
		importService: importService,
	}
}

// HeartbeatRequest lists the tabs the extension currently holds open.
type HeartbeatRequest struct {
	TabIDs []string `json:"tab_ids" binding:"required,min=1"`
}

// TabRequest identifies the acting tab.
type TabRequest struct {
	TabID string `json:"tab_id" binding:"required"`
}

// ResultRequest is the outcome a tab reports for an assignment.
type ResultRequest struct {
	TabID     string `json:"tab_id" binding:"required"`
	CSV       string `json:"csv"`
	Error     string `json:"error"`
	TabClosed bool   `json:"tab_closed"`
}

// Heartbeat handles POST /extension/heartbeat.
func (h *ExtensionHandler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	for _, tab := range req.TabIDs {
		h.bridge.Heartbeat(tab)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"tabs":    h.bridge.Tabs(),
		"pending": h.bridge.Pending(),
	})
}

// Next handles GET /extension/assignments/next?tab_id=.
// Responds 204 when nothing is queued.
func (h *ExtensionHandler) Next(c *gin.Context) {
	tabID := c.Query("tab_id")
	if tabID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'tab_id' is required"})
		return
	}
	a, ok := h.bridge.Next(tabID)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	middleware.GetLogger(c).WithFields(logger.Fields{
		logger.FieldTabID: tabID,
		logger.FieldBatch: a.BatchNumber,
	}).Info("Assignment claimed")
	c.JSON(http.StatusOK, a)
}

// Ack handles POST /extension/assignments/:id/ack.
func (h *ExtensionHandler) Ack(c *gin.Context) {
	var req TabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := h.bridge.Ack(c.Param("id"), req.TabID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// Result handles POST /extension/assignments/:id/result.
func (h *ExtensionHandler) Result(c *gin.Context) {
	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	report := extension.Report{Status: extension.ReportOK, CSV: req.CSV}
	switch {
	case req.TabClosed:
		report = extension.Report{Status: extension.ReportTabClosed, Error: req.Error}
	case req.Error != "":
		report = extension.Report{Status: extension.ReportError, Error: req.Error}
	case req.CSV == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "One of csv, error or tab_closed is required"})
		return
	}

	if err := h.bridge.Complete(c.Param("id"), req.TabID, report); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

// Import handles POST /extension/import with the extension's local-storage
// dump, {"<app_id>": [[datetime, players], ...]}.
func (h *ExtensionHandler) Import(c *gin.Context) {
	res, err := h.importService.ImportExport(c.Request.Context(), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Import failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "imported",
		"apps":    res.Apps,
		"records": res.Records,
	})
}
