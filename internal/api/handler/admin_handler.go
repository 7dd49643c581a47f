package handler

import (
	"bufio"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/service"
)

const (
	defaultLogLines = 100
	maxLogLines     = 5000
)

// AdminHandler handles job control operations.
type AdminHandler struct {
	jobService *service.JobService
	logger     *logger.Logger
	logFile    func() string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - jobService: job service instance.
//   - log: logger instance.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(jobService *service.JobService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		jobService: jobService,
		logger:     log,
		logFile:    logger.LogFile,
	}
}

// log returns a logger from Gin context if available, otherwise returns the default logger
func (h *AdminHandler) log(c *gin.Context) *logger.Logger {
	if l := logger.FromContext(c.Request.Context()); l != nil {
		return l
	}
	return h.logger
}

// StartResponse represents the start API response.
type StartResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Kind    string `json:"kind"`
	Total   int    `json:"total"`
	Batches int    `json:"batches"`
}

// ResumeRequest represents the optional resume body.
type ResumeRequest struct {
	Force bool `json:"force"`
}

// Start handles POST /start.
// Expects a multipart "file" with one app id per line and an optional kind.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) Start(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No file provided. Upload an app id list as 'file'",
		})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Error reading file: " + err.Error()})
		return
	}
	defer f.Close()

	kind := c.PostForm("kind")
	if kind == "" {
		kind = c.Query("kind")
	}

	res, err := h.jobService.StartFromReader(c.Request.Context(), f, domain.JobKind(kind))
	if err != nil {
		h.log(c).WithError(err).Warn("Start rejected")
		writeError(c, err)
		return
	}

	h.log(c).WithFields(logger.Fields{
		logger.FieldJobID: res.JobID,
		logger.FieldKind:  res.Kind,
		logger.FieldCount: res.Total,
	}).Info("Job started from upload " + fh.Filename)

	c.JSON(http.StatusAccepted, StartResponse{
		Status:  "started",
		JobID:   res.JobID,
		Kind:    res.Kind,
		Total:   res.Total,
		Batches: res.Batches,
	})
}

// Status handles GET /status.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) Status(c *gin.Context) {
	status, err := h.jobService.Status(c.Request.Context())
	if err != nil {
		h.log(c).WithError(err).Error("Failed to read status")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          err.Error(),
			"parser_running": h.jobService.Running(),
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// Stop handles POST /stop.
func (h *AdminHandler) Stop(c *gin.Context) {
	if !h.jobService.Stop() {
		c.JSON(http.StatusOK, gin.H{
			"status":  "not_running",
			"message": "No job is running",
		})
		return
	}
	h.log(c).Info("Stop requested")
	c.JSON(http.StatusOK, gin.H{
		"status":  "stopping",
		"message": "Stop signal sent; active batches will finish",
	})
}

// Resume handles POST /resume. force (query or JSON) also resumes a stopped job.
func (h *AdminHandler) Resume(c *gin.Context) {
	var req ResumeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}
	if force, err := strconv.ParseBool(c.Query("force")); err == nil {
		req.Force = req.Force || force
	}

	resumed, err := h.jobService.Resume(c.Request.Context(), req.Force)
	if err != nil {
		writeError(c, err)
		return
	}
	if !resumed {
		c.JSON(http.StatusOK, gin.H{"status": "nothing_to_resume"})
		return
	}
	snap := h.jobService.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status": "resumed",
		"job_id": snap.JobID,
		"queued": snap.Queued,
	})
}

// Logs handles GET /logs?lines=N and returns the tail of the log file.
func (h *AdminHandler) Logs(c *gin.Context) {
	n := defaultLogLines
	if v := c.Query("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
			return
		}
		n = parsed
	}
	if n > maxLogLines {
		n = maxLogLines
	}

	path := h.logFile()
	if path == "" {
		c.JSON(http.StatusOK, gin.H{"logs": []string{}, "message": "File logging is disabled"})
		return
	}
	lines, total, err := tailFile(path, n)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusOK, gin.H{"logs": []string{}, "message": "Log file not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":        lines,
		"total_lines": total,
	})
}

// tailFile returns the last n lines of path and the file's line count.
func tailFile(path string, n int) ([]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	total := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		total++
		if len(ring) == n {
			ring = append(ring[1:], scanner.Text())
			continue
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return ring, total, nil
}
