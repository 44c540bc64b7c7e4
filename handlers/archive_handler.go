package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/services"
	"github.com/gin-gonic/gin"
)

type ArchiveExporter interface {
	Prepare(ctx context.Context, ownerID string, req services.ArchiveRequest) (*models.ArchiveJob, error)
	Stream(ctx context.Context, job *models.ArchiveJob, w io.Writer) models.ArchiveResult
	Timeout() time.Duration
}

// ArchiveStatusReader returns the recorded fields of an archive job.
type ArchiveStatusReader interface {
	Status(ctx context.Context, jobID string) (map[string]string, error)
}

type ArchiveHandler struct {
	exporter ArchiveExporter
	status   ArchiveStatusReader
	logger   logging.Logger
}

// NewArchiveHandler builds the handler; status may be nil when job tracking
// is disabled.
func NewArchiveHandler(exporter ArchiveExporter, status ArchiveStatusReader, l logging.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		exporter: exporter,
		status:   status,
		logger:   l,
	}
}

// Export streams the selection as a zip. Totals go out in headers before the
// first byte of the body.
func (h *ArchiveHandler) Export(c *gin.Context) {
	var req services.ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, h.logger, fmt.Errorf("%w: %v", apperror.ErrInvalidRequest, err))
		return
	}

	job, err := h.exporter.Prepare(c.Request.Context(), ownerOf(c), req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "application/zip")
	hdr.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="archive-%s.zip"`, job.JobId))
	hdr.Set("X-Archive-Job-Id", job.JobId)
	hdr.Set("X-Archive-Total-Files", strconv.Itoa(job.TotalFiles))
	hdr.Set("X-Archive-Total-Size", strconv.FormatInt(job.TotalSize, 10))
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	ctx := c.Request.Context()
	if t := h.exporter.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	res := h.exporter.Stream(ctx, job, c.Writer)
	if res.Status != models.ArchiveCompleted {
		c.Abort()
	}
}

func (h *ArchiveHandler) Status(c *gin.Context) {
	if h.status == nil {
		renderError(c, h.logger, fmt.Errorf("%w: archive tracking is disabled", apperror.ErrNotFound))
		return
	}
	fields, err := h.status.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	if len(fields) == 0 || fields["owner_id"] != ownerOf(c) {
		renderError(c, h.logger, fmt.Errorf("%w: archive job %s", apperror.ErrNotFound, c.Param("id")))
		return
	}
	delete(fields, "owner_id")
	respond(c, http.StatusOK, fields)
}
