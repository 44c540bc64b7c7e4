package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/services"
	"github.com/gin-gonic/gin"
)

// Assembly is the part of the assembler the HTTP layer drives.
type Assembly interface {
	CompleteUpload(ctx context.Context, ownerID, sessionID string) (*models.CompleteUploadResponse, error)
	FetchChunk(ctx context.Context, ownerID, sessionID string, index uint32, w io.Writer, begin func(models.ByteRange)) error
}

type TransferHandler struct {
	sessions services.SessionService
	assembly Assembly
	logger   logging.Logger
}

func NewTransferHandler(sessions services.SessionService, assembly Assembly, l logging.Logger) *TransferHandler {
	return &TransferHandler{
		sessions: sessions,
		assembly: assembly,
		logger:   l,
	}
}

func chunkIndex(c *gin.Context) (uint32, error) {
	n, err := strconv.ParseUint(c.Param("index"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: chunk index %q", apperror.ErrInvalidRequest, c.Param("index"))
	}
	return uint32(n), nil
}

func (h *TransferHandler) InitiateUpload(c *gin.Context) {
	var req services.InitiateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, h.logger, fmt.Errorf("%w: %v", apperror.ErrInvalidRequest, err))
		return
	}
	resp, err := h.sessions.InitiateUpload(c.Request.Context(), ownerOf(c), req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, resp)
}

func (h *TransferHandler) SubmitChunk(c *gin.Context) {
	index, err := chunkIndex(c)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	resp, err := h.sessions.SubmitChunk(c.Request.Context(), ownerOf(c), c.Param("id"), index,
		c.Request.Body, c.GetHeader("X-Chunk-Checksum"))
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (h *TransferHandler) CompleteUpload(c *gin.Context) {
	resp, err := h.assembly.CompleteUpload(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

func (h *TransferHandler) InitiateDownload(c *gin.Context) {
	var req services.InitiateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, h.logger, fmt.Errorf("%w: %v", apperror.ErrInvalidRequest, err))
		return
	}
	resp, err := h.sessions.InitiateDownload(c.Request.Context(), ownerOf(c), req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, resp)
}

// FetchChunk answers with 206 and exactly the chunk's byte range. Once the
// first byte is out, errors can only be logged.
func (h *TransferHandler) FetchChunk(c *gin.Context) {
	index, err := chunkIndex(c)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	started := false
	err = h.assembly.FetchChunk(c.Request.Context(), ownerOf(c), c.Param("id"), index, c.Writer, func(r models.ByteRange) {
		started = true
		hdr := c.Writer.Header()
		hdr.Set("Content-Type", "application/octet-stream")
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Size))
		hdr.Set("Content-Length", strconv.FormatInt(r.Length, 10))
		hdr.Set("X-Chunk-Index", strconv.FormatUint(uint64(r.Index), 10))
		hdr.Set("X-Total-Chunks", strconv.FormatUint(uint64(r.TotalChunks), 10))
		c.Status(http.StatusPartialContent)
		c.Writer.WriteHeaderNow()
	})
	if err == nil {
		return
	}
	if started {
		h.logger.Warn("chunk stream interrupted", "session_id", c.Param("id"), "index", index, "error", err)
		c.Abort()
		return
	}
	renderError(c, h.logger, err)
}

func (h *TransferHandler) Pause(dir models.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := h.sessions.Pause(c.Request.Context(), ownerOf(c), dir, c.Param("id"))
		if err != nil {
			renderError(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, resp)
	}
}

func (h *TransferHandler) Resume(dir models.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := h.sessions.Resume(c.Request.Context(), ownerOf(c), dir, c.Param("id"))
		if err != nil {
			renderError(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, resp)
	}
}

func (h *TransferHandler) Cancel(dir models.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := h.sessions.Cancel(c.Request.Context(), ownerOf(c), dir, c.Param("id"))
		if err != nil {
			renderError(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, resp)
	}
}

func (h *TransferHandler) Status(dir models.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := h.sessions.Status(c.Request.Context(), ownerOf(c), dir, c.Param("id"))
		if err != nil {
			renderError(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, resp)
	}
}

func (h *TransferHandler) List(dir models.Direction) gin.HandlerFunc {
	return func(c *gin.Context) {
		var state models.SessionState
		if raw := c.Query("state"); raw != "" {
			st, err := models.ParseSessionState(raw)
			if err != nil {
				renderError(c, h.logger, fmt.Errorf("%w: %v", apperror.ErrInvalidRequest, err))
				return
			}
			state = st
		}
		resp, err := h.sessions.List(c.Request.Context(), ownerOf(c), dir, state)
		if err != nil {
			renderError(c, h.logger, err)
			return
		}
		respond(c, http.StatusOK, resp)
	}
}
