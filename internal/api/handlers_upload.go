// handlers_upload.go - Resumable upload protocol handlers
package api

import (
	"net/http"
	"strconv"

	"github.com/chunkdrop/backend/internal/upload"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	HeaderChunkIndex = "chunk-index"
	HeaderChunkSize  = "chunk-size"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	uploads UploadService
	log     *zap.SugaredLogger
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(uploads UploadService, log *zap.SugaredLogger) UploadHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UploadHandlerImpl{
		uploads: uploads,
		log:     log,
	}
}

// HandleInit creates or resumes an upload session
func (h *UploadHandlerImpl) HandleInit(c echo.Context) error {
	var req initUploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	res, err := h.uploads.Initiate(c.Request().Context(), upload.InitRequest{
		Filename:    req.Filename,
		TotalSize:   *req.TotalSize,
		TotalChunks: *req.TotalChunks,
	})
	if err != nil {
		return uploadError(err, "")
	}

	return c.JSON(http.StatusOK, res)
}

// HandleChunk stores one raw chunk body at the offset given by its headers
func (h *UploadHandlerImpl) HandleChunk(c echo.Context) error {
	uploadID := c.Param("uploadId")
	if _, err := uuid.Parse(uploadID); err != nil {
		return NewNotFoundError("upload", uploadID)
	}

	index, err := strconv.Atoi(c.Request().Header.Get(HeaderChunkIndex))
	if err != nil || index < 0 {
		return NewValidationError(HeaderChunkIndex)
	}
	size, err := strconv.ParseInt(c.Request().Header.Get(HeaderChunkSize), 10, 64)
	if err != nil || size <= 0 {
		return NewValidationError(HeaderChunkSize)
	}

	body := c.Request().Body
	defer body.Close()

	res, err := h.uploads.WriteChunk(c.Request().Context(), upload.ChunkWrite{
		UploadID:   uploadID,
		ChunkIndex: index,
		ChunkSize:  size,
		Body:       body,
	})
	if err != nil {
		return uploadError(err, uploadID)
	}

	if res.AlreadyUploaded {
		h.log.Debugw("chunk", "status", "already uploaded", "uploadId", uploadID, "index", index)
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "already uploaded"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
}

// HandleFinalize verifies completeness, hashes the file and reports archive entries
func (h *UploadHandlerImpl) HandleFinalize(c echo.Context) error {
	uploadID := c.Param("uploadId")
	if _, err := uuid.Parse(uploadID); err != nil {
		return NewNotFoundError("upload", uploadID)
	}

	res, err := h.uploads.Finalize(c.Request().Context(), uploadID)
	if err != nil {
		return uploadError(err, uploadID)
	}

	if res.AlreadyFinalized {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "already finalized",
			"hash":   res.Hash,
		})
	}

	files := res.Files
	if files == nil {
		files = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "completed",
		"hash":   res.Hash,
		"files":  files,
	})
}

// HandleStatus returns the session and its uploaded chunk indices
func (h *UploadHandlerImpl) HandleStatus(c echo.Context) error {
	uploadID := c.Param("uploadId")
	if _, err := uuid.Parse(uploadID); err != nil {
		return NewNotFoundError("upload", uploadID)
	}

	st, err := h.uploads.Status(c.Request().Context(), uploadID)
	if err != nil {
		return uploadError(err, uploadID)
	}

	return c.JSON(http.StatusOK, st)
}

// Request types

// initUploadRequest uses pointers so absent numbers are rejected instead of read as zero
type initUploadRequest struct {
	Filename    string `json:"filename"`
	TotalSize   *int64 `json:"totalSize"`
	TotalChunks *int   `json:"totalChunks"`
}

func (r *initUploadRequest) validate() error {
	if r.Filename == "" {
		return NewValidationError("filename")
	}
	if r.TotalSize == nil || *r.TotalSize < 0 {
		return NewValidationError("totalSize")
	}
	if r.TotalChunks == nil || *r.TotalChunks < 0 {
		return NewValidationError("totalChunks")
	}
	return nil
}
