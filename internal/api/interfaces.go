// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/chunkdrop/backend/internal/upload"
	"github.com/labstack/echo/v4"
)

// UploadHandler handles the resumable upload protocol
type UploadHandler interface {
	HandleInit(c echo.Context) error
	HandleChunk(c echo.Context) error
	HandleFinalize(c echo.Context) error
	HandleStatus(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// UploadService defines the upload lifecycle operations the handlers need
// This allows mocking in tests
type UploadService interface {
	Initiate(ctx context.Context, req upload.InitRequest) (*upload.InitResult, error)
	WriteChunk(ctx context.Context, w upload.ChunkWrite) (*upload.WriteResult, error)
	Finalize(ctx context.Context, uploadID string) (*upload.FinalizeResult, error)
	Status(ctx context.Context, uploadID string) (*upload.SessionStatus, error)
}

var _ UploadService = (*upload.Manager)(nil)

// StoreProbe checks that the session store is reachable
type StoreProbe interface {
	Ping(ctx context.Context) error
}
