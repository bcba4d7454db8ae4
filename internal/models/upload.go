package models

import "time"

// UploadStatus represents the lifecycle state of an upload session.
type UploadStatus string

const (
	UploadStatusUploading  UploadStatus = "UPLOADING"
	UploadStatusProcessing UploadStatus = "PROCESSING"
	UploadStatusCompleted  UploadStatus = "COMPLETED"
	UploadStatusFailed     UploadStatus = "FAILED"
)

// CanTransition reports whether moving from s to next keeps the status monotonic.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	switch s {
	case UploadStatusUploading:
		return next == UploadStatusProcessing || next == UploadStatusFailed
	case UploadStatusProcessing:
		return next == UploadStatusCompleted || next == UploadStatusFailed
	default:
		return false
	}
}

// ChunkStatus represents the state of a single expected chunk.
type ChunkStatus string

const (
	ChunkStatusPending  ChunkStatus = "PENDING"
	ChunkStatusUploaded ChunkStatus = "UPLOADED"
)

// UploadSession is the durable record of one logical file transfer.
type UploadSession struct {
	UploadID    string       `json:"uploadId" msgpack:"uploadId"`
	Filename    string       `json:"filename" msgpack:"filename"`
	TotalSize   int64        `json:"totalSize" msgpack:"totalSize"`
	TotalChunks int          `json:"totalChunks" msgpack:"totalChunks"`
	Status      UploadStatus `json:"status" msgpack:"status"`
	FinalHash   string       `json:"hash,omitempty" msgpack:"finalHash"`
	CreatedAt   time.Time    `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt" msgpack:"updatedAt"`
}

// NewUploadSession creates a session in UPLOADING status.
func NewUploadSession(id, filename string, totalSize int64, totalChunks int, now time.Time) *UploadSession {
	return &UploadSession{
		UploadID:    id,
		Filename:    filename,
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		Status:      UploadStatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ChunkRecord tracks one expected chunk of a session, keyed by (UploadID, ChunkIndex).
type ChunkRecord struct {
	UploadID   string      `json:"uploadId" msgpack:"uploadId"`
	ChunkIndex int         `json:"chunkIndex" msgpack:"chunkIndex"`
	Status     ChunkStatus `json:"status" msgpack:"status"`
	ReceivedAt *time.Time  `json:"receivedAt,omitempty" msgpack:"receivedAt"`
}
