package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUploadStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from UploadStatus
		to   UploadStatus
		want bool
	}{
		{UploadStatusUploading, UploadStatusProcessing, true},
		{UploadStatusUploading, UploadStatusFailed, true},
		{UploadStatusUploading, UploadStatusCompleted, false},
		{UploadStatusProcessing, UploadStatusCompleted, true},
		{UploadStatusProcessing, UploadStatusFailed, true},
		{UploadStatusProcessing, UploadStatusUploading, false},
		{UploadStatusCompleted, UploadStatusProcessing, false},
		{UploadStatusCompleted, UploadStatusFailed, false},
		{UploadStatusFailed, UploadStatusUploading, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestNewUploadSession(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewUploadSession("id-1", "a.zip", 12, 3, now)

	assert.Equal(t, UploadStatusUploading, s.Status)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.UpdatedAt)
	assert.Empty(t, s.FinalHash)
}
