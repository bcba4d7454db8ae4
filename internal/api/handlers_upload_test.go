// handlers_upload_test.go - Tests for upload handlers
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chunkdrop/backend/internal/upload"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUploads is a scripted UploadService
type fakeUploads struct {
	initErr     error
	writeErr    error
	finalizeErr error
	already     bool
	finalized   *upload.FinalizeResult

	lastInit  upload.InitRequest
	lastWrite upload.ChunkWrite
	lastBody  string
}

func (f *fakeUploads) Initiate(_ context.Context, req upload.InitRequest) (*upload.InitResult, error) {
	f.lastInit = req
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &upload.InitResult{UploadID: "11111111-2222-3333-4444-555555555555", UploadedChunks: []int{}}, nil
}

func (f *fakeUploads) WriteChunk(_ context.Context, w upload.ChunkWrite) (*upload.WriteResult, error) {
	f.lastWrite = w
	body, _ := io.ReadAll(w.Body)
	f.lastBody = string(body)
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	return &upload.WriteResult{AlreadyUploaded: f.already, BytesWritten: int64(len(body))}, nil
}

func (f *fakeUploads) Finalize(_ context.Context, _ string) (*upload.FinalizeResult, error) {
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	return f.finalized, nil
}

func (f *fakeUploads) Status(_ context.Context, id string) (*upload.SessionStatus, error) {
	return nil, upload.ErrSessionNotFound
}

func TestUploadHandler_HandleInit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "valid request",
			body:       `{"filename":"a.zip","totalSize":12582912,"totalChunks":3}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "empty file",
			body:       `{"filename":"empty.txt","totalSize":0,"totalChunks":0}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing filename",
			body:       `{"totalSize":10,"totalChunks":1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "missing totalSize",
			body:       `{"filename":"a","totalChunks":1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "missing totalChunks",
			body:       `{"filename":"a","totalSize":1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "wrong type",
			body:       `{"filename":"a","totalSize":"big","totalChunks":1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name:       "rejected by manager",
			body:       `{"filename":"a","totalSize":1,"totalChunks":5}`,
			serviceErr: fmt.Errorf("%w: more chunks than bytes", upload.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name:       "store failure",
			body:       `{"filename":"a","totalSize":1,"totalChunks":1}`,
			serviceErr: errors.New("duckdb: io error"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeUploads{initErr: tt.serviceErr}
			handler := NewUploadHandler(svc, nil)

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/uploads/init", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler.HandleInit(c)

			if tt.wantCode != "" {
				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("expected APIError, got %T (%v)", err, err)
				}
				assert.Equal(t, tt.wantStatus, apiErr.Status)
				assert.Equal(t, tt.wantCode, apiErr.Code)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "11111111-2222-3333-4444-555555555555", resp["uploadId"])
			assert.Equal(t, []interface{}{}, resp["uploadedChunks"])
		})
	}
}

func TestUploadHandler_HandleChunk(t *testing.T) {
	validID := uuid.NewString()

	tests := []struct {
		name       string
		uploadID   string
		index      string
		size       string
		serviceErr error
		already    bool
		wantStatus int
		wantBody   string
		wantReason string
	}{
		{name: "stored", uploadID: validID, index: "1", size: "4", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "already uploaded", uploadID: validID, index: "1", size: "4", already: true, wantStatus: http.StatusOK, wantBody: "already uploaded"},
		{name: "missing index header", uploadID: validID, size: "4", wantStatus: http.StatusBadRequest, wantReason: "invalid chunk-index"},
		{name: "non numeric index", uploadID: validID, index: "one", size: "4", wantStatus: http.StatusBadRequest, wantReason: "invalid chunk-index"},
		{name: "negative index", uploadID: validID, index: "-1", size: "4", wantStatus: http.StatusBadRequest, wantReason: "invalid chunk-index"},
		{name: "missing size header", uploadID: validID, index: "0", wantStatus: http.StatusBadRequest, wantReason: "invalid chunk-size"},
		{name: "zero size", uploadID: validID, index: "0", size: "0", wantStatus: http.StatusBadRequest, wantReason: "invalid chunk-size"},
		{name: "malformed upload id", uploadID: "..%2F..%2Fetc", index: "0", size: "4", wantStatus: http.StatusNotFound, wantReason: "upload not found"},
		{name: "unknown upload", uploadID: validID, index: "0", size: "4", serviceErr: upload.ErrSessionNotFound, wantStatus: http.StatusNotFound, wantReason: "upload not found"},
		{name: "unknown chunk", uploadID: validID, index: "9", size: "4", serviceErr: upload.ErrUnknownChunk, wantStatus: http.StatusBadRequest, wantReason: "unknown chunk"},
		{name: "out of range", uploadID: validID, index: "1", size: "4", serviceErr: upload.ErrChunkOutOfRange, wantStatus: http.StatusBadRequest, wantReason: "chunk out of range"},
		{name: "write failure", uploadID: validID, index: "1", size: "4", serviceErr: errors.New("disk full"), wantStatus: http.StatusInternalServerError, wantReason: "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeUploads{writeErr: tt.serviceErr, already: tt.already}
			handler := NewUploadHandler(svc, nil)

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/uploads/"+tt.uploadID+"/chunk", strings.NewReader("efgh"))
			if tt.index != "" {
				req.Header.Set(HeaderChunkIndex, tt.index)
			}
			if tt.size != "" {
				req.Header.Set(HeaderChunkSize, tt.size)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("uploadId")
			c.SetParamValues(tt.uploadID)

			err := handler.HandleChunk(c)

			if tt.wantReason != "" {
				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("expected APIError, got %T (%v)", err, err)
				}
				assert.Equal(t, tt.wantStatus, apiErr.Status)
				assert.Equal(t, tt.wantReason, apiErr.Reason)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, `{"status":"`+tt.wantBody+`"}`, rec.Body.String())
			assert.Equal(t, 1, svc.lastWrite.ChunkIndex)
			assert.Equal(t, int64(4), svc.lastWrite.ChunkSize)
			assert.Equal(t, "efgh", svc.lastBody)
		})
	}
}

func TestUploadHandler_HandleFinalize(t *testing.T) {
	validID := uuid.NewString()

	tests := []struct {
		name       string
		result     *upload.FinalizeResult
		serviceErr error
		wantStatus int
		wantJSON   string
	}{
		{
			name:       "completed",
			result:     &upload.FinalizeResult{Hash: "abc", Files: []string{"a.txt"}},
			wantStatus: http.StatusOK,
			wantJSON:   `{"status":"completed","hash":"abc","files":["a.txt"]}`,
		},
		{
			name:       "completed without entries",
			result:     &upload.FinalizeResult{Hash: "abc"},
			wantStatus: http.StatusOK,
			wantJSON:   `{"status":"completed","hash":"abc","files":[]}`,
		},
		{
			name:       "already finalized",
			result:     &upload.FinalizeResult{AlreadyFinalized: true, Hash: "abc"},
			wantStatus: http.StatusOK,
			wantJSON:   `{"status":"already finalized","hash":"abc"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewUploadHandler(&fakeUploads{finalized: tt.result}, nil)

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/uploads/"+validID+"/finalize", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("uploadId")
			c.SetParamValues(validID)

			require.NoError(t, handler.HandleFinalize(c))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantJSON, rec.Body.String())
		})
	}

	errorTests := []struct {
		name       string
		serviceErr error
		wantStatus int
		wantState  string
		wantReason string
	}{
		{"busy", upload.ErrFinalizeBusy, http.StatusConflict, "processing", "finalize already in progress"},
		{"failed", upload.ErrSessionFailed, http.StatusConflict, "failed", "upload failed verification"},
		{"chunks missing", fmt.Errorf("%w: 1 of 3", upload.ErrChunksMissing), http.StatusBadRequest, "", "chunks missing"},
		{"not found", upload.ErrSessionNotFound, http.StatusNotFound, "", "upload not found"},
	}

	for _, tt := range errorTests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewUploadHandler(&fakeUploads{finalizeErr: tt.serviceErr}, nil)

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/uploads/"+validID+"/finalize", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("uploadId")
			c.SetParamValues(validID)

			err := handler.HandleFinalize(c)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantState, apiErr.State)
			assert.Equal(t, tt.wantReason, apiErr.Reason)
		})
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		showDetails bool
		wantStatus  int
		wantJSON    string
	}{
		{
			name:       "conflict body carries status",
			err:        NewConflictError("processing", "finalize already in progress"),
			wantStatus: http.StatusConflict,
			wantJSON:   `{"code":"CONFLICT","message":"finalize already in progress","error":"finalize already in progress","status":"processing"}`,
		},
		{
			name:       "precondition body carries error",
			err:        NewPreconditionError("chunks missing", nil),
			wantStatus: http.StatusBadRequest,
			wantJSON:   `{"code":"PRECONDITION_FAILED","message":"chunks missing","error":"chunks missing"}`,
		},
		{
			name:       "internal details hidden",
			err:        NewInternalError("upload operation failed", errors.New("/var/data/x: permission denied")),
			wantStatus: http.StatusInternalServerError,
			wantJSON:   `{"code":"INTERNAL_ERROR","message":"upload operation failed","error":"internal error"}`,
		},
		{
			name:        "internal details shown",
			err:         NewInternalError("upload operation failed", errors.New("boom")),
			showDetails: true,
			wantStatus:  http.StatusInternalServerError,
			wantJSON:    `{"code":"INTERNAL_ERROR","message":"upload operation failed","error":"internal error","details":"boom"}`,
		},
		{
			name:       "echo http error",
			err:        echo.NewHTTPError(http.StatusMethodNotAllowed, "Method Not Allowed"),
			wantStatus: http.StatusMethodNotAllowed,
			wantJSON:   `{"code":"HTTP_ERROR","message":"Method Not Allowed","error":"Method Not Allowed"}`,
		},
		{
			name:       "plain error",
			err:        errors.New("surprise"),
			wantStatus: http.StatusInternalServerError,
			wantJSON:   `{"code":"UNKNOWN_ERROR","message":"An unexpected error occurred","error":"internal error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/uploads/x/finalize", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			NewErrorHandler(nopLogger(), tt.showDetails)(tt.err, c)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantJSON, rec.Body.String())
		})
	}
}
