package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Transport is the wire side of an upload. HTTPTransport is the production
// implementation; tests substitute fakes.
type Transport interface {
	Init(ctx context.Context, req InitRequest) (InitResponse, error)
	PutChunk(ctx context.Context, uploadID string, index int, chunkSize int64, body *io.SectionReader) error
	Finalize(ctx context.Context, uploadID string) (FinalizeResponse, error)
}

type InitRequest struct {
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"totalSize"`
	TotalChunks int    `json:"totalChunks"`
}

type InitResponse struct {
	UploadID       string `json:"uploadId"`
	UploadedChunks []int  `json:"uploadedChunks"`
	// TotalChunks is the session's chunk count. A resumed session keeps the
	// count it was created with.
	TotalChunks int `json:"totalChunks"`
}

type FinalizeResponse struct {
	Status string   `json:"status"`
	Hash   string   `json:"hash"`
	Files  []string `json:"files"`
}

// TransportError means no HTTP response was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: no response from server: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a response with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	// Reason is the "error" field of the body, State the "status" field.
	Reason string
	State  string
}

func (e *StatusError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = e.State
	}
	if reason == "" {
		reason = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, reason)
}

// HTTPTransport talks to the /uploads API. Control calls (init, finalize)
// are retried by retryablehttp; chunk uploads are retried by the Uploader.
type HTTPTransport struct {
	baseURL string
	control *retryablehttp.Client
	data    *retryablehttp.Client
	log     *zap.SugaredLogger
}

func NewHTTPTransport(cfg Config, log *zap.SugaredLogger) (*HTTPTransport, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backoff, _ := cfg.BackoffBase()
	timeout, _ := cfg.Timeout()

	newClient := func(retries int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.RetryMax = retries
		c.RetryWaitMin = backoff
		c.RetryWaitMax = 8 * backoff
		c.HTTPClient.Timeout = timeout
		c.Logger = leveledLogger{log}
		c.CheckRetry = retryablehttp.DefaultRetryPolicy
		// hand the last response or error back instead of a generic "giving up"
		c.ErrorHandler = retryablehttp.PassthroughErrorHandler
		return c
	}

	return &HTTPTransport{
		baseURL: strings.TrimRight(cfg.ServerURL, "/") + "/uploads",
		control: newClient(cfg.ControlRetries),
		data:    newClient(0),
		log:     log,
	}, nil
}

func (t *HTTPTransport) Init(ctx context.Context, in InitRequest) (InitResponse, error) {
	var out InitResponse

	body, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/init", body)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := t.do(t.control, req, "init", &out); err != nil {
		return out, err
	}
	if out.UploadedChunks == nil {
		out.UploadedChunks = []int{}
	}
	return out, nil
}

func (t *HTTPTransport) PutChunk(ctx context.Context, uploadID string, index int, chunkSize int64, body *io.SectionReader) error {
	url := fmt.Sprintf("%s/%s/chunk", t.baseURL, uploadID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("chunk-index", strconv.Itoa(index))
	req.Header.Set("chunk-size", strconv.FormatInt(chunkSize, 10))

	// retryablehttp only knows the length of readers with Len()
	req.ContentLength = body.Size()

	return t.do(t.data, req, "chunk "+strconv.Itoa(index), nil)
}

func (t *HTTPTransport) Finalize(ctx context.Context, uploadID string) (FinalizeResponse, error) {
	var out FinalizeResponse

	url := fmt.Sprintf("%s/%s/finalize", t.baseURL, uploadID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return out, err
	}

	if err := t.do(t.control, req, "finalize", &out); err != nil {
		return out, err
	}
	return out, nil
}

func (t *HTTPTransport) do(c *retryablehttp.Client, req *retryablehttp.Request, op string, out interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return &TransportError{Op: op, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.log.Debugw("close response body", "op", op, "ERROR", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func unwrapError(op string, resp *http.Response) error {
	se := &StatusError{Op: op, StatusCode: resp.StatusCode}

	var body struct {
		Error  string `json:"error"`
		Status string `json:"status"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && json.Unmarshal(data, &body) == nil {
		se.Reason = body.Error
		se.State = body.Status
	}
	return se
}

// leveledLogger routes retryablehttp's own logging into zap at debug level.
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }

var _ retryablehttp.LeveledLogger = leveledLogger{}

