package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"
)

var (
	ErrServerUnreachable = errors.New("server unreachable")
	ErrChunksFailed      = errors.New("chunks failed to upload")
	// ErrChunkLayout means the server resumed a session split with a different chunk size.
	ErrChunkLayout = errors.New("chunk layout differs from server session")
)

// Outcome is how an Upload call ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAlreadyFinalized
	// OutcomeFinalizeInProgress means another finalize holds the session; the
	// bytes are all on the server, so it counts as success.
	OutcomeFinalizeInProgress
	OutcomeChunksFailed
	OutcomeServerUnreachable
	OutcomeInitRejected
	OutcomeFinalizeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAlreadyFinalized:
		return "already finalized"
	case OutcomeFinalizeInProgress:
		return "finalize in progress"
	case OutcomeChunksFailed:
		return "chunks failed"
	case OutcomeServerUnreachable:
		return "server unreachable"
	case OutcomeInitRejected:
		return "init rejected"
	case OutcomeFinalizeFailed:
		return "finalize failed"
	default:
		return "unknown"
	}
}

// Success reports whether the file is fully on the server.
func (o Outcome) Success() bool {
	return o == OutcomeCompleted || o == OutcomeAlreadyFinalized || o == OutcomeFinalizeInProgress
}

type FailureKind int

const (
	// FailureTransport: no response was received.
	FailureTransport FailureKind = iota
	// FailureServer: the server answered with a non-2xx status.
	FailureServer
)

func (k FailureKind) String() string {
	if k == FailureServer {
		return "server"
	}
	return "transport"
}

type ChunkFailure struct {
	Index    int
	Kind     FailureKind
	Attempts int
	Err      error
}

type Result struct {
	Outcome     Outcome
	UploadID    string
	TotalChunks int
	// Resumed counts chunks the server already had at init.
	Resumed  int
	Hash     string
	Files    []string
	Failures []ChunkFailure
}

// IsZip reports whether finalize found top-level archive entries.
func (r *Result) IsZip() bool {
	return len(r.Files) > 0
}

type Options struct {
	ChunkSize   int64
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	// OnProgress is called from the orchestrating goroutine only.
	OnProgress func(Snapshot)
	Logger     *zap.SugaredLogger
}

const (
	DefaultChunkSize   = 5 * 1024 * 1024
	DefaultConcurrency = 3
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

// OptionsFromConfig converts the parsed client config.
func OptionsFromConfig(cfg Config) (Options, error) {
	cfg.Normalize()
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return Options{}, err
	}
	backoff, err := cfg.BackoffBase()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ChunkSize:   chunkSize,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: backoff,
	}, nil
}

// Uploader drives one file through init, chunk transfer and finalize.
type Uploader struct {
	transport Transport
	opts      Options
	log       *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewUploader(transport Transport, opts Options) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Uploader{
		transport: transport,
		opts:      opts,
		log:       log,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

// Upload sends size bytes of r under filename. The returned Result is never
// nil; the error is non-nil exactly when Outcome.Success is false.
func (u *Uploader) Upload(ctx context.Context, filename string, r io.ReaderAt, size int64) (*Result, error) {
	src, err := NewChunkSource(r, size, u.opts.ChunkSize)
	if err != nil {
		return &Result{Outcome: OutcomeInitRejected}, err
	}
	total := src.TotalChunks()
	res := &Result{TotalChunks: total}

	initResp, err := u.transport.Init(ctx, InitRequest{
		Filename:    filename,
		TotalSize:   size,
		TotalChunks: total,
	})
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			res.Outcome = OutcomeServerUnreachable
			return res, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
		}
		res.Outcome = OutcomeInitRejected
		return res, fmt.Errorf("init upload: %w", err)
	}
	res.UploadID = initResp.UploadID
	if initResp.TotalChunks > 0 && initResp.TotalChunks != total {
		res.Outcome = OutcomeInitRejected
		return res, fmt.Errorf("%w: server session %s has %d chunks, this upload has %d",
			ErrChunkLayout, res.UploadID, initResp.TotalChunks, total)
	}

	states := make([]ChunkState, total)
	for _, i := range initResp.UploadedChunks {
		if i >= 0 && i < total {
			states[i] = ChunkDone
		}
	}
	var queue []int
	for i, s := range states {
		if s != ChunkDone {
			queue = append(queue, i)
		}
	}
	res.Resumed = total - len(queue)

	u.log.Infow("upload initialized",
		"uploadId", res.UploadID,
		"filename", filename,
		"totalChunks", total,
		"resumed", res.Resumed,
	)

	res.Failures = u.transfer(ctx, res.UploadID, src, states, queue)
	if len(res.Failures) > 0 {
		res.Outcome = OutcomeChunksFailed
		return res, fmt.Errorf("%w: %d of %d", ErrChunksFailed, len(res.Failures), total)
	}
	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeChunksFailed
		return res, err
	}

	fin, err := u.transport.Finalize(ctx, res.UploadID)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict && se.State != "failed" {
			res.Outcome = OutcomeFinalizeInProgress
			u.log.Infow("finalize already in progress", "uploadId", res.UploadID)
			return res, nil
		}
		res.Outcome = OutcomeFinalizeFailed
		return res, fmt.Errorf("finalize upload: %w", err)
	}

	res.Hash = fin.Hash
	res.Files = fin.Files
	if fin.Status == "already finalized" {
		res.Outcome = OutcomeAlreadyFinalized
	} else {
		res.Outcome = OutcomeCompleted
	}
	u.log.Infow("upload finished", "uploadId", res.UploadID, "outcome", res.Outcome.String(), "hash", res.Hash)
	return res, nil
}

type chunkResult struct {
	index    int
	bytes    int64
	elapsed  time.Duration
	attempts int
	err      error
}

// transfer runs at most Concurrency chunk senders. Only this loop writes to
// states; senders report back over results.
func (u *Uploader) transfer(ctx context.Context, uploadID string, src *ChunkSource, states []ChunkState, queue []int) []ChunkFailure {
	results := make(chan chunkResult)
	start := u.now()

	var (
		failures  []ChunkFailure
		inFlight  int
		next      int
		completed int
		speed     float64
	)

	u.emit(uploadID, states, speed, start, completed)

	for next < len(queue) || inFlight > 0 {
		for inFlight < u.opts.Concurrency && next < len(queue) {
			i := queue[next]
			next++
			states[i] = ChunkInFlight
			inFlight++
			go func(i int) {
				results <- u.sendChunk(ctx, uploadID, src, i)
			}(i)
		}
		u.emit(uploadID, states, speed, start, completed)

		r := <-results
		inFlight--
		if r.err != nil {
			states[r.index] = ChunkFailed
			f := ChunkFailure{Index: r.index, Kind: classify(r.err), Attempts: r.attempts, Err: r.err}
			failures = append(failures, f)
			u.log.Warnw("chunk failed", "uploadId", uploadID, "index", r.index, "attempts", r.attempts, "kind", f.Kind.String(), "ERROR", r.err)
		} else {
			states[r.index] = ChunkDone
			completed++
			speed = chunkSpeed(r.bytes, r.elapsed)
		}
		u.emit(uploadID, states, speed, start, completed)
	}

	slices.SortFunc(failures, func(a, b ChunkFailure) int { return a.Index - b.Index })
	return failures
}

func (u *Uploader) sendChunk(ctx context.Context, uploadID string, src *ChunkSource, i int) chunkResult {
	res := chunkResult{index: i, bytes: src.Len(i)}
	for attempt := 1; ; attempt++ {
		res.attempts = attempt
		started := u.now()
		err := u.transport.PutChunk(ctx, uploadID, i, src.ChunkSize(), src.Section(i))
		if err == nil {
			res.elapsed = u.now().Sub(started)
			res.err = nil
			return res
		}
		res.err = err
		if attempt >= u.opts.MaxAttempts {
			return res
		}
		u.log.Debugw("retrying chunk", "uploadId", uploadID, "index", i, "attempt", attempt, "ERROR", err)
		if u.sleep(ctx, u.backoff(attempt)) != nil {
			return res
		}
	}
}

// backoff is the wait after the given failed attempt: base * 2^(attempt-1).
func (u *Uploader) backoff(attempt int) time.Duration {
	return u.opts.BackoffBase << (attempt - 1)
}

func (u *Uploader) emit(uploadID string, states []ChunkState, speed float64, start time.Time, completed int) {
	if u.opts.OnProgress == nil {
		return
	}
	done, failed, inFlight := countStates(states)
	eta, known := estimateETA(len(states)-done, completed, u.now().Sub(start))
	u.opts.OnProgress(Snapshot{
		UploadID: uploadID,
		States:   slices.Clone(states),
		Done:     done,
		Failed:   failed,
		InFlight: inFlight,
		Total:    len(states),
		Speed:    speed,
		ETA:      eta,
		ETAKnown: known,
	})
}

func classify(err error) FailureKind {
	var se *StatusError
	if errors.As(err, &se) {
		return FailureServer
	}
	return FailureTransport
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
