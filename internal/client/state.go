package client

import (
	"strings"
	"time"
)

type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkDone
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "uploading"
	case ChunkDone:
		return "done"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// glyph is the grid cell for a state.
func (s ChunkState) glyph() byte {
	switch s {
	case ChunkInFlight:
		return '>'
	case ChunkDone:
		return '#'
	case ChunkFailed:
		return 'x'
	default:
		return '.'
	}
}

const gridWidth = 50

// GridLegend explains the cells drawn by RenderGrid.
const GridLegend = "# done  > uploading  . pending  x failed"

// RenderGrid draws one cell per chunk, gridWidth cells per row.
func RenderGrid(states []ChunkState) string {
	var b strings.Builder
	for i, s := range states {
		if i > 0 && i%gridWidth == 0 {
			b.WriteByte('\n')
		}
		b.WriteByte(s.glyph())
	}
	return b.String()
}

// Snapshot is a copy of the upload progress handed to observers.
type Snapshot struct {
	UploadID string
	States   []ChunkState
	Done     int
	Failed   int
	InFlight int
	Total    int
	// Speed is bytes per second of the last completed chunk.
	Speed float64
	// ETA is unknown until a chunk completes in this run.
	ETA      time.Duration
	ETAKnown bool
}

// Percent of chunks done, 100 for an upload with no chunks.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Done) * 100 / float64(s.Total)
}

func countStates(states []ChunkState) (done, failed, inFlight int) {
	for _, s := range states {
		switch s {
		case ChunkDone:
			done++
		case ChunkFailed:
			failed++
		case ChunkInFlight:
			inFlight++
		}
	}
	return done, failed, inFlight
}
