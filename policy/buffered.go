package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/justapithecus/promptopt/log"
	"github.com/justapithecus/promptopt/types"
)

// FlushMode controls flush failure semantics for BufferedPolicy.
type FlushMode string

const (
	// FlushAtLeastOnce keeps the buffer on failure and retries it on the
	// next flush. A failure on the final flush fails the run.
	// This is the default.
	FlushAtLeastOnce FlushMode = "at_least_once"

	// FlushBestEffort discards the buffer on failure and counts an error.
	// Archive gaps never fail the run.
	FlushBestEffort FlushMode = "best_effort"
)

// BufferedConfig configures a BufferedPolicy.
type BufferedConfig struct {
	// MaxBufferEvents is the maximum number of events to buffer.
	// Zero means no limit (use MaxBufferBytes instead).
	MaxBufferEvents int

	// MaxBufferBytes is the maximum buffer size in bytes (estimated).
	// Zero means no limit (use MaxBufferEvents instead).
	// At least one limit must be set.
	MaxBufferBytes int64

	// FlushMode controls flush failure semantics.
	FlushMode FlushMode

	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
}

// DefaultBufferedConfig returns sensible defaults for buffered policy.
// A full run with six iterations emits well under a hundred events.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		MaxBufferEvents: 256,
		MaxBufferBytes:  4 * 1024 * 1024,
		FlushMode:       FlushAtLeastOnce,
	}
}

// ErrBufferFull is returned when buffer is full and event is non-droppable.
var ErrBufferFull = errors.New("buffer full: cannot accept non-droppable event")

// ErrInvalidConfig is returned when BufferedConfig is invalid.
var ErrInvalidConfig = errors.New("invalid config: at least one of MaxBufferEvents or MaxBufferBytes must be set")

// ErrInvalidFlushMode is returned when FlushMode is unknown.
var ErrInvalidFlushMode = errors.New("invalid flush mode")

// BufferedPolicy implements buffered persistence with drop rules.
//
//   - Bounded buffer with explicit limits
//   - May drop informational events when full, oldest first
//   - Must NOT drop committing or terminal events
//   - Batch writes on flush, in seq order
type BufferedPolicy struct {
	sink   Sink
	config BufferedConfig
	logger *log.Logger

	mu          sync.Mutex // guards buffer state and stats
	buffer      []*types.EventRecord
	bufferBytes int64
	stats       *statsRecorder
}

// NewBufferedPolicy creates a new buffered policy.
// Returns error if config is invalid.
func NewBufferedPolicy(sink Sink, config BufferedConfig) (*BufferedPolicy, error) {
	if config.MaxBufferEvents <= 0 && config.MaxBufferBytes <= 0 {
		return nil, ErrInvalidConfig
	}

	if config.FlushMode == "" {
		config.FlushMode = FlushAtLeastOnce
	}

	switch config.FlushMode {
	case FlushAtLeastOnce, FlushBestEffort:
		// valid
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidFlushMode, config.FlushMode)
	}

	return &BufferedPolicy{
		sink:   sink,
		config: config,
		logger: config.Logger,
		buffer: make([]*types.EventRecord, 0, min(max(config.MaxBufferEvents, 16), 1024)),
		stats:  newStatsRecorder(),
	}, nil
}

// IngestEvent buffers the event, applying drop rules if the buffer is full.
//
// Drop strategy when full:
//   - If incoming event is droppable: drop it, record in stats
//   - If incoming event is non-droppable and buffer has droppable events: drop oldest droppable
//   - If incoming event is non-droppable and no droppable events: return error (fail run)
func (p *BufferedPolicy) IngestEvent(_ context.Context, record *types.EventRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.incTotalEventsLocked()

	size := estimateRecordSize(record)

	if p.hasRoomForEvent(size) {
		p.appendEvent(record, size)
		return nil
	}

	if IsDroppable(&record.Event) {
		stage := stageKey(&record.Event)
		p.stats.incEventsDroppedLocked(stage)
		p.logDrop(stage, "buffer_full")
		return nil
	}

	for p.dropOldestDroppable() {
		if p.hasRoomForEvent(size) {
			p.appendEvent(record, size)
			return nil
		}
	}

	p.stats.incErrorsLocked()
	p.logBufferOverflow(record.Event.Stage)
	return ErrBufferFull
}

// appendEvent adds an event to the buffer. Caller must hold mu.
func (p *BufferedPolicy) appendEvent(record *types.EventRecord, size int64) {
	p.buffer = append(p.buffer, record)
	p.bufferBytes += size
	p.stats.setBufferSizeLocked(p.bufferBytes)
}

// Flush writes all buffered events to the sink.
func (p *BufferedPolicy) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.stats.incFlushLocked()
	batch := p.buffer
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := p.sink.WriteEvents(ctx, batch); err != nil {
		p.mu.Lock()
		p.stats.incErrorsLocked()
		if p.config.FlushMode == FlushBestEffort {
			for _, r := range batch {
				p.stats.incEventsDroppedLocked(stageKey(&r.Event))
			}
			p.removeFlushed(len(batch))
		}
		p.mu.Unlock()
		p.logFlushFailure(len(batch), err)
		if p.config.FlushMode == FlushBestEffort {
			return nil
		}
		return err
	}

	p.mu.Lock()
	p.stats.incEventsPersistedLocked(int64(len(batch)))
	p.removeFlushed(len(batch))
	p.mu.Unlock()

	return nil
}

// removeFlushed drops the first n buffered events and recomputes the byte
// count. Events appended during the flush are kept. Caller must hold mu.
func (p *BufferedPolicy) removeFlushed(n int) {
	remaining := make([]*types.EventRecord, 0, max(len(p.buffer)-n, 0))
	remaining = append(remaining, p.buffer[n:]...)
	p.buffer = remaining

	var total int64
	for _, r := range p.buffer {
		total += estimateRecordSize(r)
	}
	p.bufferBytes = total
	p.stats.setBufferSizeLocked(total)
}

// Close flushes remaining data and closes the sink.
func (p *BufferedPolicy) Close() error {
	flushErr := p.Flush(context.Background())
	closeErr := p.sink.Close()
	return errors.Join(flushErr, closeErr)
}

// Stats returns an atomic snapshot of policy statistics.
func (p *BufferedPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats.snapshotLocked(p.bufferBytes)
}

// hasRoomForEvent checks if the buffer can accept an event of the given size.
func (p *BufferedPolicy) hasRoomForEvent(size int64) bool {
	if p.config.MaxBufferEvents > 0 && len(p.buffer) >= p.config.MaxBufferEvents {
		return false
	}
	if p.config.MaxBufferBytes > 0 && p.bufferBytes+size > p.config.MaxBufferBytes {
		return false
	}
	return true
}

// dropOldestDroppable removes the oldest droppable event from the buffer.
// Returns false if no droppable events exist. Caller must hold mu.
func (p *BufferedPolicy) dropOldestDroppable() bool {
	for i, r := range p.buffer {
		if !IsDroppable(&r.Event) {
			continue
		}
		stage := stageKey(&r.Event)
		p.buffer = append(p.buffer[:i], p.buffer[i+1:]...)
		p.bufferBytes -= estimateRecordSize(r)
		p.stats.setBufferSizeLocked(p.bufferBytes)
		p.stats.incEventsDroppedLocked(stage)
		p.logDrop(stage, "evicted_for_non_droppable")
		return true
	}
	return false
}

// estimateRecordSize returns an estimated size in bytes for a record.
// The received payload size dominates; the constant covers record fields.
func estimateRecordSize(r *types.EventRecord) int64 {
	return int64(r.Size) + 128
}

// --- Logging helpers ---

func (p *BufferedPolicy) logDrop(stage, reason string) {
	if p.logger == nil {
		return
	}
	p.logger.Warn("event dropped", map[string]any{
		"stage":  stage,
		"reason": reason,
		"policy": "buffered",
	})
}

func (p *BufferedPolicy) logBufferOverflow(stage string) {
	if p.logger == nil {
		return
	}
	p.logger.Error("buffer overflow", map[string]any{
		"stage":  stage,
		"policy": "buffered",
	})
}

func (p *BufferedPolicy) logFlushFailure(n int, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error("flush failed", map[string]any{
		"events": n,
		"error":  err.Error(),
		"mode":   string(p.config.FlushMode),
		"policy": "buffered",
	})
}
