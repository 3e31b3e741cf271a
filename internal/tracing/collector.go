// Package tracing buffers execution spans and flushes them in batches
// into the task store. Spans cover workflow dispatch, drain steps,
// resumes, LLM calls, and tool executions; an optional exporter mirrors
// each flushed batch to an external backend.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
)

// Sink receives flushed span batches (implemented by the sqlite and
// Postgres task stores).
type Sink interface {
	WriteSpans(ctx context.Context, spans []task.SpanRecord) error
}

// Exporter mirrors flushed spans to an external backend (OpenTelemetry
// OTLP). Keeping this an interface confines the OTel dependency to the
// otelexport subpackage, compiled in with -tags otel.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []task.SpanRecord)
	Shutdown(ctx context.Context) error
}

// Collector buffers spans in memory and periodically flushes them to the
// sink in batches. Record is non-blocking: a full buffer drops the span
// with a warning rather than stalling a drain loop.
type Collector struct {
	sink Sink

	spanCh chan task.SpanRecord
	stopCh chan struct{}
	wg     sync.WaitGroup

	exporter Exporter
}

// NewCollector creates a collector over the sink. A nil sink is allowed
// when only an exporter is attached.
func NewCollector(sink Sink) *Collector {
	return &Collector{
		sink:   sink,
		spanCh: make(chan task.SpanRecord, defaultBufferSize),
		stopCh: make(chan struct{}),
	}
}

// SetExporter attaches an external span exporter.
func (c *Collector) SetExporter(exp Exporter) { c.exporter = exp }

// Start begins the background flush loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	slog.Info("tracing collector started")
}

// Stop shuts down the collector, flushing remaining spans first.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exporter.Shutdown(ctx); err != nil {
			slog.Warn("span exporter shutdown failed", "error", err)
		}
	}

	slog.Info("tracing collector stopped")
}

// Record enqueues a span for async batch insertion. Satisfies the
// workflow handler's and agent engine's span sink.
func (c *Collector) Record(rec task.SpanRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}

	select {
	case c.spanCh <- rec:
	default:
		slog.Warn("span buffer full, dropping span", "type", rec.Type, "name", rec.Name)
	}
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			// Drain remaining spans before exiting.
			c.flush()
			return
		}
	}
}

func (c *Collector) flush() {
	var spans []task.SpanRecord
drain:
	for {
		select {
		case rec := <-c.spanCh:
			spans = append(spans, rec)
		default:
			break drain
		}
	}
	if len(spans) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.sink != nil {
		if err := c.sink.WriteSpans(ctx, spans); err != nil {
			slog.Warn("span batch write failed", "count", len(spans), "error", err)
		} else {
			slog.Debug("flushed spans", "count", len(spans))
		}
	}
	if c.exporter != nil {
		c.exporter.ExportSpans(ctx, spans)
	}
}
