package cost

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/metrics"
	"github.com/sells-group/signal-cli/internal/model"
)

// Sink persists cost entries. InsertCosts returns the number of rows written.
type Sink interface {
	InsertCosts(ctx context.Context, entries []model.CostEntry) (int, error)
}

// RecorderConfig controls buffering and flushing.
type RecorderConfig struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxBuffer     int
}

// DefaultRecorderConfig returns the default buffering policy.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		FlushInterval: 5 * time.Second,
		BatchSize:     100,
		MaxBuffer:     10_000,
	}
}

// Recorder buffers cost entries in memory and flushes them to a Sink in
// batches, periodically and whenever the buffer reaches BatchSize.
type Recorder struct {
	sink Sink
	cfg  RecorderConfig
	log  *zap.Logger

	mu  sync.Mutex
	buf []model.CostEntry

	// flushMu makes flushes exclusive; it is never held while appending.
	flushMu sync.Mutex

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	nowFunc   func() time.Time
}

// NewRecorder creates a Recorder. Call Start to enable background flushing.
func NewRecorder(sink Sink, cfg RecorderConfig) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBuffer < cfg.BatchSize {
		cfg.MaxBuffer = max(def.MaxBuffer, cfg.BatchSize)
	}
	return &Recorder{
		sink:    sink,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "cost_recorder")),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Start launches the background flush loop.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.loop(ctx)
	})
}

// Record validates e and appends it to the buffer. It returns false, without
// an error, when the entry is invalid or the buffer is full.
func (r *Recorder) Record(e model.CostEntry) bool {
	if err := Validate(e); err != nil {
		r.log.Warn("cost: rejected entry",
			zap.String("agent_id", e.AgentID),
			zap.String("correlation_id", e.CorrelationID),
			zap.Error(err),
		)
		metrics.CostDropped.Inc()
		return false
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.nowFunc().UTC()
	}

	r.mu.Lock()
	if len(r.buf) >= r.cfg.MaxBuffer {
		r.mu.Unlock()
		r.log.Warn("cost: buffer full, dropping entry", zap.String("agent_id", e.AgentID))
		metrics.CostDropped.Inc()
		return false
	}
	r.buf = append(r.buf, e)
	full := len(r.buf) >= r.cfg.BatchSize
	r.mu.Unlock()

	metrics.CostUSD.WithLabelValues(e.Provider, e.Model).Add(e.CostUSD)

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns the number of buffered entries.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Flush writes every buffered entry to the sink. Entries recorded while a
// flush is running land in the next cycle. On failure the unwritten entries
// are re-queued ahead of newer ones.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	for start := 0; start < len(batch); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(batch))
		n, err := r.sink.InsertCosts(ctx, batch[start:end])
		if err != nil {
			metrics.CostFlushes.WithLabelValues("error").Inc()
			r.requeue(batch[start:])
			return eris.Wrapf(err, "cost: flush %d entries", len(batch)-start)
		}
		metrics.CostFlushes.WithLabelValues("ok").Inc()
		r.log.Debug("cost: flushed batch", zap.Int("entries", n))
	}
	return nil
}

func (r *Recorder) requeue(failed []model.CostEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make([]model.CostEntry, 0, len(failed)+len(r.buf))
	merged = append(merged, failed...)
	merged = append(merged, r.buf...)
	if over := len(merged) - r.cfg.MaxBuffer; over > 0 {
		r.log.Error("cost: buffer overflow after failed flush, dropping oldest entries", zap.Int("dropped", over))
		metrics.CostDropped.Add(float64(over))
		merged = merged[over:]
	}
	r.buf = merged
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if err := r.Flush(ctx); err != nil {
			r.log.Warn("cost: periodic flush failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			flush()
		case <-r.kick:
			flush()
		}
	}
}

// Close stops the background loop and performs a final flush.
func (r *Recorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)
		// A recorder that was never started has no loop to wait for.
		r.startOnce.Do(func() { close(r.done) })
		select {
		case <-r.done:
		case <-ctx.Done():
		}
		err = r.Flush(ctx)
	})
	return err
}

// Validate rejects entries that must never reach the store.
func Validate(e model.CostEntry) error {
	switch {
	case e.InputTokens < 0 || e.OutputTokens < 0:
		return eris.Errorf("cost: negative token count (input=%d output=%d)", e.InputTokens, e.OutputTokens)
	case math.IsNaN(e.CostUSD) || math.IsInf(e.CostUSD, 0):
		return eris.Errorf("cost: non-finite cost %f", e.CostUSD)
	case e.CostUSD < 0:
		return eris.Errorf("cost: negative cost %f", e.CostUSD)
	case e.AgentID == "":
		return eris.New("cost: missing agent id")
	}
	return nil
}
