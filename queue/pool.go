// Package queue decouples inbound harvesting-trigger messages from
// execution: a JetStream consumer feeds a bounded worker pool, and a
// publisher pushes progress and reference events back to the broker.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/refstream/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Pool is a generic worker pool over a bounded FIFO queue. Unlike a
// drop-on-full pool, Submit blocks the producer when the queue is at
// capacity: backpressure propagates to the broker ingestion path instead
// of growing memory or dropping work silently.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	stopCh   chan struct{}
	metrics  *PoolMetrics
	wg       *sync.WaitGroup

	// runCtx is the processors' context. It is detached from the caller's
	// Start context so cancelling intake never aborts queued work; Stop
	// cancels it once the drain grace expires.
	runCtx    context.Context
	runCancel context.CancelFunc

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// PoolMetrics holds Prometheus metrics for worker pool monitoring.
type PoolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// PoolOption configures a pool.
type PoolOption[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics with the platform registry.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) PoolOption[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a worker pool with the given concurrency and queue
// capacity.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...PoolOption[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pool)
	}
	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}
	return pool
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Current worker pool queue depth",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total work items processed successfully",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent processing work items",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"status"})

	serviceName := "worker_pool"
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_queue_depth", queueDepth)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", submitted)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", processed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", failed)
	p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", processingTime)

	p.metrics = &PoolMetrics{
		queueDepth:     queueDepth,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		processingTime: processingTime,
	}
}

// Submit appends work to the bounded queue, blocking while the queue is
// full. The wait ends when a slot frees up, the context ends, or the pool
// stops. The intake channel is never closed, so a submitter blocked on a
// full queue observes Stop as ErrPoolStopped, not a panic.
func (p *Pool[T]) Submit(ctx context.Context, work T) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.lifecycleMu.Unlock()
		return ErrPoolStopped
	}
	p.lifecycleMu.Unlock()

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolStopped
	}
}

// TrySubmit is the non-blocking variant; it fails with ErrQueueFull when
// the queue is at capacity.
func (p *Pool[T]) TrySubmit(work T) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.lifecycleMu.Unlock()
		return ErrPoolStopped
	}
	p.lifecycleMu.Unlock()

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. The caller's context contributes values
// only: cancelling it stops nothing here, so a shutdown signal can stop
// intake while queued work still drains under Stop's grace period.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.started = true
	return nil
}

// Stop signals shutdown and waits up to grace for queued work to drain,
// then cancels in-flight processors. Undrained work is abandoned to the
// broker's at-least-once redelivery: nothing is lost silently.
func (p *Pool[T]) Stop(grace time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.runCancel()
		return nil
	case <-timer.C:
		p.runCancel()
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
	}
}

// PoolStats represents worker pool statistics. Processed and Failed are
// disjoint: every attempted item lands in exactly one of the two.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

// worker loops: dequeue, process, record. A failing job never kills the
// worker. Once Stop signals, the worker keeps draining until the queue is
// empty and only then exits; cancellation of in-flight work is Stop's
// responsibility, after the grace elapsed.
func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for {
		select {
		case work := <-p.workChan:
			p.run(work)
		case <-p.stopCh:
			for {
				select {
				case work := <-p.workChan:
					p.run(work)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) run(work T) {
	start := time.Now()
	err := p.processor(p.runCtx, work)
	duration := time.Since(start)

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
	} else {
		atomic.AddInt64(&p.processed, 1)
	}

	if p.metrics != nil {
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		} else {
			p.metrics.processed.Inc()
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}
