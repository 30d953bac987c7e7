package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/refstream/config"
	"github.com/c360/refstream/harvest"
	"github.com/c360/refstream/metric"
	"github.com/c360/refstream/types"
)

// Message is the slice of a broker message the consumer needs: payload
// plus explicit acknowledgement. jetstream.Msg satisfies it.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Broker is the inbound side of the broker connection.
type Broker interface {
	EnsureStream(ctx context.Context, name string, subjects []string) error
	Consume(ctx context.Context, streamName, subject, durable string, handler func(jetstream.Msg)) error
}

// job pairs a broker message with its parsed request so the worker can
// acknowledge the exact message it processed.
type job struct {
	msg Message
	req *types.HarvestRequest
}

// ConsumerDeps holds runtime dependencies for the consumer.
type ConsumerDeps struct {
	Broker       Broker
	Orchestrator *harvest.Orchestrator
	Publisher    *Publisher
	Config       *config.Config
	Logger       *slog.Logger
	Registry     *metric.MetricsRegistry // optional
}

// Consumer bridges the broker to the worker pool. It pulls harvest
// requests from a durable JetStream consumer, parses them, and submits
// them to a bounded pool; each worker registers and runs the retrieval,
// publishes the resulting envelopes, and acknowledges the message only
// after the retrieval reached a terminal state.
//
// Acknowledgement policy: unparseable requests are acked immediately so
// a poison message cannot wedge the queue. Infrastructure failures
// (storage, broker, cancelled shutdown) nak the message for redelivery.
// Source-level harvesting failures are terminal outcomes, recorded and
// published, and the message is acked.
type Consumer struct {
	broker       Broker
	orchestrator *harvest.Orchestrator
	publisher    *Publisher
	pool         *Pool[job]
	logger       *slog.Logger

	streamName      string
	subject         string
	durable         string
	identifierTypes []string
	resultQueueSize int
	shutdownGrace   time.Duration
}

// NewConsumer creates the consumer and its worker pool.
func NewConsumer(deps ConsumerDeps) *Consumer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	c := &Consumer{
		broker:          deps.Broker,
		orchestrator:    deps.Orchestrator,
		publisher:       deps.Publisher,
		logger:          logger,
		streamName:      cfg.NATS.Stream,
		subject:         cfg.NATS.Subject,
		durable:         cfg.NATS.Consumer,
		identifierTypes: cfg.IdentifierTypes(),
		resultQueueSize: cfg.Harvest.ResultQueueSize,
		shutdownGrace:   cfg.Queue.ShutdownGrace,
	}

	poolOpts := []PoolOption[job]{}
	if deps.Registry != nil {
		poolOpts = append(poolOpts, WithMetricsRegistry[job](deps.Registry, "refstream_harvest"))
	}
	c.pool = NewPool(cfg.Queue.Workers, cfg.Queue.Capacity, c.process, poolOpts...)

	return c
}

// Start provisions the stream, launches the workers, and begins
// consuming. Messages flow until ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.broker.EnsureStream(ctx, c.streamName, []string{c.subject}); err != nil {
		return err
	}
	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	return c.broker.Consume(ctx, c.streamName, c.subject, c.durable, func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
}

// Stop drains the worker pool. Messages still queued when the grace
// period expires are redelivered by the broker.
func (c *Consumer) Stop() error {
	return c.pool.Stop(c.shutdownGrace)
}

// Stats exposes worker pool statistics.
func (c *Consumer) Stats() PoolStats {
	return c.pool.Stats()
}

// handle parses an inbound message and hands it to the pool. Submit
// blocks when the queue is full, which stalls the JetStream delivery
// callback: backpressure instead of unbounded buffering.
func (c *Consumer) handle(ctx context.Context, msg Message) {
	req, err := types.ParseHarvestRequest(msg.Data(), c.identifierTypes)
	if err != nil {
		// Poison message: redelivery would fail identically, so ack it
		// out of the queue and keep the evidence in the log.
		c.logger.Warn("discarding invalid harvest request", "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Error("failed to ack invalid request", "error", ackErr)
		}
		return
	}

	if err := c.pool.Submit(ctx, job{msg: msg, req: req}); err != nil {
		c.logger.Warn("could not enqueue harvest request", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Error("failed to nak request", "error", nakErr)
		}
	}
}

// process executes one harvest request end to end. It is the pool
// processor, so a returned error marks the job failed in the pool stats
// but never kills the worker.
func (c *Consumer) process(ctx context.Context, j job) error {
	reg, err := c.orchestrator.Register(ctx, j.req)
	if err != nil {
		c.logger.Error("failed to register harvest request", "error", err)
		c.nak(j.msg)
		return err
	}

	out := make(chan types.Envelope, c.resultQueueSize)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for env := range out {
			// Publish failures are logged inside the publisher; the
			// harvesting state is already persisted, so a lost progress
			// message never aborts the run.
			_ = c.publisher.Publish(ctx, env)
		}
	}()

	runErr := c.orchestrator.Run(ctx, reg, out)
	close(out)
	<-forwarded

	if runErr != nil {
		c.logger.Error("retrieval aborted",
			"retrieval", reg.Retrieval.ID, "error", runErr)
		c.nak(j.msg)
		return runErr
	}

	if err := j.msg.Ack(); err != nil {
		c.logger.Error("failed to ack harvest request",
			"retrieval", reg.Retrieval.ID, "error", err)
	}
	return nil
}

func (c *Consumer) nak(msg Message) {
	if err := msg.Nak(); err != nil {
		c.logger.Error("failed to nak harvest request", "error", err)
	}
}
