package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentcore/pkg/logx"
	"agentcore/pkg/proto"
)

// Handler processes one delivered message. Returning nil acks the message;
// a non-nil error nacks it with the kind decided by the classifier.
type Handler func(ctx context.Context, msg *proto.AgentMsg) error

// Classifier maps a processing error to a FailureKind. The default treats
// everything as Transient unless the error wraps ErrPermanent.
type Classifier func(err error) FailureKind

// ErrPermanent marks a handler error as non-retryable. Wrap it to send a
// message straight to the dead-letter list:
//
//	return fmt.Errorf("unparseable payload: %w", coordinator.ErrPermanent)
var ErrPermanent = errors.New("permanent failure")

func defaultClassifier(err error) FailureKind {
	if errors.Is(err, ErrPermanent) {
		return Permanent
	}
	return Transient
}

// Consumer polls one recipient's queue and drives the lease protocol:
// receive, process, then ack or nack. One consumer processes one message
// at a time; run several consumers for parallelism.
type Consumer struct {
	coordinator *Coordinator
	recipient   proto.AgentID
	handler     Handler
	classifier  Classifier
	pollEvery   time.Duration
	logger      *logx.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// ConsumerOption adjusts consumer behavior.
type ConsumerOption func(*Consumer)

// WithClassifier overrides the default transient/permanent classifier.
func WithClassifier(fn Classifier) ConsumerOption {
	return func(c *Consumer) { c.classifier = fn }
}

// WithPollInterval sets the idle poll period (default 100ms).
func WithPollInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pollEvery = d }
}

// NewConsumer creates a consumer for recipient backed by handler.
func NewConsumer(coord *Coordinator, recipient proto.AgentID, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		coordinator: coord,
		recipient:   recipient,
		handler:     handler,
		classifier:  defaultClassifier,
		pollEvery:   100 * time.Millisecond,
		logger:      logx.NewLogger("consumer-" + recipient.Key()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the poll loop. It returns immediately; Stop shuts the
// loop down and waits for the in-flight message to settle.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.loop(loopCtx)
	c.logger.Info("consumer started for %s", c.recipient.Key())
}

// Stop cancels the loop and blocks until it exits.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info("consumer stopped for %s", c.recipient.Key())
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)
	for {
		processed, err := c.ProcessOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("processing cycle failed: %v", err)
		}
		if processed {
			// Drain without sleeping while work is available.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollEvery):
		}
	}
}

// ProcessOne receives, handles, and settles at most one message. It
// reports whether a message was processed.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	delivery, err := c.coordinator.Receive(ctx, c.recipient, 0)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}

	if procErr := c.handler(ctx, delivery.Message); procErr != nil {
		kind := c.classifier(procErr)
		c.logger.Warn("handler failed for %s (attempt %d, %s): %v",
			delivery.Message.ID, delivery.AttemptCount, kind, procErr)
		// Settlement runs under Background so cancellation cannot strand
		// the lease until the recovery scan.
		if _, err := c.coordinator.Nack(context.Background(), c.recipient, delivery.Token, kind, procErr); err != nil {
			return true, err
		}
		return true, nil
	}

	if _, err := c.coordinator.Ack(context.Background(), c.recipient, delivery.Token); err != nil {
		return true, err
	}
	return true, nil
}
