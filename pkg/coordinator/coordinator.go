// Package coordinator provides at-least-once, priority-ordered message
// delivery between named endpoints, with leases, retry backoff, and
// dead-lettering.
//
// Every mutation is expressed as an atomic primitive on the durable store,
// so multiple independent processes can safely produce and consume the
// same queues. A message is visible to exactly one lease holder at a time;
// it can be delivered more than once (after lease expiry or a nack), never
// concurrently.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcore/pkg/config"
	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
	"agentcore/pkg/proto"
	"agentcore/pkg/store"
)

// ErrQueueFull is the backpressure signal from Send. The message was not
// enqueued; nothing was mutated.
var ErrQueueFull = errors.New("queue full")

// FailureKind classifies a nack.
type FailureKind int

const (
	// Transient failures are retried per the backoff policy.
	Transient FailureKind = iota
	// Permanent failures go straight to the dead-letter list.
	Permanent
)

func (k FailureKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// LeasedDelivery is a message under an exclusive lease. The token must be
// presented back on Ack or Nack; once the lease expires and recovery runs,
// the token is invalid.
type LeasedDelivery struct {
	Message            *proto.AgentMsg
	AttemptCount       int // >= 1; attempt consumed so far plus this delivery
	EnqueuedAt         time.Time
	VisibilityDeadline time.Time
	Token              string
}

// envelope is the stored form of a queued message. Attempts is owned by
// Nack alone: lease expiry and recovery never touch it, so the counter is
// consistent across redeliveries.
type envelope struct {
	Message    *proto.AgentMsg `json:"message"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Seq        float64         `json:"seq"` // original enqueue precedence
	LastError  string          `json:"last_error,omitempty"`
}

// lease is the stored form of an outstanding lease, keyed by token.
type lease struct {
	MessageID string    `json:"message_id"`
	Deadline  time.Time `json:"deadline"`
}

// DeadLetter is a dead-lettered message with its failure context.
type DeadLetter struct {
	Message      *proto.AgentMsg `json:"message"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	Kind         string          `json:"kind"`
	DeadLettered time.Time       `json:"dead_lettered_at"`
}

// Coordinator implements the reliable delivery protocol on the store.
type Coordinator struct {
	config   config.CoordinatorConfig
	store    store.Store
	recorder *metrics.Recorder
	logger   *logx.Logger

	seqMu   sync.Mutex
	lastSeq float64
}

// nextSeq returns a strictly increasing enqueue sequence. The base is the
// wall clock in whole microseconds (exactly representable in a float64
// score); sends landing in the same microsecond are disambiguated by
// bumping past the previous sequence, keeping FIFO strict within a lane.
func (c *Coordinator) nextSeq(now time.Time) float64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	seq := float64(now.UnixMicro())
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	c.lastSeq = seq
	return seq
}

// New creates a coordinator. recorder may be nil.
func New(cfg config.CoordinatorConfig, st store.Store, recorder *metrics.Recorder) *Coordinator {
	return &Coordinator{
		config:   cfg,
		store:    st,
		recorder: recorder,
		logger:   logx.NewLogger("coordinator"),
	}
}

// Key construction. All state for recipient R lives under these keys.
func readyKey(recipient string, p proto.Priority) string {
	return fmt.Sprintf("queue:%s:ready:%d", recipient, p)
}
func delayedKey(recipient string) string { return "queue:" + recipient + ":delayed" }
func leasesKey(recipient string) string  { return "queue:" + recipient + ":leases" }
func dlqKey(recipient string) string     { return "queue:" + recipient + ":dlq" }
func msgKey(recipient, id string) string { return fmt.Sprintf("msg:%s:%s", recipient, id) }
func leaseKey(recipient, token string) string {
	return fmt.Sprintf("lease:%s:%s", recipient, token)
}

const recipientsKey = "queue:recipients"

// Send appends msg to the recipient's priority lane. It returns
// ErrQueueFull without mutating anything when the recipient's total queue
// length has reached queue_size.
func (c *Coordinator) Send(ctx context.Context, msg *proto.AgentMsg) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	recipient := msg.Recipient.Key()

	length, err := c.QueueLength(ctx, msg.Recipient)
	if err != nil {
		return err
	}
	if length >= c.config.QueueSize {
		if c.recorder != nil {
			c.recorder.IncQueueFull(recipient)
		}
		c.logger.Warn("queue full for %s (%d/%d), rejecting %s", recipient, length, c.config.QueueSize, msg.ID)
		return ErrQueueFull
	}

	now := time.Now().UTC()
	env := envelope{
		Message:    msg,
		Attempts:   0,
		EnqueuedAt: now,
		Seq:        c.nextSeq(now),
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	if err := c.retryStore(ctx, func() error {
		return c.store.Set(ctx, msgKey(recipient, msg.ID), data, 0)
	}); err != nil {
		return err
	}
	if err := c.retryStore(ctx, func() error {
		return c.store.ZAdd(ctx, readyKey(recipient, msg.Priority), msg.ID, env.Seq)
	}); err != nil {
		return err
	}
	if err := c.store.ZAdd(ctx, recipientsKey, recipient, 0); err != nil {
		c.logger.Warn("failed to register recipient %s: %v", recipient, err)
	}

	c.updateQueueGauge(ctx, msg.Recipient)
	c.logger.Debug("queued %s for %s (priority=%s)", msg.ID, recipient, msg.Priority)
	return nil
}

// Receive leases the earliest message from the highest nonempty priority
// lane. It returns nil when no eligible message exists.
func (c *Coordinator) Receive(ctx context.Context, recipient proto.AgentID, visibilityTimeout time.Duration) (*LeasedDelivery, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = c.config.VisibilityTimeout()
	}
	rkey := recipient.Key()

	if err := c.promoteDue(ctx, rkey); err != nil {
		return nil, err
	}

	for _, priority := range proto.Priorities {
		msgID, _, ok, err := c.store.ZPopMin(ctx, readyKey(rkey, priority))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		env, found, err := c.loadEnvelope(ctx, rkey, msgID)
		if err != nil {
			return nil, err
		}
		if !found {
			// Body vanished (acked concurrently or purged); skip.
			c.logger.Warn("message %s for %s has no body, dropping queue entry", msgID, rkey)
			continue
		}

		token := uuid.NewString()
		deadline := time.Now().UTC().Add(visibilityTimeout)
		leaseData, err := json.Marshal(&lease{MessageID: msgID, Deadline: deadline})
		if err != nil {
			return nil, fmt.Errorf("failed to encode lease for %s: %w", msgID, err)
		}
		if err := c.retryStore(ctx, func() error {
			return c.store.Set(ctx, leaseKey(rkey, token), leaseData, 0)
		}); err != nil {
			return nil, err
		}
		if err := c.retryStore(ctx, func() error {
			return c.store.ZAdd(ctx, leasesKey(rkey), token, float64(deadline.UnixMilli()))
		}); err != nil {
			return nil, err
		}

		c.logger.Debug("leased %s to token %s until %s", msgID, token, deadline.Format(time.RFC3339))
		return &LeasedDelivery{
			Message:            env.Message,
			AttemptCount:       env.Attempts + 1,
			EnqueuedAt:         env.EnqueuedAt,
			VisibilityDeadline: deadline,
			Token:              token,
		}, nil
	}
	return nil, nil
}

// Ack permanently removes the leased message. A stale token (already
// acked, or recovered under a new lease) is a no-op returning false.
func (c *Coordinator) Ack(ctx context.Context, recipient proto.AgentID, token string) (bool, error) {
	rkey := recipient.Key()

	l, ok, err := c.loadLease(ctx, rkey, token)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Debug("ack with stale token %s for %s ignored", token, rkey)
		return false, nil
	}

	if err := c.dropLease(ctx, rkey, token); err != nil {
		return false, err
	}
	if err := c.store.Delete(ctx, msgKey(rkey, l.MessageID)); err != nil {
		return false, err
	}

	if c.recorder != nil {
		c.recorder.IncDelivered(rkey)
	}
	c.updateQueueGauge(ctx, recipient)
	c.logger.Debug("acked %s for %s", l.MessageID, rkey)
	return true, nil
}

// Nack reports a processing failure for the leased message. Permanent
// failures, and messages whose attempts are exhausted, move to the
// dead-letter list; anything else is rescheduled invisible for an
// exponential backoff delay. A stale token is a no-op returning false.
func (c *Coordinator) Nack(ctx context.Context, recipient proto.AgentID, token string, kind FailureKind, procErr error) (bool, error) {
	rkey := recipient.Key()

	l, ok, err := c.loadLease(ctx, rkey, token)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Debug("nack with stale token %s for %s ignored", token, rkey)
		return false, nil
	}
	if err := c.dropLease(ctx, rkey, token); err != nil {
		return false, err
	}

	env, found, err := c.loadEnvelope(ctx, rkey, l.MessageID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	errText := ""
	if procErr != nil {
		errText = procErr.Error()
	}
	if c.recorder != nil {
		c.recorder.IncNack(rkey, kind.String())
	}

	if kind == Permanent || env.Attempts >= c.config.RetryAttempts {
		if err := c.deadLetter(ctx, recipient, env, kind, errText); err != nil {
			return false, err
		}
		return true, nil
	}

	env.Attempts++
	env.LastError = errText
	delay := c.backoffDelay(env.Attempts)
	visibleAt := time.Now().UTC().Add(delay)

	data, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("failed to encode message %s: %w", l.MessageID, err)
	}
	if err := c.retryStore(ctx, func() error {
		return c.store.Set(ctx, msgKey(rkey, l.MessageID), data, 0)
	}); err != nil {
		return false, err
	}
	if err := c.retryStore(ctx, func() error {
		return c.store.ZAdd(ctx, delayedKey(rkey), l.MessageID, float64(visibleAt.UnixMilli()))
	}); err != nil {
		return false, err
	}

	if c.recorder != nil {
		c.recorder.IncRetryScheduled(rkey)
		c.recorder.SetLastBackoff(rkey, delay.Seconds())
	}
	c.updateQueueGauge(ctx, recipient)
	c.logger.Info("rescheduled %s for %s in %s (attempt %d/%d)",
		l.MessageID, rkey, delay, env.Attempts, c.config.RetryAttempts)
	return true, nil
}

// backoffDelay computes min(backoff_max, base * factor^(attempt-1)).
func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	seconds := c.config.BackoffBase * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if seconds > c.config.BackoffMax {
		seconds = c.config.BackoffMax
	}
	return time.Duration(seconds * float64(time.Second))
}

func (c *Coordinator) deadLetter(ctx context.Context, recipient proto.AgentID, env *envelope, kind FailureKind, errText string) error {
	rkey := recipient.Key()
	dl := DeadLetter{
		Message:      env.Message,
		Attempts:     env.Attempts,
		LastError:    errText,
		Kind:         kind.String(),
		DeadLettered: time.Now().UTC(),
	}
	data, err := json.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", env.Message.ID, err)
	}
	if err := c.retryStore(ctx, func() error {
		return c.store.RPush(ctx, dlqKey(rkey), data)
	}); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, msgKey(rkey, env.Message.ID)); err != nil {
		return err
	}

	if c.recorder != nil {
		c.recorder.IncDeadLettered(rkey)
	}
	c.updateQueueGauge(ctx, recipient)
	c.logger.Warn("dead-lettered %s for %s after %d attempts (%s): %s",
		env.Message.ID, rkey, env.Attempts, kind, errText)
	return nil
}

// RecoverPending makes expired leases visible again at their original
// enqueue precedence. Recovery is a liveness action, not a processing
// failure: it never increments the attempt counter. An empty recipient
// scans every known recipient. Returns the number of leases recovered.
func (c *Coordinator) RecoverPending(ctx context.Context, recipient string) (int, error) {
	var recipients []string
	if recipient != "" {
		recipients = []string{recipient}
	} else {
		members, err := c.store.ZRangeByScore(ctx, recipientsKey, store.NegInf, store.Inf)
		if err != nil {
			return 0, err
		}
		for _, m := range members {
			recipients = append(recipients, m.Member)
		}
	}

	total := 0
	for _, rkey := range recipients {
		n, err := c.recoverRecipient(ctx, rkey)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Coordinator) recoverRecipient(ctx context.Context, rkey string) (int, error) {
	now := float64(time.Now().UTC().UnixMilli())
	expired, err := c.store.ZRangeByScore(ctx, leasesKey(rkey), store.NegInf, now)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, member := range expired {
		token := member.Member
		l, ok, err := c.loadLease(ctx, rkey, token)
		if err != nil {
			return recovered, err
		}
		if err := c.dropLease(ctx, rkey, token); err != nil {
			return recovered, err
		}
		if !ok {
			continue
		}

		env, found, err := c.loadEnvelope(ctx, rkey, l.MessageID)
		if err != nil {
			return recovered, err
		}
		if !found {
			continue
		}

		// Original seq score restores the message's enqueue position.
		if err := c.store.ZAdd(ctx, readyKey(rkey, env.Message.Priority), l.MessageID, env.Seq); err != nil {
			return recovered, err
		}
		recovered++
		c.logger.Info("recovered expired lease for %s (recipient %s)", l.MessageID, rkey)
	}

	if recovered > 0 && c.recorder != nil {
		c.recorder.AddRecoveredLeases(rkey, recovered)
	}
	return recovered, nil
}

// promoteDue moves delayed messages whose backoff has elapsed back into
// their ready lane at original precedence.
func (c *Coordinator) promoteDue(ctx context.Context, rkey string) error {
	now := float64(time.Now().UTC().UnixMilli())
	due, err := c.store.ZRangeByScore(ctx, delayedKey(rkey), store.NegInf, now)
	if err != nil {
		return err
	}
	for _, member := range due {
		msgID := member.Member
		env, found, err := c.loadEnvelope(ctx, rkey, msgID)
		if err != nil {
			return err
		}
		if _, err := c.store.ZRem(ctx, delayedKey(rkey), msgID); err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := c.store.ZAdd(ctx, readyKey(rkey, env.Message.Priority), msgID, env.Seq); err != nil {
			return err
		}
	}
	return nil
}

// QueueLength returns the recipient's total queued messages: ready,
// delayed, and currently leased. Dead letters are not counted.
func (c *Coordinator) QueueLength(ctx context.Context, recipient proto.AgentID) (int, error) {
	rkey := recipient.Key()
	total := 0
	for _, priority := range proto.Priorities {
		n, err := c.store.ZCard(ctx, readyKey(rkey, priority))
		if err != nil {
			return 0, err
		}
		total += n
	}
	n, err := c.store.ZCard(ctx, delayedKey(rkey))
	if err != nil {
		return 0, err
	}
	total += n
	n, err = c.store.ZCard(ctx, leasesKey(rkey))
	if err != nil {
		return 0, err
	}
	total += n
	return total, nil
}

// DeadLetters returns up to limit dead letters for recipient, oldest
// first. limit <= 0 returns all.
func (c *Coordinator) DeadLetters(ctx context.Context, recipient proto.AgentID, limit int) ([]DeadLetter, error) {
	stop := -1
	if limit > 0 {
		stop = limit - 1
	}
	raw, err := c.store.LRange(ctx, dlqKey(recipient.Key()), 0, stop)
	if err != nil {
		return nil, err
	}

	letters := make([]DeadLetter, 0, len(raw))
	for _, data := range raw {
		var dl DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Stats returns queue gauges for a recipient, for operators and the
// introspection endpoint.
func (c *Coordinator) Stats(ctx context.Context, recipient proto.AgentID) (map[string]any, error) {
	rkey := recipient.Key()
	stats := map[string]any{"recipient": rkey, "queue_capacity": c.config.QueueSize}

	for _, priority := range proto.Priorities {
		n, err := c.store.ZCard(ctx, readyKey(rkey, priority))
		if err != nil {
			return nil, err
		}
		stats["ready_"+priority.String()] = n
	}
	delayed, err := c.store.ZCard(ctx, delayedKey(rkey))
	if err != nil {
		return nil, err
	}
	stats["delayed"] = delayed
	leased, err := c.store.ZCard(ctx, leasesKey(rkey))
	if err != nil {
		return nil, err
	}
	stats["leased"] = leased
	dead, err := c.store.LLen(ctx, dlqKey(rkey))
	if err != nil {
		return nil, err
	}
	stats["dead_lettered"] = dead
	return stats, nil
}

// DumpHeads returns the head message of each ready lane, without leasing
// anything. Lanes with no ready message are omitted.
func (c *Coordinator) DumpHeads(ctx context.Context, recipient proto.AgentID) (map[string]*proto.AgentMsg, error) {
	rkey := recipient.Key()
	heads := make(map[string]*proto.AgentMsg)

	for _, priority := range proto.Priorities {
		members, err := c.store.ZRangeByScore(ctx, readyKey(rkey, priority), store.NegInf, store.Inf)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			continue
		}
		env, found, err := c.loadEnvelope(ctx, rkey, members[0].Member)
		if err != nil {
			return nil, err
		}
		if found {
			heads[priority.String()] = env.Message
		}
	}
	return heads, nil
}

func (c *Coordinator) loadEnvelope(ctx context.Context, rkey, msgID string) (*envelope, bool, error) {
	data, ok, err := c.store.Get(ctx, msgKey(rkey, msgID))
	if err != nil || !ok {
		return nil, false, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("failed to decode message %s: %w", msgID, err)
	}
	return &env, true, nil
}

func (c *Coordinator) loadLease(ctx context.Context, rkey, token string) (*lease, bool, error) {
	data, ok, err := c.store.Get(ctx, leaseKey(rkey, token))
	if err != nil || !ok {
		return nil, false, err
	}
	var l lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, false, fmt.Errorf("failed to decode lease %s: %w", token, err)
	}
	return &l, true, nil
}

func (c *Coordinator) dropLease(ctx context.Context, rkey, token string) error {
	if err := c.store.Delete(ctx, leaseKey(rkey, token)); err != nil {
		return err
	}
	if _, err := c.store.ZRem(ctx, leasesKey(rkey), token); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) updateQueueGauge(ctx context.Context, recipient proto.AgentID) {
	if c.recorder == nil {
		return
	}
	if n, err := c.QueueLength(ctx, recipient); err == nil {
		c.recorder.SetQueueLength(recipient.Key(), n)
	}
}

// retryStore retries an idempotent store write with the coordinator's own
// backoff before surfacing the error.
func (c *Coordinator) retryStore(ctx context.Context, op func() error) error {
	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoffDelay(attempt)):
		}
	}
	return fmt.Errorf("store operation failed after %d attempts: %w", maxAttempts, err)
}
