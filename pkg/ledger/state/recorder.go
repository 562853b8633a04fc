package state

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"golang.org/x/sync/errgroup"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

// RecorderConfig contains configuration for the durable recorder.
type RecorderConfig struct {
	// Shards is the number of background writers. Ops for one agent always
	// land on the same shard, which keeps them in order.
	// Default: 4
	Shards int

	// QueueSize bounds the audit backlog per shard. Snapshots coalesce per
	// entity and history rows are never dropped, so only audit events are
	// discarded when a shard is over this size.
	// Default: 1024
	QueueSize int

	// MaxAttempts is the number of tries per audit event. Snapshots and
	// history rows are retried until they succeed or Close gives up.
	// Default: 5
	MaxAttempts uint

	// RetryDelay is the base backoff delay.
	// Default: 50ms
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff between attempts.
	// Default: 5 seconds
	MaxRetryDelay time.Duration

	// WriteTimeout bounds a single write attempt.
	// Default: 5 seconds
	WriteTimeout time.Duration
}

func (c *RecorderConfig) applyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

type opKind int

const (
	opAccount opKind = iota
	opLease
	opRequest
	opHistory
	opAudit
)

func (k opKind) String() string {
	switch k {
	case opAccount:
		return "put_account"
	case opLease:
		return "put_lease"
	case opRequest:
		return "put_request"
	case opHistory:
		return "append_history"
	default:
		return "append_audit"
	}
}

// op is one pending durable write.
type op struct {
	kind    opKind
	id      string
	account ledger.Account
	lease   ledger.Lease
	request ledger.ChangeRequest
	history ledger.History
	audit   ledger.AuditEvent
}

func (o *op) snapshot() bool {
	return o.kind == opAccount || o.kind == opLease || o.kind == opRequest
}

type shard struct {
	mu     sync.Mutex
	queue  []*op
	latest map[string]*op // pending snapshot per entity, for coalescing
	wake   chan struct{}
}

// Recorder mirrors ledger mutations to a durable Store asynchronously.
// Enqueue never blocks; writes are retried with capped exponential backoff
// and failures are logged and counted rather than returned to the mutator.
// Only audit events give up after MaxAttempts. A snapshot or history row
// holds its shard until the store accepts it, so later ops for the same
// agents wait behind it and stay ordered.
type Recorder struct {
	store   storage.Store
	config  RecorderConfig
	shards  []*shard
	metrics *Metrics
	logger  *slog.Logger

	pending atomic.Int64

	ctx    context.Context // cancelled only when Close gives up waiting
	cancel context.CancelFunc
	done   chan struct{}
	group  *errgroup.Group

	closeOnce sync.Once
}

// NewRecorder creates a recorder and starts its shard writers.
func NewRecorder(store storage.Store, cfg RecorderConfig, metrics *Metrics) *Recorder {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:   store,
		config:  cfg,
		shards:  make([]*shard, cfg.Shards),
		metrics: metrics,
		logger:  slog.Default().With("component", "ledger.recorder"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			latest: make(map[string]*op),
			wake:   make(chan struct{}, 1),
		}
	}

	r.group = new(errgroup.Group)
	for _, s := range r.shards {
		r.group.Go(func() error {
			r.run(s)
			return nil
		})
	}

	r.logger.Info("durable recorder started",
		"shards", cfg.Shards,
		"queue_size", cfg.QueueSize,
		"max_attempts", cfg.MaxAttempts,
	)
	return r
}

func (r *Recorder) shardFor(agentID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// RecordAccount enqueues an account snapshot.
func (r *Recorder) RecordAccount(a ledger.Account) {
	r.enqueue(a.AgentID, &op{kind: opAccount, id: a.AgentID, account: a})
}

// RecordLease enqueues a lease snapshot.
func (r *Recorder) RecordLease(l ledger.Lease) {
	r.enqueue(l.AgentID, &op{kind: opLease, id: l.ID, lease: l})
}

// RecordRequest enqueues a change request snapshot.
func (r *Recorder) RecordRequest(cr ledger.ChangeRequest) {
	r.enqueue(cr.AgentID, &op{kind: opRequest, id: cr.ID, request: cr})
}

// RecordHistory enqueues a history row. History is never dropped.
func (r *Recorder) RecordHistory(h ledger.History) {
	r.enqueue(h.AgentID, &op{kind: opHistory, id: h.ID, history: h})
}

// RecordAudit enqueues an audit event. It reports false when the event was
// dropped because the shard backlog is full.
func (r *Recorder) RecordAudit(e ledger.AuditEvent) bool {
	return r.enqueue(e.AgentID, &op{kind: opAudit, id: e.ID, audit: e})
}

func (r *Recorder) enqueue(agentID string, o *op) bool {
	s := r.shardFor(agentID)

	s.mu.Lock()
	switch {
	case o.snapshot():
		key := o.kind.String() + "/" + o.id
		if pending, ok := s.latest[key]; ok {
			*pending = *o
			s.mu.Unlock()
			r.metrics.RecordCoalesced()
			return true
		}
		s.latest[key] = o
	case o.kind == opAudit:
		if len(s.queue) >= r.config.QueueSize {
			s.mu.Unlock()
			r.metrics.RecordAuditDropped()
			r.logger.Warn("durable queue full, dropping audit event",
				"agent_id", o.audit.AgentID,
				"event_type", o.audit.EventType,
			)
			return false
		}
	}
	s.queue = append(s.queue, o)
	r.pending.Add(1)
	s.mu.Unlock()

	r.metrics.AddQueueDepth(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// run drains one shard until Close.
func (r *Recorder) run(s *shard) {
	for {
		select {
		case <-s.wake:
			r.drain(s)
		case <-r.done:
			r.drain(s)
			return
		}
	}
}

func (r *Recorder) drain(s *shard) {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.latest = make(map[string]*op)
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, o := range batch {
			r.write(o)
			r.pending.Add(-1)
			r.metrics.AddQueueDepth(-1)
		}
	}
}

func (r *Recorder) write(o *op) {
	start := time.Now()
	attempts := 0

	// Attempts(0) retries until success or until r.ctx is cancelled.
	var limit uint
	if o.kind == opAudit {
		limit = r.config.MaxAttempts
	}

	err := retry.New(
		retry.Context(r.ctx),
		retry.Attempts(limit),
		retry.Delay(r.config.RetryDelay),
		retry.MaxDelay(r.config.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			if n > 0 && n%10 == 0 {
				r.logger.Warn("durable write still failing",
					"op", o.kind.String(),
					"id", o.id,
					"attempts", n+1,
					"error", err,
				)
			}
		}),
	).Do(func() error {
		attempts++
		if attempts > 1 {
			r.metrics.RecordRetry(o.kind.String())
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.config.WriteTimeout)
		defer cancel()
		return r.apply(ctx, o)
	})

	elapsed := time.Since(start).Seconds()
	if err != nil {
		r.metrics.RecordDurableWrite(o.kind.String(), "error", elapsed)
		r.logger.Error("durable write failed",
			"op", o.kind.String(),
			"id", o.id,
			"attempts", attempts,
			"error", err,
		)
		return
	}
	r.metrics.RecordDurableWrite(o.kind.String(), "ok", elapsed)
}

func (r *Recorder) apply(ctx context.Context, o *op) error {
	switch o.kind {
	case opAccount:
		return r.store.PutAccount(ctx, o.account)
	case opLease:
		return r.store.PutLease(ctx, o.lease)
	case opRequest:
		return r.store.PutRequest(ctx, o.request)
	case opHistory:
		return r.store.AppendHistory(ctx, o.history)
	default:
		return r.store.AppendAudit(ctx, o.audit)
	}
}

// Pending returns the number of ops queued or being written.
func (r *Recorder) Pending() int {
	return int(r.pending.Load())
}

// Flush blocks until every queued op has been attempted, or ctx is done.
func (r *Recorder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for r.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close drains every shard and stops the writers. If ctx expires first,
// in-flight retries are abandoned and the ops still queued are lost.
func (r *Recorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("shutting down durable recorder", "pending", r.Pending())
		close(r.done)

		finished := make(chan struct{})
		go func() {
			_ = r.group.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			r.cancel()
			<-finished
			err = ctx.Err()
		}
		r.cancel()
	})
	return err
}
