// Package scheduler implements the bounded, priority-ordered, retryable
// operation scheduler of §4.4: background work (distribution, consolidation,
// rebalance, coinjoin batching, cleanup) is queued as a ScheduledOperation
// and picked up by a promotion loop and an execution loop running on cron
// ticks, each respecting a global concurrency cap and a per-type sub-cap.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
	"github.com/obscuranet/mixcore/pkg/logger"
)

// Handler executes one operation's payload. A returned error is classified
// via mixerr.KindOf to decide retry vs terminal failure.
type Handler func(ctx context.Context, op *mixtypes.ScheduledOperation) error

// Config mirrors the scheduler section of the configuration loader.
type Config struct {
	MaxConcurrent          int
	SubCaps                map[mixtypes.OperationType]int
	MaxRetries             int
	RetryBackoffMultiplier int
	RetryBaseDelay         time.Duration
	OperationTTL           time.Duration
	BatchSize              int
	ScheduleCheckInterval  time.Duration
	ExecutionLoopInterval  time.Duration
	StuckOperationTimeout  time.Duration
	ShutdownGrace          time.Duration
}

// priorityQueue orders ready operations by Priority (higher first), then by
// ScheduledAt (earlier first).
type priorityQueue []*mixtypes.ScheduledOperation

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].ScheduledAt.Before(q[j].ScheduledAt)
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*mixtypes.ScheduledOperation)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler owns every ScheduledOperation from submission through terminal
// status. Operations never regress out of a terminal status.
type Scheduler struct {
	cfg      Config
	log      *logger.Logger
	handlers map[mixtypes.OperationType]Handler

	mu         sync.Mutex
	pending    map[string]*mixtypes.ScheduledOperation // SCHEDULED, not yet due
	ready      priorityQueue                           // READY, waiting for a worker slot
	executing  map[string]*mixtypes.ScheduledOperation
	inFlight   map[mixtypes.OperationType]int
	cancelled  map[string]bool
	terminal   map[string]*mixtypes.ScheduledOperation

	cron     *cron.Cron
	wg       sync.WaitGroup
	sem      chan struct{}
}

// New builds a Scheduler. Register handlers with RegisterHandler before
// calling Start.
func New(cfg Config, log *logger.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	return &Scheduler{
		cfg:       cfg,
		log:       log,
		handlers:  make(map[mixtypes.OperationType]Handler),
		pending:   make(map[string]*mixtypes.ScheduledOperation),
		executing: make(map[string]*mixtypes.ScheduledOperation),
		inFlight:  make(map[mixtypes.OperationType]int),
		cancelled: make(map[string]bool),
		terminal:  make(map[string]*mixtypes.ScheduledOperation),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterHandler binds a Handler to an OperationType. Must be called
// before Start.
func (s *Scheduler) RegisterHandler(t mixtypes.OperationType, h Handler) {
	s.handlers[t] = h
}

// Submit enqueues a new operation. If ScheduledAt is zero it is treated as
// due immediately.
func (s *Scheduler) Submit(op *mixtypes.ScheduledOperation) error {
	if op.ID == "" {
		return mixerr.New(mixerr.KindValidation, "scheduler.submit", "operation id is required")
	}
	if op.ScheduledAt.IsZero() {
		op.ScheduledAt = time.Now()
	}
	op.Status = mixtypes.OperationScheduled
	op.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[op.ID] = op
	return nil
}

// Cancel marks op cancelled. SCHEDULED or READY operations are removed
// immediately. An EXECUTING operation is not interrupted: its handler runs
// to completion, after which the operation ends CANCELLED and is not
// retried.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op, ok := s.pending[id]; ok {
		op.Status = mixtypes.OperationCancelled
		delete(s.pending, id)
		s.terminal[id] = op
		return nil
	}
	for i, op := range s.ready {
		if op.ID == id {
			op.Status = mixtypes.OperationCancelled
			heap.Remove(&s.ready, i)
			s.terminal[id] = op
			return nil
		}
	}
	if _, ok := s.executing[id]; ok {
		s.cancelled[id] = true
		return nil
	}
	return mixerr.New(mixerr.KindNotFound, "scheduler.cancel", "unknown operation "+id)
}

// Start launches the promotion loop, execution loop, and stuck-operation
// detector as cron jobs driven by the configured intervals.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithSeconds())

	promoteSpec := fmt.Sprintf("@every %s", nonZero(s.cfg.ScheduleCheckInterval, 30*time.Second))
	execSpec := fmt.Sprintf("@every %s", nonZero(s.cfg.ExecutionLoopInterval, 5*time.Second))
	stuckSpec := fmt.Sprintf("@every %s", nonZero(s.cfg.StuckOperationTimeout/2, 15*time.Minute))

	if _, err := s.cron.AddFunc(promoteSpec, func() { s.promote() }); err != nil {
		return mixerr.Wrap(mixerr.KindFatal, "scheduler.start", "register promotion job", err)
	}
	if _, err := s.cron.AddFunc(execSpec, func() { s.executeReady(ctx) }); err != nil {
		return mixerr.Wrap(mixerr.KindFatal, "scheduler.start", "register execution job", err)
	}
	if _, err := s.cron.AddFunc(stuckSpec, func() { s.detectStuck() }); err != nil {
		return mixerr.Wrap(mixerr.KindFatal, "scheduler.start", "register stuck-detector job", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loops and waits up to ShutdownGrace for in-flight
// executions to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("scheduler did not drain in-flight operations within shutdown grace")
	}
}

func (s *Scheduler) promote() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, op := range s.pending {
		if op.ScheduledAt.After(now) {
			continue
		}
		op.Status = mixtypes.OperationReady
		heap.Push(&s.ready, op)
		delete(s.pending, id)
	}
}

func (s *Scheduler) executeReady(ctx context.Context) {
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = len(s.ready)
	}

	for i := 0; i < batch; i++ {
		op := s.dequeueReady()
		if op == nil {
			return
		}
		select {
		case s.sem <- struct{}{}:
		default:
			// Global cap reached; put it back and stop this pass.
			s.mu.Lock()
			heap.Push(&s.ready, op)
			s.mu.Unlock()
			return
		}

		s.wg.Add(1)
		go func(op *mixtypes.ScheduledOperation) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runOne(ctx, op)
		}(op)
	}
}

// dequeueReady pops the highest-priority ready operation whose type has not
// hit its per-type sub-cap, skipping over ones that have.
func (s *Scheduler) dequeueReady() *mixtypes.ScheduledOperation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deferred []*mixtypes.ScheduledOperation
	var picked *mixtypes.ScheduledOperation
	for s.ready.Len() > 0 {
		op := heap.Pop(&s.ready).(*mixtypes.ScheduledOperation)
		subCap := s.cfg.SubCaps[op.Type]
		if subCap > 0 && s.inFlight[op.Type] >= subCap {
			deferred = append(deferred, op)
			continue
		}
		op.Status = mixtypes.OperationExecuting
		op.ExecutionStartedAt = time.Now()
		s.inFlight[op.Type]++
		s.executing[op.ID] = op
		picked = op
		break
	}
	for _, op := range deferred {
		heap.Push(&s.ready, op)
	}
	return picked
}

func (s *Scheduler) runOne(ctx context.Context, op *mixtypes.ScheduledOperation) {
	handler, ok := s.handlers[op.Type]
	if !ok {
		s.finish(op, mixerr.New(mixerr.KindFatal, "scheduler", "no handler registered for "+string(op.Type)))
		return
	}

	s.mu.Lock()
	cancelled := s.cancelled[op.ID]
	s.mu.Unlock()
	if cancelled {
		op.Status = mixtypes.OperationCancelled
		s.finishLocked(op)
		return
	}

	err := handler(ctx, op)
	s.finish(op, err)
}

func (s *Scheduler) finish(op *mixtypes.ScheduledOperation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executing[op.ID]; !ok {
		// Already retired — the stuck-operation detector forced this op to
		// FAILED while its handler was still running. The handler's late
		// result no longer matters; applying it here would double-decrement
		// inFlight and could resurrect an op already marked terminal.
		return
	}
	wasCancelled := s.cancelled[op.ID]
	s.inFlight[op.Type]--
	delete(s.executing, op.ID)
	delete(s.cancelled, op.ID)

	if wasCancelled {
		op.Status = mixtypes.OperationCancelled
		s.terminal[op.ID] = op
		return
	}

	if err == nil {
		op.Status = mixtypes.OperationCompleted
		s.terminal[op.ID] = op
		return
	}

	if !mixerr.Retryable(err) || op.RetryCount >= maxRetries(s.cfg) {
		op.Status = mixtypes.OperationFailed
		s.terminal[op.ID] = op
		s.log.WithField("operation_id", op.ID).Warn("operation failed terminally: " + err.Error())
		return
	}

	op.RetryCount++
	backoff := s.cfg.RetryBaseDelay
	if backoff <= 0 {
		backoff = 5 * time.Minute
	}
	multiplier := s.cfg.RetryBackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	for i := 1; i < op.RetryCount; i++ {
		backoff *= time.Duration(multiplier)
	}
	op.ScheduledAt = time.Now().Add(backoff)
	op.Status = mixtypes.OperationScheduled
	s.pending[op.ID] = op
}

func (s *Scheduler) finishLocked(op *mixtypes.ScheduledOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executing[op.ID]; !ok {
		return // already retired by the stuck-operation detector
	}
	s.inFlight[op.Type]--
	delete(s.executing, op.ID)
	delete(s.cancelled, op.ID)
	s.terminal[op.ID] = op
}

// detectStuck finds operations that have been EXECUTING for longer than
// StuckOperationTimeout (measured from ExecutionStartedAt — the
// ExecutionContext.start_time the handler's own ScheduledAt/CreatedAt say
// nothing about) and marks them FAILED directly without going through a
// retry. The handler itself is not interrupted; no cancel token is passed
// to it. Retiring the op and marking it terminal
// happen under the same lock acquisition so a handler that returns late
// (runOne's own finish/finishLocked call) finds it already gone from
// s.executing and is a no-op, rather than double-decrementing inFlight.
func (s *Scheduler) detectStuck() {
	threshold := s.cfg.StuckOperationTimeout
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	now := time.Now()

	s.mu.Lock()
	var stuck []*mixtypes.ScheduledOperation
	for id, op := range s.executing {
		if op.ExecutionStartedAt.IsZero() || now.Sub(op.ExecutionStartedAt) <= threshold {
			continue
		}
		op.Status = mixtypes.OperationFailed
		s.inFlight[op.Type]--
		delete(s.executing, id)
		delete(s.cancelled, id)
		s.terminal[id] = op
		stuck = append(stuck, op)
	}
	s.mu.Unlock()

	for _, op := range stuck {
		s.log.WithField("operation_id", op.ID).Warn("operation stuck past threshold, cancelled and marked failed")
	}
}

// Status returns an operation's current status, looking across every
// internal queue.
func (s *Scheduler) Status(id string) (mixtypes.OperationStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.pending[id]; ok {
		return op.Status, true
	}
	if op, ok := s.executing[id]; ok {
		return op.Status, true
	}
	if op, ok := s.terminal[id]; ok {
		return op.Status, true
	}
	for _, op := range s.ready {
		if op.ID == id {
			return op.Status, true
		}
	}
	return "", false
}

// Stats reports queue depths for observability.
type Stats struct {
	Pending   int
	Ready     int
	Executing int
	Terminal  int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   len(s.pending),
		Ready:     s.ready.Len(),
		Executing: len(s.executing),
		Terminal:  len(s.terminal),
	}
}

func maxRetries(cfg Config) int {
	if cfg.MaxRetries <= 0 {
		return 5
	}
	return cfg.MaxRetries
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
