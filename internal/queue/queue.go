// Package queue implements the stage queue manager: bounded per-stage
// queues with priority-then-FIFO ordering, lease deadlines, retry with
// exponential backoff, and dead-lettering after exhausted attempts.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

var (
	// ErrQueueFull is the backpressure signal: the stage queue is at its
	// depth limit and the caller must retry with backoff.
	ErrQueueFull = errors.New("queue full")
	// ErrEmpty is returned by Lease when no unit became available within
	// the bounded wait.
	ErrEmpty = errors.New("no unit available")
	// ErrUnknownUnit is returned for completions of units the manager no
	// longer owns (already terminal, reaped, or canceled).
	ErrUnknownUnit = errors.New("unknown unit")
)

// DeadLetterHandler is invoked (on its own goroutine) when a unit exhausts
// its attempts. The orchestrator uses it to record a stage-level failure.
type DeadLetterHandler func(unit *core.AnalysisUnit, reason string)

type pendingItem struct {
	unit *core.AnalysisUnit
	seq  uint64
}

// unitHeap orders by priority descending, then enqueue sequence ascending
// (FIFO among equal priorities).
type unitHeap []*pendingItem

func (h unitHeap) Len() int { return len(h) }
func (h unitHeap) Less(i, j int) bool {
	if h[i].unit.Priority != h[j].unit.Priority {
		return h[i].unit.Priority > h[j].unit.Priority
	}
	return h[i].seq < h[j].seq
}
func (h unitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *unitHeap) Push(x interface{}) { *h = append(*h, x.(*pendingItem)) }
func (h *unitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type stageQueue struct {
	mu           sync.Mutex
	cfg          config.StageConfig
	pending      unitHeap
	units        map[string]*core.AnalysisUnit // all live units by ID
	inflight     map[string]*core.AnalysisUnit
	tenantCounts map[string]int
	retryTimers  map[string]*time.Timer
	notify       chan struct{}
}

// Metrics is a snapshot of queue manager counters.
type Metrics struct {
	Enqueued     int64 `json:"enqueued"`
	Rejected     int64 `json:"rejected"`
	Leased       int64 `json:"leased"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	Expired      int64 `json:"expired"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Manager routes analysis units between pipeline stages. Each stage kind has
// an independent bounded queue and its own retry policy.
type Manager struct {
	logger     zerolog.Logger
	cfg        config.QueueConfig
	stages     map[core.StageKind]*stageQueue
	seq        atomic.Uint64
	deadLetter DeadLetterHandler

	metricsMu sync.Mutex
	metrics   Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a queue manager for all stage kinds.
func NewManager(cfg config.QueueConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		logger: logger.With().Str("component", "stage_queue").Logger(),
		cfg:    cfg,
		stages: make(map[core.StageKind]*stageQueue, len(core.Stages)),
	}
	for _, kind := range core.Stages {
		m.stages[kind] = &stageQueue{
			cfg:          cfg.Stage(kind),
			units:        make(map[string]*core.AnalysisUnit),
			inflight:     make(map[string]*core.AnalysisUnit),
			tenantCounts: make(map[string]int),
			retryTimers:  make(map[string]*time.Timer),
			notify:       make(chan struct{}, 1),
		}
	}
	return m
}

// SetDeadLetterHandler registers the dead-letter callback. Must be called
// before Start.
func (m *Manager) SetDeadLetterHandler(fn DeadLetterHandler) {
	m.deadLetter = fn
}

// Start launches the lease-expiry reaper.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.reapLoop(ctx)
}

// Stop cancels the reaper and pending retry timers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, sq := range m.stages {
		sq.mu.Lock()
		for id, t := range sq.retryTimers {
			t.Stop()
			delete(sq.retryTimers, id)
		}
		sq.mu.Unlock()
	}
	m.wg.Wait()
}

// Enqueue places a unit on its stage queue. Returns ErrQueueFull when the
// stage depth limit or the tenant's queue quota is exceeded; the caller must
// back off and retry.
func (m *Manager) Enqueue(unit *core.AnalysisUnit) error {
	sq := m.stages[unit.Stage]
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if sq.cfg.MaxDepth > 0 && len(sq.units) >= sq.cfg.MaxDepth {
		m.count(func(mt *Metrics) { mt.Rejected++ })
		return ErrQueueFull
	}
	if q := unit.Tenant.MaxQueueDepth; q > 0 && sq.tenantCounts[unit.Tenant.ID] >= q {
		m.count(func(mt *Metrics) { mt.Rejected++ })
		return ErrQueueFull
	}

	unit.State = core.UnitPending
	unit.EnqueuedAt = time.Now().UTC()
	sq.units[unit.ID] = unit
	sq.tenantCounts[unit.Tenant.ID]++
	heap.Push(&sq.pending, &pendingItem{unit: unit, seq: m.seq.Add(1)})
	m.count(func(mt *Metrics) { mt.Enqueued++ })
	m.signalLocked(sq)
	return nil
}

// Lease hands the highest-priority pending unit of the stage to a worker,
// blocking up to the configured bounded wait. The lease carries a deadline;
// a worker that neither Completes nor Fails in time loses the unit.
func (m *Manager) Lease(ctx context.Context, stage core.StageKind, workerID string) (*core.AnalysisUnit, error) {
	sq := m.stages[stage]
	timer := time.NewTimer(m.cfg.LeaseWait)
	defer timer.Stop()

	for {
		if unit := m.tryLease(sq, workerID); unit != nil {
			return unit, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		case <-sq.notify:
		}
	}
}

func (m *Manager) tryLease(sq *stageQueue, workerID string) *core.AnalysisUnit {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	for sq.pending.Len() > 0 {
		item := heap.Pop(&sq.pending).(*pendingItem)
		unit := item.unit
		if unit.State != core.UnitPending {
			continue // canceled or re-pushed under a newer heap entry
		}
		unit.State = core.UnitRunning
		unit.Attempt++
		unit.WorkerID = workerID
		unit.LeaseDeadline = time.Now().Add(sq.cfg.LeaseTTL)
		sq.inflight[unit.ID] = unit
		m.count(func(mt *Metrics) { mt.Leased++ })
		return unit
	}
	return nil
}

// Complete marks an in-flight unit as succeeded and archives it.
func (m *Manager) Complete(unitID string) error {
	sq, unit := m.findInflight(unitID)
	if unit == nil {
		return ErrUnknownUnit
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if _, ok := sq.inflight[unitID]; !ok {
		return ErrUnknownUnit
	}
	unit.State = core.UnitSucceeded
	m.removeLocked(sq, unit)
	m.count(func(mt *Metrics) { mt.Completed++ })
	return nil
}

// Fail records a stage failure. The unit is retried with exponential backoff
// until its stage's attempt budget is exhausted, then dead-lettered.
func (m *Manager) Fail(unitID, reason string) error {
	sq, unit := m.findInflight(unitID)
	if unit == nil {
		return ErrUnknownUnit
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if _, ok := sq.inflight[unitID]; !ok {
		return ErrUnknownUnit
	}
	delete(sq.inflight, unitID)
	unit.LastError = reason
	m.count(func(mt *Metrics) { mt.Failed++ })

	if unit.Attempt >= sq.cfg.MaxAttempts {
		m.deadLetterLocked(sq, unit, reason)
		return nil
	}
	m.scheduleRetryLocked(sq, unit)
	return nil
}

// Requeue returns an in-flight unit to pending after a delay without
// consuming an attempt. Used for resource contention (sandbox quota, queue
// backpressure) where the work itself did not fail.
func (m *Manager) Requeue(unitID string, delay time.Duration) error {
	sq, unit := m.findInflight(unitID)
	if unit == nil {
		return ErrUnknownUnit
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if _, ok := sq.inflight[unitID]; !ok {
		return ErrUnknownUnit
	}
	delete(sq.inflight, unitID)
	unit.Attempt-- // contention is not a failed attempt
	unit.State = core.UnitRetrying
	m.delayedPendLocked(sq, unit, delay)
	return nil
}

// CancelSample transitions every non-terminal unit of the sample to
// DeadLettered. The dead-letter handler is not invoked; the caller initiated
// the cancellation and already knows.
func (m *Manager) CancelSample(sampleID string) int {
	canceled := 0
	for _, sq := range m.stages {
		sq.mu.Lock()
		for id, unit := range sq.units {
			if unit.SampleID != sampleID || unit.State.Terminal() {
				continue
			}
			if t, ok := sq.retryTimers[id]; ok {
				t.Stop()
				delete(sq.retryTimers, id)
			}
			delete(sq.inflight, id)
			unit.State = core.UnitDeadLettered
			m.removeLocked(sq, unit)
			canceled++
		}
		sq.mu.Unlock()
	}
	return canceled
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() Metrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.metrics
}

// Depth returns the number of live units for a stage.
func (m *Manager) Depth(stage core.StageKind) int {
	sq := m.stages[stage]
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.units)
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

// reapExpired returns units whose lease deadline passed to Pending, or
// dead-letters them once the attempt budget is spent. Expiry counts as a
// failed attempt: stage logic must be idempotent under at-least-once
// execution.
func (m *Manager) reapExpired() {
	now := time.Now()
	for _, sq := range m.stages {
		sq.mu.Lock()
		for id, unit := range sq.inflight {
			if unit.LeaseDeadline.After(now) {
				continue
			}
			delete(sq.inflight, id)
			m.count(func(mt *Metrics) { mt.Expired++ })
			m.logger.Warn().
				Str("unit_id", id).
				Str("stage", unit.Stage.String()).
				Str("worker", unit.WorkerID).
				Int("attempt", unit.Attempt).
				Msg("lease expired, unit returned to queue")
			if unit.Attempt >= sq.cfg.MaxAttempts {
				m.deadLetterLocked(sq, unit, "lease expired after final attempt")
				continue
			}
			unit.State = core.UnitPending
			unit.WorkerID = ""
			heap.Push(&sq.pending, &pendingItem{unit: unit, seq: m.seq.Add(1)})
			m.signalLocked(sq)
		}
		sq.mu.Unlock()
	}
}

func (m *Manager) scheduleRetryLocked(sq *stageQueue, unit *core.AnalysisUnit) {
	unit.State = core.UnitRetrying
	delay := retryDelay(sq.cfg, unit.Attempt)
	m.count(func(mt *Metrics) { mt.Retried++ })
	m.logger.Debug().
		Str("unit_id", unit.ID).
		Str("stage", unit.Stage.String()).
		Int("attempt", unit.Attempt).
		Dur("delay", delay).
		Msg("scheduling retry")
	m.delayedPendLocked(sq, unit, delay)
}

func (m *Manager) delayedPendLocked(sq *stageQueue, unit *core.AnalysisUnit, delay time.Duration) {
	if delay <= 0 {
		unit.State = core.UnitPending
		heap.Push(&sq.pending, &pendingItem{unit: unit, seq: m.seq.Add(1)})
		m.signalLocked(sq)
		return
	}
	id := unit.ID
	sq.retryTimers[id] = time.AfterFunc(delay, func() {
		sq.mu.Lock()
		defer sq.mu.Unlock()
		delete(sq.retryTimers, id)
		if unit.State != core.UnitRetrying {
			return // canceled while waiting
		}
		unit.State = core.UnitPending
		heap.Push(&sq.pending, &pendingItem{unit: unit, seq: m.seq.Add(1)})
		m.signalLocked(sq)
	})
}

func (m *Manager) deadLetterLocked(sq *stageQueue, unit *core.AnalysisUnit, reason string) {
	unit.State = core.UnitDeadLettered
	m.removeLocked(sq, unit)
	m.count(func(mt *Metrics) { mt.DeadLettered++ })
	m.logger.Error().
		Str("unit_id", unit.ID).
		Str("sample_id", unit.SampleID).
		Str("stage", unit.Stage.String()).
		Int("attempts", unit.Attempt).
		Str("reason", reason).
		Msg("unit dead-lettered")
	if m.deadLetter != nil {
		u := unit
		go m.deadLetter(u, reason)
	}
}

// removeLocked drops a terminal unit from the live maps. Heap entries are
// removed lazily on pop.
func (m *Manager) removeLocked(sq *stageQueue, unit *core.AnalysisUnit) {
	delete(sq.units, unit.ID)
	if sq.tenantCounts[unit.Tenant.ID] > 0 {
		sq.tenantCounts[unit.Tenant.ID]--
	}
}

func (m *Manager) signalLocked(sq *stageQueue) {
	select {
	case sq.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) findInflight(unitID string) (*stageQueue, *core.AnalysisUnit) {
	for _, sq := range m.stages {
		sq.mu.Lock()
		unit, ok := sq.inflight[unitID]
		sq.mu.Unlock()
		if ok {
			return sq, unit
		}
	}
	return nil, nil
}

func (m *Manager) count(fn func(*Metrics)) {
	m.metricsMu.Lock()
	fn(&m.metrics)
	m.metricsMu.Unlock()
}

// retryDelay computes the backoff before re-leasing a failed unit. The
// schedule comes from the stage config; randomization is disabled so retry
// timing is reproducible in tests.
func retryDelay(cfg config.StageConfig, attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryInitial
	bo.MaxInterval = cfg.RetryMax
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	// The constructor latches the current interval before the fields above
	// take effect; Reset re-latches it onto the configured schedule.
	bo.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}
