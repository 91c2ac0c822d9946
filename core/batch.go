package core

// batch.go – Batch Coordinator (spec §4.E): batch-selector validation,
// the Leader's fixed-size batch queue, overlap/min-size enforcement at
// collection, and aggregate-share assembly.
//
// Grounded on core/fault_tolerance.go's background-bookkeeping shape (a
// mutex-guarded map of per-key counters) for the fixed-size batch queue,
// and on core/access_control.go's "clone under lock, operate outside it"
// pattern for everything that calls into the store.

import (
	"fmt"
	"sync"

	"dap-aggregator/core/vdaf"
)

// BatchSelector mirrors store.BatchSelector's shape at the core level so
// callers outside the store package (the wire layer) don't need to import
// store just to build one. core/batch.go translates between the two.
type BatchSelector struct {
	TimeInterval bool
	Start        Time
	Duration     uint64
	BatchID      BatchID
	AggParam     string
}

// fixedSizeQueue tracks the Leader's current and collectable batches for
// one fixed-size task (spec §4.E "batch queue with a distinguished current
// batch").
type fixedSizeQueue struct {
	mu        sync.Mutex
	current   BatchID
	currentN  uint64
	hasOpen   bool
	pending   []BatchID // oldest-first, not yet collected
	collected map[BatchID]struct{}
}

// BatchCoordinator owns the Leader-side fixed-size batch queues; for
// time-interval tasks it is stateless aside from delegating to the store.
// The store itself is the source of truth for overlap/collected state —
// the queue here only decides which BatchID new reports attach to.
type BatchCoordinator struct {
	mu     sync.Mutex
	queues map[TaskID]*fixedSizeQueue

	newBatchID func() BatchID
}

// NewBatchCoordinator builds a coordinator. newBatchID supplies fresh
// random batch identifiers when a queue rolls over; production wiring
// passes a crypto/rand-backed generator (see cmd/aggregator).
func NewBatchCoordinator(newBatchID func() BatchID) *BatchCoordinator {
	return &BatchCoordinator{
		queues:     make(map[TaskID]*fixedSizeQueue),
		newBatchID: newBatchID,
	}
}

func (c *BatchCoordinator) queueFor(task TaskID) *fixedSizeQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[task]
	if !ok {
		q = &fixedSizeQueue{collected: make(map[BatchID]struct{})}
		c.queues[task] = q
	}
	return q
}

// CurrentBatch returns the batch id new reports for task should attach to,
// opening a fresh batch on first use. Only valid for fixed-size tasks.
func (c *BatchCoordinator) CurrentBatch(task *Task) (BatchID, error) {
	if err := task.ValidateBatchSelectorKind(false); err != nil {
		return BatchID{}, err
	}
	q := c.queueFor(task.ID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasOpen {
		q.current = c.newBatchID()
		q.currentN = 0
		q.hasOpen = true
		q.pending = append(q.pending, q.current)
	}
	return q.current, nil
}

// ReportAssigned records that one more report attached to task's current
// batch, rolling over to a fresh batch once max_batch_size is reached
// (spec §4.E "when current.count >= max_batch_size, a new current is
// allocated").
func (c *BatchCoordinator) ReportAssigned(task *Task) {
	q := c.queueFor(task.ID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasOpen {
		return
	}
	q.currentN++
	if q.currentN >= task.MaxBatchSize {
		q.hasOpen = false
	}
}

// internalCurrentBatch returns the oldest not-yet-collected batch id, the
// target of a fixed-size collection request (spec §4.E
// "internal_current_batch"). The open question of what to do when no such
// batch exists (SPEC_FULL.md E.5) is resolved here as a typed internal
// error, never a silent default.
func (c *BatchCoordinator) internalCurrentBatch(task *Task) (BatchID, error) {
	q := c.queueFor(task.ID)
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		head := q.pending[0]
		if _, done := q.collected[head]; done {
			q.pending = q.pending[1:]
			continue
		}
		return head, nil
	}
	return BatchID{}, WithDetail(ErrInternal, "fixed-size task has no open or pending batch to collect")
}

func (c *BatchCoordinator) markQueueCollected(task TaskID, batch BatchID) {
	q := c.queueFor(task)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.collected[batch] = struct{}{}
	for len(q.pending) > 0 && q.pending[0] != batch {
		break
	}
}

// ValidateSelector checks the batch-selector-shape invariants of spec §4.E:
// time-interval selectors must be precision-aligned; fixed-size selectors
// must name a known batch.
func (c *BatchCoordinator) ValidateSelector(task *Task, sel BatchSelector, batchKnown func(BatchID) bool) error {
	if sel.TimeInterval {
		if err := task.ValidateBatchSelectorKind(true); err != nil {
			return err
		}
		p := task.TimePrecision
		if p == 0 {
			p = 1
		}
		if uint64(sel.Start)%p != 0 || sel.Duration%p != 0 {
			return WithDetail(ErrBatchInvalid, fmt.Sprintf("selector not aligned to time_precision=%d", p))
		}
		return nil
	}
	if err := task.ValidateBatchSelectorKind(false); err != nil {
		return err
	}
	if batchKnown != nil && !batchKnown(sel.BatchID) {
		return WithDetail(ErrBatchMismatch, "unknown batch id")
	}
	return nil
}

// CollectionResult is the outcome of a successful collection (spec §4.E:
// "On success, mark collected then release the share").
type CollectionResult struct {
	Share AggregateShare
}

// storeHandle is the narrow surface core/batch.go needs from the store
// package, declared locally (rather than imported) to keep core free of a
// dependency on core/store — the store package already depends on core,
// so the reverse import would cycle. GetAggregateShare takes a vdaf.Vdaf
// so the store can fold buckets' VDAF-opaque payloads together (spec §4.D);
// core/vdaf has no dependency on core, so importing it here doesn't cycle.
type storeHandle interface {
	GetAggregateShare(sel BatchSelector, v vdaf.Vdaf) (AggregateShare, error)
	MarkCollected(sel BatchSelector) error
	BatchExists(batchID BatchID) bool
	IsBatchOverlapping(sel BatchSelector) bool
}

// Collect runs the full collection algorithm (spec §4.E): selector
// validation, overlap check, minimum-batch-size enforcement, then
// mark-collected and share release. For fixed-size tasks with a zero
// BatchID selector, the coordinator resolves internal_current_batch first.
// v is the task's resolved VDAF, needed to combine buckets' payloads when
// the selector spans more than one.
func (c *BatchCoordinator) Collect(task *Task, sel BatchSelector, v vdaf.Vdaf, st storeHandle) (*CollectionResult, error) {
	if !sel.TimeInterval && sel.BatchID == (BatchID{}) {
		batch, err := c.internalCurrentBatch(task)
		if err != nil {
			return nil, err
		}
		sel.BatchID = batch
	}

	if err := c.ValidateSelector(task, sel, st.BatchExists); err != nil {
		return nil, err
	}
	if st.IsBatchOverlapping(sel) {
		return nil, ErrBatchOverlap
	}

	share, err := st.GetAggregateShare(sel, v)
	if err != nil {
		return nil, WithDetail(ErrInternal, err.Error())
	}
	if share.ReportCount < task.MinBatchSize {
		return nil, WithDetail(ErrInvalidBatchSize, fmt.Sprintf("report_count=%d < min_batch_size=%d", share.ReportCount, task.MinBatchSize))
	}

	if err := st.MarkCollected(sel); err != nil {
		return nil, WithDetail(ErrInternal, err.Error())
	}
	if !sel.TimeInterval {
		c.markQueueCollected(task.ID, sel.BatchID)
	}
	return &CollectionResult{Share: share}, nil
}
