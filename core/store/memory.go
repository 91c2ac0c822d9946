package store

// memory.go – in-process Aggregate Store (spec §4.D), grounded on
// core/sharding.go's shardManager: one mutex-guarded map per partition,
// a single logical writer serializing mutations the way its
// ShardCoordinator serializes cross-shard submissions.
//
// This implementation backs both unit tests and a single-process
// deployment; store/http.go wraps the same contract behind the gateway's
// POST-based RPC for a real multi-process deployment (spec §6.3).

import (
	"sync"

	"dap-aggregator/core"
)

type bucketEntry struct {
	bucket    core.Bucket
	share     core.AggregateShare
	replaySet map[core.ReportID]struct{}
}

type partition struct {
	mu      sync.Mutex // one logical writer per partition (spec §5)
	buckets map[string]*bucketEntry
	created core.Time
}

// MemoryStore is an in-process Store keyed by PartitionKey. Partition
// lookup uses a store-wide RWMutex; once a *partition is obtained, all
// further synchronization is scoped to that partition's own mutex, so two
// different partitions never contend.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[PartitionKey]*partition
	purged     map[PartitionKey]struct{}

	shardParams   ShardParams
	epochDuration uint64
	version       string
}

func NewMemoryStore(shardParams ShardParams, epochDuration uint64, version string) *MemoryStore {
	return &MemoryStore{
		partitions:    make(map[PartitionKey]*partition),
		purged:        make(map[PartitionKey]struct{}),
		shardParams:   shardParams,
		epochDuration: epochDuration,
		version:       version,
	}
}

func (m *MemoryStore) partitionFor(task *core.Task, id core.ReportID, at core.Time) (*partition, PartitionKey, bool) {
	key := PartitionFor(task, m.version, m.shardParams, m.epochDuration, id, at)

	m.mu.RLock()
	if _, dead := m.purged[key]; dead {
		m.mu.RUnlock()
		return nil, key, false
	}
	p, ok := m.partitions[key]
	m.mu.RUnlock()
	if ok {
		return p, key, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dead := m.purged[key]; dead {
		return nil, key, false
	}
	if p, ok = m.partitions[key]; ok {
		return p, key, true
	}
	p = &partition{buckets: make(map[string]*bucketEntry), created: at}
	m.partitions[key] = p
	return p, key, true
}

// TryPutSpan implements the Store contract's bucket-atomic merge semantics
// (spec §4.D): per bucket, AlreadyCollected short-circuits, any replayed
// report id discards the whole delta, otherwise the delta is folded in and
// its report ids join the partition's replay set.
func (m *MemoryStore) TryPutSpan(task *core.Task, version string, span *core.AggregateSpan, v VdafAggregator, shardOf func(core.ReportID, core.Time) PartitionKey) []BucketResult {
	var results []BucketResult

	for _, bd := range span.Buckets() {
		b, delta := bd.Bucket, bd.Delta
		if len(delta.ReportIDs) == 0 {
			continue
		}

		// All report ids in one bucket must resolve to the same
		// partition under the epoch/task keying; pick the first id to
		// locate it and verify the rest agree, otherwise treat the
		// mismatch as an internal error (Other).
		repID := delta.ReportIDs[0]
		p, _, ok := m.partitionFor(task, repID, delta.MinTime)
		if !ok {
			results = append(results, BucketResult{Bucket: b, Err: &MergeError{Kind: MergeOther, Err: ErrEpochPurged}})
			continue
		}

		err := func() *MergeError {
			p.mu.Lock()
			defer p.mu.Unlock()

			entry, ok := p.buckets[b.Key()]
			if !ok {
				zero, zerr := v.AggregateInit(nil)
				if zerr != nil {
					return &MergeError{Kind: MergeOther, Err: zerr}
				}
				entry = &bucketEntry{
					bucket:    b,
					share:     core.AggregateShare{Payload: zero},
					replaySet: make(map[core.ReportID]struct{}),
				}
				p.buckets[b.Key()] = entry
			}

			if entry.share.Collected {
				return &MergeError{Kind: MergeAlreadyCollected}
			}

			var replays []core.ReportID
			for _, id := range delta.ReportIDs {
				if _, seen := entry.replaySet[id]; seen {
					replays = append(replays, id)
				}
			}
			if len(replays) > 0 {
				return &MergeError{Kind: MergeReplays, Replays: replays}
			}

			merged, merr := v.Aggregate(entry.share.Payload, delta.Payload)
			if merr != nil {
				return &MergeError{Kind: MergeOther, Err: merr}
			}
			entry.share.Payload = merged
			entry.share.ReportCount += uint64(len(delta.ReportIDs))
			if entry.share.ReportCount == uint64(len(delta.ReportIDs)) || delta.MinTime < entry.share.MinTime {
				entry.share.MinTime = delta.MinTime
			}
			if delta.MaxTime > entry.share.MaxTime {
				entry.share.MaxTime = delta.MaxTime
			}
			checksum := delta.Checksum()
			for i := range entry.share.Checksum {
				entry.share.Checksum[i] ^= checksum[i]
			}
			for _, id := range delta.ReportIDs {
				entry.replaySet[id] = struct{}{}
			}
			return nil
		}()

		results = append(results, BucketResult{Bucket: b, Err: err})
	}
	return results
}

// GetAggregateShare sums every matching bucket across every partition,
// folding each bucket's Payload into the running accumulator via
// v.Aggregate — Payload is the VDAF-opaque accumulator spec §3 "Bucket"
// defines, so combining buckets means homomorphically adding their
// payloads, not copying one bucket's payload over the others. Collected is
// true only when at least one bucket matched and every matching bucket is
// collected. The caller
// (Batch Coordinator) is responsible for ensuring the selector's buckets
// were fully populated before calling (spec §4.D reads section).
func (m *MemoryStore) GetAggregateShare(task *core.Task, sel BatchSelector, v VdafAggregator) (core.AggregateShare, error) {
	var total core.AggregateShare
	zero, err := v.AggregateInit(nil)
	if err != nil {
		return core.AggregateShare{}, err
	}
	total.Payload = zero
	matched, allCollected := false, true

	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, p := range m.partitions {
		if key.Task != task.ID {
			continue
		}
		err := func() error {
			p.mu.Lock()
			defer p.mu.Unlock()
			for bk, entry := range p.buckets {
				if !bucketMatchesSelector(bk, entry, sel) {
					continue
				}
				matched = true
				if !entry.share.Collected {
					allCollected = false
				}
				total.ReportCount += entry.share.ReportCount
				for i := range total.Checksum {
					total.Checksum[i] ^= entry.share.Checksum[i]
				}
				merged, merr := v.Aggregate(total.Payload, entry.share.Payload)
				if merr != nil {
					return merr
				}
				total.Payload = merged
			}
			return nil
		}()
		if err != nil {
			return core.AggregateShare{}, err
		}
	}
	total.Collected = matched && allCollected
	return total, nil
}

// MarkCollected sets collected=true on every bucket the selector covers.
func (m *MemoryStore) MarkCollected(task *core.Task, sel BatchSelector) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, p := range m.partitions {
		if key.Task != task.ID {
			continue
		}
		p.mu.Lock()
		for bk, entry := range p.buckets {
			if bucketMatchesSelector(bk, entry, sel) {
				entry.share.Collected = true
			}
		}
		p.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) BatchExists(task *core.Task, batchID core.BatchID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := (core.Bucket{IsFixedSize: true, BatchID: batchID}).Key()
	for key, p := range m.partitions {
		if key.Task != task.ID {
			continue
		}
		p.mu.Lock()
		_, ok := p.buckets[want]
		p.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

func (m *MemoryStore) IsBatchOverlapping(task *core.Task, sel BatchSelector) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, p := range m.partitions {
		if key.Task != task.ID {
			continue
		}
		p.mu.Lock()
		for bk, entry := range p.buckets {
			if entry.share.Collected && bucketMatchesSelector(bk, entry, sel) {
				p.mu.Unlock()
				return true
			}
		}
		p.mu.Unlock()
	}
	return false
}

// GC purges partitions whose epoch ended more than safetyInterval ago
// (spec §4.D). Purged partitions are tombstoned so subsequent reports
// mapping to that epoch are rejected with report-dropped rather than
// silently opening a fresh, empty partition.
func (m *MemoryStore) GC(epochDuration, safetyInterval uint64, now core.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.partitions {
		epochEnd := (key.Epoch + 1) * epochDuration
		if uint64(now) > epochEnd+safetyInterval {
			delete(m.partitions, key)
			m.purged[key] = struct{}{}
		}
	}
}

func bucketMatchesSelector(_ string, entry *bucketEntry, sel BatchSelector) bool {
	b := entry.bucket
	if b.AggParam != sel.AggParam {
		return false
	}
	if sel.TimeInterval {
		return !b.IsFixedSize && b.BatchWindow >= uint64(sel.Start) && b.BatchWindow < uint64(sel.Start)+sel.Duration
	}
	return b.IsFixedSize && b.BatchID == sel.BatchID
}
