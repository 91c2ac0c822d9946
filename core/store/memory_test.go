package store

import (
	"encoding/binary"
	"testing"

	"dap-aggregator/core"
	"dap-aggregator/core/vdaf"
)

func testTask(id byte) *core.Task {
	var tid core.TaskID
	tid[0] = id
	return &core.Task{ID: tid, Version: "09", QueryType: core.QueryTimeInterval, TimePrecision: 60, MinBatchSize: 1}
}

func shardOf(task *core.Task, sp ShardParams) func(core.ReportID, core.Time) PartitionKey {
	return func(id core.ReportID, at core.Time) PartitionKey {
		return PartitionFor(task, "09", sp, 3600, id, at)
	}
}

// buildSpan folds n reports, each contributing value 1, into a single
// time-interval bucket via the real Span Builder (spec §4.C), mirroring how
// RunAggregationJob would produce the span TryPutSpan receives.
func buildSpan(t *testing.T, task *core.Task, v vdaf.Vdaf, ids []core.ReportID, window uint64) *core.AggregateSpan {
	t.Helper()
	prepared := make([]core.ReportState, 0, len(ids))
	for _, id := range ids {
		out, err := v.AggregateInit(nil)
		if err != nil {
			t.Fatalf("aggregate init: %v", err)
		}
		one, err := v.Aggregate(out, mustEncodeOne(t, v))
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
		prepared = append(prepared, core.Prepared(core.ReportMetadata{ID: id, Time: core.Time(window)}, core.PreparedShare{OutputShare: one}))
	}
	span, rejections, err := core.BuildAggregateSpan(task, v, "", prepared)
	if err != nil {
		t.Fatalf("build span: %v", err)
	}
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejections)
	}
	return span
}

func mustEncodeOne(t *testing.T, v vdaf.Vdaf) []byte {
	t.Helper()
	zero, err := v.AggregateInit(nil)
	if err != nil {
		t.Fatalf("aggregate init: %v", err)
	}
	one, err := v.Aggregate(zero, encodeOne())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	return one
}

func encodeOne() []byte {
	return []byte{0, 0, 0, 0, 0, 0, 0, 1}
}

func TestTryPutSpanMergesDisjointReports(t *testing.T) {
	task := testTask(1)
	sp := ShardParams{Key: []byte("shard-key-0123456789012345678901"), Count: 4}
	st := NewMemoryStore(sp, 3600, "09")
	v := vdaf.Prio3CountLike{}

	var idA, idB core.ReportID
	idA[0] = 0xAA
	idB[0] = 0xBB
	span := buildSpan(t, task, v, []core.ReportID{idA, idB}, 60)

	results := st.TryPutSpan(task, "09", span, v, shardOf(task, sp))
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected merge error: %v", r.Err)
		}
	}

	sel := BatchSelector{TimeInterval: true, Start: 0, Duration: 120}
	share, err := st.GetAggregateShare(task, sel, v)
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	if share.ReportCount != 2 {
		t.Fatalf("expected report_count=2, got %d", share.ReportCount)
	}
}

// TestGetAggregateShareCombinesPayloadAcrossBuckets puts reports into two
// distinct, non-empty buckets under one selector and checks that Payload is
// the homomorphic sum of both buckets' accumulators, not just the first
// bucket GetAggregateShare happens to visit during its (non-deterministic)
// map iteration.
func TestGetAggregateShareCombinesPayloadAcrossBuckets(t *testing.T) {
	task := testTask(6)
	sp := ShardParams{Key: []byte("shard-key-0123456789012345678901"), Count: 4}
	st := NewMemoryStore(sp, 3600, "09")
	v := vdaf.Prio3CountLike{}

	var idA, idB, idC core.ReportID
	idA[0] = 0xA1
	idB[0] = 0xB1
	idC[0] = 0xC1

	// Window 60 gets two reports, window 120 gets one; both windows fall
	// inside the selector below. Two non-empty buckets is the minimum that
	// exercises fold-across-buckets rather than first-bucket-only.
	spanW60 := buildSpan(t, task, v, []core.ReportID{idA, idB}, 60)
	spanW120 := buildSpan(t, task, v, []core.ReportID{idC}, 120)

	for _, r := range st.TryPutSpan(task, "09", spanW60, v, shardOf(task, sp)) {
		if r.Err != nil {
			t.Fatalf("unexpected merge error (window 60): %v", r.Err)
		}
	}
	for _, r := range st.TryPutSpan(task, "09", spanW120, v, shardOf(task, sp)) {
		if r.Err != nil {
			t.Fatalf("unexpected merge error (window 120): %v", r.Err)
		}
	}

	sel := BatchSelector{TimeInterval: true, Start: 0, Duration: 180}
	share, err := st.GetAggregateShare(task, sel, v)
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	if share.ReportCount != 3 {
		t.Fatalf("expected report_count=3 across both buckets, got %d", share.ReportCount)
	}
	if len(share.Payload) != 8 {
		t.Fatalf("expected an 8-byte combined payload, got %d bytes", len(share.Payload))
	}
	if got := binary.BigEndian.Uint64(share.Payload); got != 3 {
		t.Fatalf("expected the combined payload to decode to 3 (one per report), got %d — "+
			"first-bucket-only Payload would decode to 2 or 1 instead of summing both buckets", got)
	}
}

// TestTryPutSpanDetectsReplay is testable property 2 (spec §8): merging the
// same report id twice into the same bucket discards the whole delta and
// reports MergeReplays without mutating the stored share (property 1's
// idempotency half).
func TestTryPutSpanDetectsReplay(t *testing.T) {
	task := testTask(2)
	sp := ShardParams{Key: []byte("shard-key-0123456789012345678901"), Count: 1}
	st := NewMemoryStore(sp, 3600, "09")
	v := vdaf.Prio3CountLike{}

	var id core.ReportID
	id[0] = 0x01
	span := buildSpan(t, task, v, []core.ReportID{id}, 60)

	results := st.TryPutSpan(task, "09", span, v, shardOf(task, sp))
	if results[0].Err != nil {
		t.Fatalf("first merge should succeed: %v", results[0].Err)
	}

	replaySpan := buildSpan(t, task, v, []core.ReportID{id}, 60)
	results = st.TryPutSpan(task, "09", replaySpan, v, shardOf(task, sp))
	if results[0].Err == nil || results[0].Err.Kind != MergeReplays {
		t.Fatalf("expected MergeReplays, got %+v", results[0].Err)
	}
	if len(results[0].Err.Replays) != 1 || results[0].Err.Replays[0] != id {
		t.Fatalf("expected replay to name report %s, got %+v", id, results[0].Err.Replays)
	}

	sel := BatchSelector{TimeInterval: true, Start: 0, Duration: 120}
	share, err := st.GetAggregateShare(task, sel, v)
	if err != nil {
		t.Fatalf("get share: %v", err)
	}
	if share.ReportCount != 1 {
		t.Fatalf("replay must not double-count: report_count=%d", share.ReportCount)
	}
}

// TestTryPutSpanRejectsAfterCollection is testable property 3: once a bucket
// is marked collected, every subsequent merge attempt fails with
// MergeAlreadyCollected and the stored share does not change.
func TestTryPutSpanRejectsAfterCollection(t *testing.T) {
	task := testTask(3)
	sp := ShardParams{Key: []byte("shard-key-0123456789012345678901"), Count: 1}
	st := NewMemoryStore(sp, 3600, "09")
	v := vdaf.Prio3CountLike{}

	var id core.ReportID
	id[0] = 0x02
	span := buildSpan(t, task, v, []core.ReportID{id}, 60)
	st.TryPutSpan(task, "09", span, v, shardOf(task, sp))

	sel := BatchSelector{TimeInterval: true, Start: 0, Duration: 120}
	if err := st.MarkCollected(task, sel); err != nil {
		t.Fatalf("mark collected: %v", err)
	}

	var id2 core.ReportID
	id2[0] = 0x03
	span2 := buildSpan(t, task, v, []core.ReportID{id2}, 60)
	results := st.TryPutSpan(task, "09", span2, v, shardOf(task, sp))
	if results[0].Err == nil || results[0].Err.Kind != MergeAlreadyCollected {
		t.Fatalf("expected MergeAlreadyCollected, got %+v", results[0].Err)
	}

	share, _ := st.GetAggregateShare(task, sel, v)
	if share.ReportCount != 1 {
		t.Fatalf("collected bucket must not accept further merges: report_count=%d", share.ReportCount)
	}
}

func TestIsBatchOverlappingOnlyAfterCollection(t *testing.T) {
	task := testTask(4)
	sp := ShardParams{Key: []byte("shard-key-0123456789012345678901"), Count: 1}
	st := NewMemoryStore(sp, 3600, "09")
	v := vdaf.Prio3CountLike{}

	var id core.ReportID
	id[0] = 0x04
	span := buildSpan(t, task, v, []core.ReportID{id}, 60)
	st.TryPutSpan(task, "09", span, v, shardOf(task, sp))

	sel := BatchSelector{TimeInterval: true, Start: 0, Duration: 120}
	if st.IsBatchOverlapping(task, sel) {
		t.Fatal("uncollected bucket must not be reported as overlapping")
	}
	if err := st.MarkCollected(task, sel); err != nil {
		t.Fatalf("mark collected: %v", err)
	}
	if !st.IsBatchOverlapping(task, sel) {
		t.Fatal("collected bucket must be reported as overlapping")
	}
}

// TestGCTombstonesPurgedPartitions is testable property 4: reports mapped to
// a purged epoch are rejected, not silently opened into a new partition.
func TestGCTombstonesPurgedPartitions(t *testing.T) {
	task := testTask(5)
	sp := ShardParams{Key: []byte("shard-key-0123456789012345678901"), Count: 1}
	st := NewMemoryStore(sp, 10, "09")
	v := vdaf.Prio3CountLike{}

	var id core.ReportID
	id[0] = 0x05
	span := buildSpan(t, task, v, []core.ReportID{id}, 5)
	results := st.TryPutSpan(task, "09", span, v, shardOf(task, sp))
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}

	st.GC(10, 0, core.Time(10000))

	var id2 core.ReportID
	id2[0] = 0x06
	span2 := buildSpan(t, task, v, []core.ReportID{id2}, 5)
	results = st.TryPutSpan(task, "09", span2, v, shardOf(task, sp))
	if results[0].Err == nil || results[0].Err.Kind != MergeOther {
		t.Fatalf("expected purged-epoch rejection, got %+v", results[0].Err)
	}
}

func TestShardForIsDeterministicAndWithinRange(t *testing.T) {
	sp := ShardParams{Key: []byte("k"), Count: 8}
	var id core.ReportID
	id[0] = 0x42
	s1 := ShardFor(sp, id)
	s2 := ShardFor(sp, id)
	if s1 != s2 {
		t.Fatalf("ShardFor must be deterministic: %d != %d", s1, s2)
	}
	if s1 >= sp.Count {
		t.Fatalf("shard %d out of range [0,%d)", s1, sp.Count)
	}
}
