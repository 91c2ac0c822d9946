// Package store implements the Aggregate Store (spec.md §4.D): sharded,
// idempotent, replay-detecting, post-collection-immutable storage of
// aggregate shares keyed by (task, bucket).
//
// Grounded on core/sharding.go's ShardID/VerticalPartition model for the
// partition-key shape, generalized from address-hash sharding to the
// literal HMAC(shard_key, "report shard" || report_id) formula spec.md §4.D
// specifies, and on core/connection_pool.go's per-destination resource
// reuse for the HTTP backend (store/http.go).
package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"dap-aggregator/core"
)

// PartitionKey names one storage partition: (epoch, shard, task, version).
type PartitionKey struct {
	Epoch   uint64
	Shard   uint64
	Task    core.TaskID
	Version string
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%s", k.Task.Hex(), k.Epoch, k.Shard, k.Version)
}

// ShardParams configures the report-id-to-shard derivation (spec §4.D).
type ShardParams struct {
	Key   []byte // report_shard_key, 32 bytes
	Count uint64 // report_shard_count, power of two
}

// ShardFor computes shard = HMAC(shard_key, "report shard" || report_id)[0..8] as u64 mod shard_count.
func ShardFor(p ShardParams, id core.ReportID) uint64 {
	mac := hmac.New(sha256.New, p.Key)
	mac.Write([]byte("report shard"))
	mac.Write(id[:])
	sum := mac.Sum(nil)
	seed := binary.BigEndian.Uint64(sum[:8])
	if p.Count == 0 {
		return 0
	}
	return seed % p.Count
}

// EpochFor computes floor(time / report_storage_epoch_duration).
func EpochFor(t core.Time, epochDuration uint64) uint64 {
	if epochDuration == 0 {
		epochDuration = 1
	}
	return uint64(t) / epochDuration
}

// PartitionFor resolves the partition a report id/time pair belongs to.
func PartitionFor(task *core.Task, version string, shardParams ShardParams, epochDuration uint64, id core.ReportID, at core.Time) PartitionKey {
	return PartitionKey{
		Epoch:   EpochFor(at, epochDuration),
		Shard:   ShardFor(shardParams, id),
		Task:    task.ID,
		Version: version,
	}
}

// MergeErrKind classifies a per-bucket merge failure (spec §4.D contract).
type MergeErrKind uint8

const (
	MergeOK MergeErrKind = iota
	MergeReplays
	MergeAlreadyCollected
	MergeOther
)

// MergeError is the per-bucket outcome of TryPutSpan.
type MergeError struct {
	Kind    MergeErrKind
	Replays []core.ReportID
	Err     error
}

func (e *MergeError) Error() string {
	switch e.Kind {
	case MergeReplays:
		return fmt.Sprintf("replays detected: %d report ids", len(e.Replays))
	case MergeAlreadyCollected:
		return "bucket already collected"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "other store error"
	}
}

// BucketResult pairs a bucket with its merge outcome. Err is nil on success.
type BucketResult struct {
	Bucket core.Bucket
	Err    *MergeError
}

// ErrEpochPurged is returned (wrapped) when a report's time maps to an
// epoch whose partition has already been garbage-collected (spec §4.D
// "reports whose time maps to a purged epoch are rejected with
// report-dropped").
var ErrEpochPurged = errors.New("store: epoch partition purged")

// Store is the Aggregate Store contract (spec §4.D).
type Store interface {
	// TryPutSpan merges span into the store, one bucket at a time,
	// honoring the all-or-nothing-per-bucket semantics of §4.D. shardOf
	// resolves the partition for a given report id and bucket time.
	TryPutSpan(task *core.Task, version string, span *core.AggregateSpan, v VdafAggregator, shardOf func(core.ReportID, core.Time) PartitionKey) []BucketResult

	// GetAggregateShare sums the shares of every bucket the selector
	// covers, folding each matching bucket's VDAF-opaque Payload through
	// v.Aggregate rather than taking any single bucket's Payload as-is.
	GetAggregateShare(task *core.Task, sel BatchSelector, v VdafAggregator) (core.AggregateShare, error)

	// MarkCollected sets collected=true on every bucket the selector
	// covers.
	MarkCollected(task *core.Task, sel BatchSelector) error

	// BatchExists distinguishes "unknown batch" from "empty batch" for
	// fixed-size tasks.
	BatchExists(task *core.Task, batchID core.BatchID) bool

	// IsBatchOverlapping reports whether sel intersects any
	// previously-collected batch.
	IsBatchOverlapping(task *core.Task, sel BatchSelector) bool

	// GC purges partitions whose epoch ended more than safetyInterval ago
	// relative to now (spec §4.D "the partition's lifetime is bounded").
	GC(epochDuration, safetyInterval uint64, now core.Time)
}

// VdafAggregator is the subset of vdaf.Vdaf the store needs to combine
// shares; declared locally to avoid the store package depending on the vdaf
// package's Shard/PrepInit surface it never calls.
type VdafAggregator interface {
	AggregateInit(aggParam []byte) ([]byte, error)
	Aggregate(acc, delta []byte) ([]byte, error)
}

// BatchSelector names the set of buckets a collect/aggregate-share request
// targets (spec §4.E).
type BatchSelector struct {
	TimeInterval bool
	Start        core.Time
	Duration     uint64
	BatchID      core.BatchID
	AggParam     string
}

// Buckets enumerates the bucket keys a time-interval selector spans, one
// per time_precision window.
func (s BatchSelector) Buckets(timePrecision uint64) []core.Bucket {
	if !s.TimeInterval {
		return []core.Bucket{{IsFixedSize: true, BatchID: s.BatchID, AggParam: s.AggParam}}
	}
	if timePrecision == 0 {
		timePrecision = 1
	}
	var out []core.Bucket
	for w := uint64(s.Start); w < uint64(s.Start)+s.Duration; w += timePrecision {
		out = append(out, core.Bucket{BatchWindow: w, AggParam: s.AggParam})
	}
	return out
}
