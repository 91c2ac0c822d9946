package core

// span.go – Bucket / AggregateShare / AggregateSpan data model and the
// Aggregate Span Builder (spec §3 "Bucket"/"AggregateShare"/"AggregateSpan",
// §4.C).
//
// Grounded on core/sharding.go's VerticalPartition (a struct keying a value
// by a composite of coordinates) for the Bucket shape, generalized from
// shard coordinates to the (batch window|batch id, agg param) pair spec.md
// defines.

import (
	"fmt"

	"dap-aggregator/core/vdaf"
)

// Bucket is the atomic aggregation unit: a batch window (time-interval
// tasks) or batch id (fixed-size tasks), paired with an aggregation
// parameter.
type Bucket struct {
	BatchWindow uint64 // valid iff the task is time-interval
	BatchID     BatchID
	IsFixedSize bool
	AggParam    string // opaque VDAF aggregation parameter, comparable as a map key
}

// Key returns a stable, comparable key for the bucket, used both as the
// internal map key here and by the store package to index partitions.
func (b Bucket) Key() string {
	if b.IsFixedSize {
		return fmt.Sprintf("f:%s:%s", b.BatchID.Hex(), b.AggParam)
	}
	return fmt.Sprintf("t:%d:%s", b.BatchWindow, b.AggParam)
}

// AggregateShare is the durable, store-owned aggregate for one bucket
// (spec §3 "AggregateShare"). Collected is terminal: once true, any
// subsequent merge attempt fails with AlreadyCollected (§4.D, §8 property 3).
type AggregateShare struct {
	ReportCount uint64
	Checksum    [32]byte // XOR of merged report ids
	Payload     []byte   // vdaf-opaque accumulator bytes
	MinTime     Time
	MaxTime     Time
	Collected   bool
}

// AggregateShareDelta is the incremental contribution one aggregation job
// makes to a bucket before it is merged into the store's AggregateShare.
type AggregateShareDelta struct {
	ReportIDs []ReportID
	Payload   []byte // vdaf-opaque; same shape as AggregateShare.Payload
	MinTime   Time
	MaxTime   Time
}

// Checksum returns the XOR of the delta's report ids, matching
// AggregateShare.Checksum's definition.
func (d AggregateShareDelta) Checksum() [32]byte {
	var sum [32]byte
	for _, id := range d.ReportIDs {
		for i := range sum {
			sum[i] ^= id[i%len(id)]
		}
	}
	return sum
}

// Merge folds a delta into the share in place, matching §4.D's "share <-
// share + delta; replay_set <- replay_set U delta.ids" semantics for the
// payload and checksum portion (replay-set membership itself is the store's
// responsibility, not the share's).
func (s *AggregateShare) Merge(v vdaf.Vdaf, d AggregateShareDelta) error {
	payload, err := v.Aggregate(s.Payload, d.Payload)
	if err != nil {
		return fmt.Errorf("aggregate share merge: %w", err)
	}
	s.Payload = payload
	s.ReportCount += uint64(len(d.ReportIDs))
	for i := range s.Checksum {
		s.Checksum[i] ^= d.Checksum()[i]
	}
	if s.ReportCount == uint64(len(d.ReportIDs)) || d.MinTime < s.MinTime {
		s.MinTime = d.MinTime
	}
	if d.MaxTime > s.MaxTime {
		s.MaxTime = d.MaxTime
	}
	return nil
}

// NewZeroAggregateShare returns the zero element of a bucket's aggregate
// share, used by the store when it first observes a bucket.
func NewZeroAggregateShare(v vdaf.Vdaf, aggParam []byte) (AggregateShare, error) {
	payload, err := v.AggregateInit(aggParam)
	if err != nil {
		return AggregateShare{}, err
	}
	return AggregateShare{Payload: payload}, nil
}

// AggregateSpan maps buckets to their incremental contribution; it is the
// atomic unit handed to the Aggregate Store (§3 "AggregateSpan").
type AggregateSpan struct {
	order   []Bucket
	deltas  map[string]AggregateShareDelta
	buckets map[string]Bucket
}

func NewAggregateSpan() *AggregateSpan {
	return &AggregateSpan{
		deltas:  make(map[string]AggregateShareDelta),
		buckets: make(map[string]Bucket),
	}
}

func (s *AggregateSpan) add(b Bucket, id ReportID, outputShare []byte, v vdaf.Vdaf, at Time) error {
	k := b.Key()
	d, ok := s.deltas[k]
	if !ok {
		s.order = append(s.order, b)
		s.buckets[k] = b
		d = AggregateShareDelta{MinTime: at, MaxTime: at}
	} else {
		if at < d.MinTime {
			d.MinTime = at
		}
		if at > d.MaxTime {
			d.MaxTime = at
		}
	}
	if d.Payload == nil {
		zero, err := v.AggregateInit(nil)
		if err != nil {
			return err
		}
		d.Payload = zero
	}
	merged, err := v.Aggregate(d.Payload, outputShare)
	if err != nil {
		return fmt.Errorf("span add: %w", err)
	}
	d.Payload = merged
	d.ReportIDs = append(d.ReportIDs, id)
	s.deltas[k] = d
	return nil
}

// Buckets returns the span's buckets in insertion order, each paired with
// its accumulated delta.
func (s *AggregateSpan) Buckets() []struct {
	Bucket Bucket
	Delta  AggregateShareDelta
} {
	out := make([]struct {
		Bucket Bucket
		Delta  AggregateShareDelta
	}, 0, len(s.order))
	for _, b := range s.order {
		out = append(out, struct {
			Bucket Bucket
			Delta  AggregateShareDelta
		}{Bucket: b, Delta: s.deltas[b.Key()]})
	}
	return out
}

// BuildAggregateSpan is the Aggregate Span Builder (spec §4.C): given
// prepared reports and the task, it computes the bucket key for each report
// and folds its output share into that bucket's delta via VDAF aggregation.
func BuildAggregateSpan(task *Task, v vdaf.Vdaf, aggParam string, prepared []ReportState) (*AggregateSpan, []RejectedReport, error) {
	span := NewAggregateSpan()
	var rejections []RejectedReport

	for _, rs := range prepared {
		if rs.Stage == StageRejected {
			if rs.Rejection != nil {
				rejections = append(rejections, RejectedReport{ID: rs.Metadata.ID, Failure: *rs.Rejection})
			}
			continue
		}
		if rs.Stage != StagePrepared || rs.Prepared == nil {
			rejections = append(rejections, RejectedReport{ID: rs.Metadata.ID, Failure: FailureVdafPrepError})
			continue
		}

		b := bucketFor(task, aggParam, rs.Metadata.Time)
		if err := span.add(b, rs.Metadata.ID, rs.Prepared.OutputShare, v, rs.Metadata.Time); err != nil {
			return nil, nil, err
		}
	}
	return span, rejections, nil
}

func bucketFor(task *Task, aggParam string, at Time) Bucket {
	if task.QueryType == QueryFixedSize {
		// Every fixed-size report is placed in the bucket with the zero
		// BatchID; the Span Builder does not consult the Batch
		// Coordinator's current batch (core/batch.go), and no other code
		// path replaces the zero id with a real batch id.
		return Bucket{IsFixedSize: true, AggParam: aggParam}
	}
	return Bucket{BatchWindow: task.TimeIntervalBatchWindow(at), AggParam: aggParam}
}
