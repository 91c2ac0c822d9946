package core

// task.go – immutable Task configuration (spec §3 "Task").
//
// Grounded on core/access_control.go's role-keyed cache shape and
// core/sharding.go's ShardID-as-value-type style: Task itself carries no
// mutex and no behaviour beyond pure accessors; mutable bookkeeping about a
// task (its batch queue, its replay sets) lives in the owning component.

import (
	"fmt"
)

// VdafDescriptor names a VDAF construction and its static parameters. The
// core treats the VDAF itself as an opaque dependency (see core/vdaf);
// Descriptor only carries enough to select and configure one.
type VdafDescriptor struct {
	Variant    string // e.g. "prio3count", "prio3sum", "prio3histogram"
	Bits       int    // for sum-like variants
	Length     int    // for histogram-like variants
	VerifyKey  []byte // shared secret between Leader and Helper
}

// Task is the immutable per-task configuration. Once constructed it is
// shared read-only across goroutines (§5 "Task configs ... cached in
// process-wide read-mostly maps").
type Task struct {
	ID TaskID

	Version    string
	LeaderURL  string
	HelperURL  string
	Vdaf       VdafDescriptor
	CollectorHpkeConfigID uint8
	CollectorHpkePublicKey []byte

	QueryType     QueryType
	TimePrecision uint64 // seconds; time-interval tasks only
	MaxBatchSize  uint64 // fixed-size tasks only

	MinBatchSize uint64
	Expiration   Time

	// TaskprovOptOutReason decides, per spec.md's taskprov extension point,
	// whether a taskprov-provisioned task is accepted. nil means "always
	// opt in" — the decision surface exists without the wire provisioning
	// protocol (out of scope, see SPEC_FULL.md E.3).
	TaskprovOptOutReason func(*Task) (reason string, optOut bool)
}

// ValidateBatchSelectorKind rejects operations whose batch-selector shape
// doesn't match the task's configured query type (testable property 7,
// "query-type guard").
func (t *Task) ValidateBatchSelectorKind(wantTimeInterval bool) error {
	switch {
	case wantTimeInterval && t.QueryType != QueryTimeInterval:
		return fmt.Errorf("%w: task %s is fixed-size, not time-interval", ErrBatchInvalid, t.ID)
	case !wantTimeInterval && t.QueryType != QueryFixedSize:
		return fmt.Errorf("%w: task %s is time-interval, not fixed-size", ErrBatchInvalid, t.ID)
	}
	return nil
}

// Expired reports whether the task's expiration has passed relative to t.
func (t *Task) Expired(at Time) bool {
	return t.Expiration < at
}

// TimeIntervalBatchWindow computes floor(time/time_precision)*time_precision,
// the bucket key for time-interval tasks (spec §3 "Bucket").
func (t *Task) TimeIntervalBatchWindow(at Time) uint64 {
	p := t.TimePrecision
	if p == 0 {
		p = 1
	}
	return (uint64(at) / p) * p
}
