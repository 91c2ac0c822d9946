package core

// prepare.go – Preparation Driver (spec §4.B) and the stored-prior-state
// extension point.
//
// Grounded directly on crates/daphne/src/roles/aggregator.rs's
// DapReportProcessor trait: fetch_stored_reports / mark_stored_rejected.
// ReportState has no stored-prior-state variant, so the default passes
// every report through unchanged and MarkStoredRejected is a
// safe-to-repeat no-op.

import (
	"dap-aggregator/core/vdaf"
)

// ReportStore is the stored-prior-state extension point (spec §4.B,
// SPEC_FULL.md E.3). A VDAF that needs cross-report state keyed by report id
// (heavy-hitters mode) implements this; DefaultReportStore is the
// no-storage default every other VDAF uses.
type ReportStore interface {
	// FetchStored resolves each consumed report's prior state, if any.
	// DefaultReportStore has no such state and returns its input unchanged.
	FetchStored(taskID TaskID, consumed []ReportState) ([]ReportState, error)

	// MarkStoredRejected records rejections against stored state. Must be
	// idempotent: calling it twice with the same input is a no-op the
	// second time.
	MarkStoredRejected(taskID TaskID, rejected []RejectedReport) error
}

// DefaultReportStore is the documented default behavior: there is no
// storage, so every consumed report passes through unchanged and
// MarkStoredRejected is a no-op. This is the literal translation of
// aggregator.rs's default trait methods.
type DefaultReportStore struct{}

func (DefaultReportStore) FetchStored(_ TaskID, consumed []ReportState) ([]ReportState, error) {
	return consumed, nil
}

func (DefaultReportStore) MarkStoredRejected(_ TaskID, _ []RejectedReport) error {
	return nil
}

// PreparationDriver runs VDAF prep_init/prep_next over consumed reports. It
// is pure with respect to the task's VDAF and stateless across calls (§4.B);
// the only state it touches is the pluggable ReportStore.
type PreparationDriver struct {
	Store ReportStore
}

func NewPreparationDriver(store ReportStore) *PreparationDriver {
	if store == nil {
		store = DefaultReportStore{}
	}
	return &PreparationDriver{Store: store}
}

// Initialize runs the Driver's algorithm (§4.B) over a batch of consumed
// reports, amortizing VDAF setup across the batch.
func (d *PreparationDriver) Initialize(
	role Role,
	task *Task,
	v vdaf.Vdaf,
	aggParam []byte,
	consumed []ReportState,
) ([]ReportState, error) {
	fetched, err := d.Store.FetchStored(task.ID, consumed)
	if err != nil {
		return nil, err
	}

	out := make([]ReportState, 0, len(fetched))
	var rejections []RejectedReport
	for _, rs := range fetched {
		if rs.Stage == StageRejected {
			out = append(out, rs)
			continue
		}
		if rs.Stage != StageConsumed || rs.Consumed == nil {
			out = append(out, Rejected(rs.Metadata, FailureVdafPrepError))
			rejections = append(rejections, RejectedReport{ID: rs.Metadata.ID, Failure: FailureVdafPrepError})
			continue
		}

		prepShare, err := v.PrepInit(aggParam, nil, rs.Consumed.InputShare, role == RoleLeader)
		if err != nil {
			out = append(out, Rejected(rs.Metadata, FailureVdafPrepError))
			rejections = append(rejections, RejectedReport{ID: rs.Metadata.ID, Failure: FailureVdafPrepError})
			continue
		}

		peerShare := rs.Consumed.PeerPrepShare
		outputShare, err := v.PrepNext(prepShare, peerShare)
		if err != nil {
			out = append(out, Rejected(rs.Metadata, FailureVdafPrepError))
			rejections = append(rejections, RejectedReport{ID: rs.Metadata.ID, Failure: FailureVdafPrepError})
			continue
		}

		out = append(out, Prepared(rs.Metadata, PreparedShare{
			OutboundPrepShare: prepShare,
			OutputShare:       outputShare,
		}))
	}

	if len(rejections) > 0 {
		if err := d.Store.MarkStoredRejected(task.ID, rejections); err != nil {
			return nil, err
		}
	}
	return out, nil
}
