package core

// job.go – the aggregation job: the linear Consume -> Prepare -> Span ->
// Merge sequence spec §9 asks for ("model the job as a linear sequence of
// awaited stages"). The merge stage calls a caller-supplied mergeInto rather
// than a store directly; requests pass through the Admission Gateway only
// when the store behind mergeInto is the gateway-backed HTTPStore.
//
// Grounded on crates/daphne/src/roles/aggregator.rs's job-processing
// functions, which run exactly these four stages in order over a batch of
// reports sharing one (task, agg_param) pair.

import (
	"dap-aggregator/core/vdaf"
)

// MergeOutcome is one bucket's result from TryPutSpan, kept store-shape-
// agnostic here (store.BucketResult is the concrete type passed through in
// practice; job.go only reads the fields it needs, since core cannot import
// store — store already imports core).
type MergeOutcome struct {
	Bucket    Bucket
	ReplayIDs []ReportID
	Collected bool
	Err       error
}

// JobResult is everything a peer's AggregationJobResp needs: one transition
// per input report (success is implicit — a report absent from Rejections
// merged cleanly), including replayed ids discovered only at merge time and
// the other reports of a bucket that a replay rolled back (report-dropped).
type JobResult struct {
	Rejections []RejectedReport
}

// RunAggregationJob executes the full per-job pipeline (§4.A-§4.D) for one
// batch of reports sharing a task and aggregation parameter. The caller
// supplies mergeInto (the store merge call, which also decides how report
// ids map to partitions) so core stays storage-agnostic.
func RunAggregationJob(
	task *Task,
	role Role,
	hpkeConfigs *HpkeConfigList,
	driver *PreparationDriver,
	v vdaf.Vdaf,
	aggParam []byte,
	aggParamKey string,
	reports []Report,
	leastValidTime, greatestValidTime Time,
	mergeInto func(task *Task, span *AggregateSpan) []MergeOutcome,
) (*JobResult, error) {
	// Stage 1: Consume.
	consumed := make([]ReportState, 0, len(reports))
	for _, r := range reports {
		consumed = append(consumed, ConsumeReport(task, role, hpkeConfigs, r, leastValidTime, greatestValidTime))
	}

	// Stage 2: Prepare.
	prepared, err := driver.Initialize(role, task, v, aggParam, consumed)
	if err != nil {
		return nil, err
	}

	// Stage 3: Span.
	span, rejections, err := BuildAggregateSpan(task, v, aggParamKey, prepared)
	if err != nil {
		return nil, err
	}

	// Stage 4: Merge, through the caller's mergeInto (D, behind F when the
	// store is gateway-backed).
	outcomes := mergeInto(task, span)
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		switch {
		case o.Collected:
			for _, id := range bucketReportIDs(span, o.Bucket) {
				rejections = append(rejections, RejectedReport{ID: id, Failure: FailureBatchCollected})
			}
		case len(o.ReplayIDs) > 0:
			replayed := make(map[ReportID]struct{}, len(o.ReplayIDs))
			for _, id := range o.ReplayIDs {
				replayed[id] = struct{}{}
				rejections = append(rejections, RejectedReport{ID: id, Failure: FailureReportReplayed})
			}
			// The whole bucket delta was discarded, so the bucket's other
			// reports were not merged either.
			for _, id := range bucketReportIDs(span, o.Bucket) {
				if _, ok := replayed[id]; !ok {
					rejections = append(rejections, RejectedReport{ID: id, Failure: FailureReportDropped})
				}
			}
		default:
			for _, id := range bucketReportIDs(span, o.Bucket) {
				rejections = append(rejections, RejectedReport{ID: id, Failure: FailureReportDropped})
			}
		}
	}

	return &JobResult{Rejections: rejections}, nil
}

func bucketReportIDs(span *AggregateSpan, b Bucket) []ReportID {
	for _, bd := range span.Buckets() {
		if bd.Bucket.Key() == b.Key() {
			return bd.Delta.ReportIDs
		}
	}
	return nil
}
