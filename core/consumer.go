package core

// consumer.go – Report Consumer (spec §4.A).
//
// Grounded on crates/daphne/src/roles/aggregator.rs's early-report-state
// pipeline (EarlyReportStateConsumed) and on core/access_control.go's
// pattern of a small stateless validator function operating purely over its
// arguments — the Consumer "never touches storage" (§4.A), so unlike the
// HPKE config list or the task cache it carries no receiver struct at all.

import "fmt"

// ConsumeReport runs the Consumer's algorithm (§4.A steps 1-4) and returns
// either a consumed report ready for preparation or a rejection.
// leastValidTime and greatestValidTime bound the configured validity window
// (spec §3, §8 property 6).
func ConsumeReport(
	task *Task,
	role Role,
	hpkeConfigs *HpkeConfigList,
	report Report,
	leastValidTime, greatestValidTime Time,
) ReportState {
	meta := report.Metadata

	// Step 1: time window.
	if report.Metadata.Time > greatestValidTime {
		return Rejected(meta, FailureReportTooEarly)
	}
	if report.Metadata.Time < leastValidTime {
		return Rejected(meta, FailureReportDropped)
	}

	// Step 2: task expiration.
	if task.Expired(report.Metadata.Time) {
		return Rejected(meta, FailureTaskExpired)
	}

	// Step 3: HPKE-open this Aggregator's ciphertext.
	ct := report.HelperEncryptedShare
	if role == RoleLeader {
		ct = report.LeaderEncryptedShare
	}
	recv, ok := hpkeConfigs.Get(ct.ConfigID)
	if !ok {
		return Rejected(meta, FailureHpkeUnknownConfigID)
	}
	info := hpkeInfo(task.ID, role)
	aad := hpkeAad(meta, report.PublicShare)
	inputShare, err := HpkeOpen(recv, info, aad, ct)
	if err != nil {
		return Rejected(meta, FailureHpkeDecryptError)
	}

	// Step 4: structural parse is delegated to the VDAF at PrepInit time;
	// here we only check the share is non-empty, matching the Rust
	// EarlyReportStateConsumed::New construction which defers the real
	// parse to prep_init.
	if len(inputShare) == 0 {
		return Rejected(meta, FailureVdafPrepError)
	}

	return Consumed(meta, ConsumedShare{InputShare: inputShare})
}

// hpkeInfo builds the HPKE "info" binding used by both Seal and Open: the
// DAP version-independent application label plus the task id and role,
// mirroring the application-info construction in the original Rust hpke.rs
// (kept opaque here; exact byte layout is a wire-compatibility detail out of
// scope for the core per spec.md §1).
func hpkeInfo(taskID TaskID, role Role) []byte {
	return []byte(fmt.Sprintf("dap-09 input share|%s|%s", taskID.Hex(), role))
}

// hpkeAad binds the ciphertext to the report metadata and public share so a
// ciphertext cannot be replayed against a different report.
func hpkeAad(meta ReportMetadata, publicShare []byte) []byte {
	aad := make([]byte, 0, 16+8+len(publicShare))
	aad = append(aad, meta.ID[:]...)
	aad = append(aad, encodeTime(meta.Time)...)
	aad = append(aad, publicShare...)
	return aad
}

func encodeTime(t Time) []byte {
	b := make([]byte, 8)
	v := uint64(t)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
