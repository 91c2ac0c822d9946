package core

// report.go – the Report and its state-machine (spec §3 "Report State").
//
// §9 "Sum types for report state" asks for a tagged variant, not a class
// hierarchy. Go has no sum types; the idiomatic rendition is one struct
// carrying a discriminant plus the fields that discriminant makes
// meaningful. ReportState follows that shape:
// exactly one of Rejection/ConsumedShare/PreparedShare is populated,
// matching the Stage value.

import "fmt"

// ReportMetadata is the portion of a report visible to both Aggregators.
type ReportMetadata struct {
	ID   ReportID
	Time Time
}

// Report is the wire-level report: metadata, the VDAF public share, and one
// HPKE ciphertext per Aggregator. Only one ciphertext is relevant to a given
// process depending on its Role.
type Report struct {
	Metadata    ReportMetadata
	PublicShare []byte

	LeaderEncryptedShare HpkeCiphertext
	HelperEncryptedShare HpkeCiphertext
}

// Stage names a point in the report lifecycle (spec §3 diagram).
type Stage uint8

const (
	StageEncrypted Stage = iota
	StageConsumed
	StagePrepared
	StageMerged
	StageRejected
)

func (s Stage) String() string {
	switch s {
	case StageEncrypted:
		return "encrypted"
	case StageConsumed:
		return "consumed"
	case StagePrepared:
		return "prepared"
	case StageMerged:
		return "merged"
	case StageRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ConsumedShare is the output of the Report Consumer (4.A): an opened,
// parsed input share ready for VDAF preparation.
type ConsumedShare struct {
	InputShare    []byte
	PeerPrepShare []byte // Helper only: the Leader's inbound prep share, if piggybacked
}

// PreparedShare is the output of the Preparation Driver (4.B): the
// Aggregator's outgoing prep_share (Leader) or the accepted peer share
// (Helper), plus whatever the VDAF needs to finish aggregation.
type PreparedShare struct {
	OutboundPrepShare []byte
	OutputShare       []byte // VDAF-opaque; fed into the Span Builder
}

// ReportState is the tagged-union view of a report's progress through the
// pipeline. Exactly one of Consumed/Prepared/Rejection is non-nil,
// determined by Stage.
type ReportState struct {
	Metadata ReportMetadata
	Stage    Stage

	Consumed  *ConsumedShare
	Prepared  *PreparedShare
	Rejection *TransitionFailure
}

func Rejected(id ReportMetadata, failure TransitionFailure) ReportState {
	f := failure
	return ReportState{Metadata: id, Stage: StageRejected, Rejection: &f}
}

func Consumed(id ReportMetadata, share ConsumedShare) ReportState {
	return ReportState{Metadata: id, Stage: StageConsumed, Consumed: &share}
}

func Prepared(id ReportMetadata, share PreparedShare) ReportState {
	return ReportState{Metadata: id, Stage: StagePrepared, Prepared: &share}
}

func (rs ReportState) String() string {
	if rs.Stage == StageRejected && rs.Rejection != nil {
		return fmt.Sprintf("report %s: rejected(%s)", rs.Metadata.ID, *rs.Rejection)
	}
	return fmt.Sprintf("report %s: %s", rs.Metadata.ID, rs.Stage)
}
