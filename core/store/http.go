package store

// http.go – Aggregate Store backend reached over the network (spec §6.3:
// "the gateway speaks a POST-based RPC: POST {backend}/do/{partition_path}
// with an opaque body"). Every operation is dispatched through the
// Admission Gateway so store access anywhere in the process goes through
// the same bounded-concurrency fan-out (spec §4.F).
//
// Wire records use github.com/ethereum/go-ethereum/rlp, the encoding the
// teacher's own core/replication.go already uses for block wire payloads —
// reused here for aggregate-share/partition records instead of blocks.

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"dap-aggregator/core"
	"dap-aggregator/core/gateway"
)

// Dispatcher is the subset of *gateway.Gateway the store backend needs;
// declared locally so tests can substitute a fake without importing the
// gateway package's HTTP machinery.
type Dispatcher interface {
	Submit(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// HTTPStore implements Store by delegating every operation to a storage
// backend over the gateway's POST-based RPC, instead of holding state
// in-process like MemoryStore.
type HTTPStore struct {
	gw      Dispatcher
	backend string
}

func NewHTTPStore(gw Dispatcher, backend string) *HTTPStore {
	return &HTTPStore{gw: gw, backend: backend}
}

// wireMergeReq is the RLP-encoded body of a single bucket's try_put_span
// call.
type wireMergeReq struct {
	Partition   string
	BucketKey   string
	BatchWindow uint64
	BatchID     []byte
	IsFixedSize bool
	AggParam    string
	ReportIDs   [][]byte
	Payload     []byte
	MinTime     uint64
	MaxTime     uint64
}

type wireMergeResp struct {
	Kind    uint8 // mirrors MergeErrKind
	Replays [][]byte
	ErrMsg  string
}

func (h *HTTPStore) TryPutSpan(task *core.Task, version string, span *core.AggregateSpan, v VdafAggregator, shardOf func(core.ReportID, core.Time) PartitionKey) []BucketResult {
	entries := span.Buckets()
	results := make([]BucketResult, len(entries))

	var wg sync.WaitGroup
	for i, bd := range entries {
		i, bd := i, bd
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.putOneBucket(task, version, bd.Bucket, bd.Delta, shardOf)
		}()
	}
	wg.Wait()
	return results
}

func (h *HTTPStore) putOneBucket(task *core.Task, version string, b core.Bucket, delta core.AggregateShareDelta, shardOf func(core.ReportID, core.Time) PartitionKey) BucketResult {
	if len(delta.ReportIDs) == 0 {
		return BucketResult{Bucket: b}
	}
	part := shardOf(delta.ReportIDs[0], delta.MinTime)

	ids := make([][]byte, len(delta.ReportIDs))
	for i, id := range delta.ReportIDs {
		idc := id
		ids[i] = idc[:]
	}
	var batchID []byte
	if b.IsFixedSize {
		bid := b.BatchID
		batchID = bid[:]
	}
	wireReq := wireMergeReq{
		Partition:   part.String(),
		BucketKey:   b.Key(),
		BatchWindow: b.BatchWindow,
		BatchID:     batchID,
		IsFixedSize: b.IsFixedSize,
		AggParam:    b.AggParam,
		ReportIDs:   ids,
		Payload:     delta.Payload,
		MinTime:     uint64(delta.MinTime),
		MaxTime:     uint64(delta.MaxTime),
	}
	body, err := rlp.EncodeToBytes(wireReq)
	if err != nil {
		return BucketResult{Bucket: b, Err: &MergeError{Kind: MergeOther, Err: fmt.Errorf("encode merge request: %w", err)}}
	}

	resp, err := h.gw.Submit(context.Background(), gateway.Request{
		Backend:   h.backend,
		Path:      part.String() + "/merge",
		Body:      body,
		Retryable: true,
	})
	if err != nil {
		return BucketResult{Bucket: b, Err: &MergeError{Kind: MergeOther, Err: err}}
	}

	var wireResp wireMergeResp
	if err := rlp.DecodeBytes(resp.Body, &wireResp); err != nil {
		return BucketResult{Bucket: b, Err: &MergeError{Kind: MergeOther, Err: fmt.Errorf("decode merge response: %w", err)}}
	}

	switch MergeErrKind(wireResp.Kind) {
	case MergeOK:
		return BucketResult{Bucket: b}
	case MergeReplays:
		var replays []core.ReportID
		for _, raw := range wireResp.Replays {
			var id core.ReportID
			copy(id[:], raw)
			replays = append(replays, id)
		}
		return BucketResult{Bucket: b, Err: &MergeError{Kind: MergeReplays, Replays: replays}}
	case MergeAlreadyCollected:
		return BucketResult{Bucket: b, Err: &MergeError{Kind: MergeAlreadyCollected}}
	default:
		return BucketResult{Bucket: b, Err: &MergeError{Kind: MergeOther, Err: fmt.Errorf("%s", wireResp.ErrMsg)}}
	}
}

// GetAggregateShare, MarkCollected, BatchExists, IsBatchOverlapping and GC
// follow the same RPC-over-gateway shape; each is a thin encode/submit/
// decode wrapper around the partition(s) a selector touches.

type wireSelector struct {
	TimeInterval bool
	Start        uint64
	Duration     uint64
	BatchID      []byte
	AggParam     string
}

func toWireSelector(sel BatchSelector) wireSelector {
	var bid []byte
	if !sel.TimeInterval {
		b := sel.BatchID
		bid = b[:]
	}
	return wireSelector{TimeInterval: sel.TimeInterval, Start: uint64(sel.Start), Duration: sel.Duration, BatchID: bid, AggParam: sel.AggParam}
}

type wireShareResp struct {
	ReportCount uint64
	Checksum    []byte
	Payload     []byte
	MinTime     uint64
	MaxTime     uint64
	Collected   bool
}

// GetAggregateShare takes v only to satisfy the Store contract; the
// backend process already owns a VdafAggregator for the task and folds
// buckets into one Payload before replying, so the RPC response is
// already combined and v is not applied again here.
func (h *HTTPStore) GetAggregateShare(task *core.Task, sel BatchSelector, _ VdafAggregator) (core.AggregateShare, error) {
	body, err := rlp.EncodeToBytes(toWireSelector(sel))
	if err != nil {
		return core.AggregateShare{}, err
	}
	resp, err := h.gw.Submit(context.Background(), gateway.Request{
		Backend: h.backend,
		Path:    task.ID.Hex() + "/get_share",
		Body:    body,
	})
	if err != nil {
		return core.AggregateShare{}, err
	}
	var w wireShareResp
	if err := rlp.DecodeBytes(resp.Body, &w); err != nil {
		return core.AggregateShare{}, err
	}
	var share core.AggregateShare
	share.ReportCount = w.ReportCount
	copy(share.Checksum[:], w.Checksum)
	share.Payload = w.Payload
	share.MinTime = core.Time(w.MinTime)
	share.MaxTime = core.Time(w.MaxTime)
	share.Collected = w.Collected
	return share, nil
}

func (h *HTTPStore) MarkCollected(task *core.Task, sel BatchSelector) error {
	body, err := rlp.EncodeToBytes(toWireSelector(sel))
	if err != nil {
		return err
	}
	_, err = h.gw.Submit(context.Background(), gateway.Request{
		Backend:   h.backend,
		Path:      task.ID.Hex() + "/mark_collected",
		Body:      body,
		Retryable: true,
	})
	return err
}

func (h *HTTPStore) BatchExists(task *core.Task, batchID core.BatchID) bool {
	resp, err := h.gw.Submit(context.Background(), gateway.Request{
		Backend: h.backend,
		Path:    task.ID.Hex() + "/batch_exists/" + (core.Bucket{IsFixedSize: true, BatchID: batchID}).Key(),
	})
	if err != nil || resp == nil {
		return false
	}
	return len(resp.Body) == 1 && resp.Body[0] == 1
}

func (h *HTTPStore) IsBatchOverlapping(task *core.Task, sel BatchSelector) bool {
	body, err := rlp.EncodeToBytes(toWireSelector(sel))
	if err != nil {
		return false
	}
	resp, err := h.gw.Submit(context.Background(), gateway.Request{
		Backend: h.backend,
		Path:    task.ID.Hex() + "/overlaps",
		Body:    body,
	})
	if err != nil || resp == nil {
		return false
	}
	return len(resp.Body) == 1 && resp.Body[0] == 1
}

func (h *HTTPStore) GC(epochDuration, safetyInterval uint64, now core.Time) {
	type wireGC struct {
		EpochDuration  uint64
		SafetyInterval uint64
		Now            uint64
	}
	body, err := rlp.EncodeToBytes(wireGC{EpochDuration: epochDuration, SafetyInterval: safetyInterval, Now: uint64(now)})
	if err != nil {
		return
	}
	_, _ = h.gw.Submit(context.Background(), gateway.Request{
		Backend: h.backend,
		Path:    "gc",
		Body:    body,
	})
}
