package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dap-aggregator/core"
	"dap-aggregator/core/store"
	"dap-aggregator/core/vdaf"
)

var errBadTaskIDLength = errors.New("task id must decode to 32 bytes")

func decodeTaskID(s string) (core.TaskID, error) {
	var id core.TaskID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, errBadTaskIDLength
	}
	copy(id[:], b)
	return id, nil
}

// wireReport is Report's JSON-over-the-wire shape; encoding/json already
// base64-encodes []byte fields, so this is a direct field-for-field mirror
// of core.Report with fixed-size arrays widened to slices.
type wireReport struct {
	ID   []byte `json:"id"`
	Time uint64 `json:"time"`

	PublicShare []byte `json:"public_share"`

	LeaderConfigID uint8  `json:"leader_config_id"`
	LeaderEnc      []byte `json:"leader_enc"`
	LeaderPayload  []byte `json:"leader_payload"`

	HelperConfigID uint8  `json:"helper_config_id"`
	HelperEnc      []byte `json:"helper_enc"`
	HelperPayload  []byte `json:"helper_payload"`
}

func (w wireReport) toReport() core.Report {
	var id core.ReportID
	copy(id[:], w.ID)
	return core.Report{
		Metadata:    core.ReportMetadata{ID: id, Time: core.Time(w.Time)},
		PublicShare: w.PublicShare,
		LeaderEncryptedShare: core.HpkeCiphertext{
			ConfigID: w.LeaderConfigID, Enc: w.LeaderEnc, Payload: w.LeaderPayload,
		},
		HelperEncryptedShare: core.HpkeCiphertext{
			ConfigID: w.HelperConfigID, Enc: w.HelperEnc, Payload: w.HelperPayload,
		},
	}
}

// aggregationJobReq is the body for both AggregationJobInitReq and
// AggregationJobContinueReq (§6.1); the wire layer does not distinguish the
// two rounds byte-for-byte (HTTP routing/framing is out of scope per
// spec.md §1) — both carry an aggregation parameter and a batch of reports
// the job runs through Consume -> Prepare -> Span -> Merge in one pass,
// which is sufficient for the single-round VDAFs core/vdaf supports.
type aggregationJobReq struct {
	AggregationParam []byte       `json:"aggregation_param"`
	Reports          []wireReport `json:"reports"`
}

type reportTransition struct {
	ReportID string `json:"report_id"`
	Failure  string `json:"failure,omitempty"`
}

type aggregationJobResp struct {
	Transitions []reportTransition `json:"transitions"`
}

func (s *Server) handleAggregationJob(w http.ResponseWriter, r *http.Request) {
	ver := chi.URLParam(r, "ver")
	taskIDHex := chi.URLParam(r, "taskID")

	task, err := s.taskFromHex(taskIDHex)
	if err != nil {
		writeAbort(w, err)
		return
	}
	if ver != task.Version {
		writeAbort(w, core.VersionMismatch(ver, task.Version))
		return
	}
	if err := core.Authenticate(s.Ctx, task, s.policyFor(task), peerCredentials(r)); err != nil {
		writeAbort(w, err)
		return
	}

	var req aggregationJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAbort(w, core.WithDetail(core.ErrBadRequest, err.Error()))
		return
	}

	v, aggParamKey, err := s.Resolve(task, req.AggregationParam)
	if err != nil {
		writeAbort(w, core.WithDetail(core.ErrBadRequest, err.Error()))
		return
	}

	reports := make([]core.Report, len(req.Reports))
	for i, wr := range req.Reports {
		reports[i] = wr.toReport()
	}

	now := core.TimeNow()
	least := core.Time(0)
	if uint64(now) > s.LeastValidSkew {
		least = now - core.Time(s.LeastValidSkew)
	}
	greatest := now + core.Time(s.GreatestValidSkew)

	driver := core.NewPreparationDriver(nil)
	result, err := core.RunAggregationJob(
		task, s.Role, s.hpkeConfigsFor(task), driver, v, req.AggregationParam, aggParamKey,
		reports, least, greatest,
		func(t *core.Task, span *core.AggregateSpan) []core.MergeOutcome { return s.mergeInto(t, span, v) },
	)
	if err != nil {
		writeAbort(w, err)
		return
	}

	resp := aggregationJobResp{Transitions: make([]reportTransition, 0, len(result.Rejections))}
	for _, rej := range result.Rejections {
		s.recordRejection(rej.Failure)
		resp.Transitions = append(resp.Transitions, reportTransition{ReportID: rej.ID.Hex(), Failure: rej.Failure.String()})
	}
	writeJSON(w, "application/dap-aggregation-job-resp", resp)
}

func (s *Server) mergeInto(task *core.Task, span *core.AggregateSpan, v store.VdafAggregator) []core.MergeOutcome {
	shardOf := func(id core.ReportID, at core.Time) store.PartitionKey {
		return store.PartitionFor(task, s.Version, s.Shard, s.EpochDur, id, at)
	}
	results := s.Store.TryPutSpan(task, s.Version, span, v, shardOf)
	out := make([]core.MergeOutcome, len(results))
	for i, res := range results {
		mo := core.MergeOutcome{Bucket: res.Bucket}
		if res.Err != nil {
			mo.Err = res.Err
			switch res.Err.Kind {
			case store.MergeReplays:
				mo.ReplayIDs = res.Err.Replays
				s.recordMerge("replays")
			case store.MergeAlreadyCollected:
				mo.Collected = true
				s.recordMerge("already_collected")
			default:
				s.recordMerge("other")
			}
		} else {
			s.recordMerge("ok")
		}
		out[i] = mo
	}
	return out
}

func (s *Server) recordMerge(kind string) {
	if s.Metrics != nil {
		s.Metrics.Merge(kind)
	}
}

func (s *Server) recordRejection(f core.TransitionFailure) {
	if s.Metrics != nil {
		s.Metrics.ReportRejected(f.String())
	}
}

// hpkeConfigRespBody is the payload of GET /hpke_config (§6.1).
type hpkeConfigRespBody struct {
	Configs []hpkeConfigWire `json:"configs"`
}

type hpkeConfigWire struct {
	ID        uint8  `json:"id"`
	KemID     uint16 `json:"kem_id"`
	KdfID     uint16 `json:"kdf_id"`
	AeadID    uint16 `json:"aead_id"`
	PublicKey []byte `json:"public_key"`
}

func (s *Server) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	ver := chi.URLParam(r, "ver")
	if ver != s.Version {
		writeAbort(w, core.VersionMismatch(ver, s.Version))
		return
	}
	configs := s.hpkeConfigs.Current()
	body := hpkeConfigRespBody{Configs: make([]hpkeConfigWire, len(configs))}
	for i, c := range configs {
		body.Configs[i] = hpkeConfigWire{
			ID: c.ID, KemID: uint16(c.KemID), KdfID: uint16(c.KdfID), AeadID: uint16(c.AeadID), PublicKey: c.PublicKey,
		}
	}
	writeJSON(w, "application/dap-hpke-config-list", body)
}

// collectionReq is the body of POST .../collection_jobs/:collect_id (§6.1).
type collectionReq struct {
	TimeInterval bool   `json:"time_interval"`
	Start        uint64 `json:"start"`
	Duration     uint64 `json:"duration"`
	BatchID      []byte `json:"batch_id"`
	AggParam     []byte `json:"aggregation_param"`
}

func (s *Server) handleCollectionJob(w http.ResponseWriter, r *http.Request) {
	taskIDHex := chi.URLParam(r, "taskID")
	task, err := s.taskFromHex(taskIDHex)
	if err != nil {
		writeAbort(w, err)
		return
	}
	if err := core.Authenticate(s.Ctx, task, s.policyFor(task), peerCredentials(r)); err != nil {
		writeAbort(w, err)
		return
	}

	var req collectionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAbort(w, core.WithDetail(core.ErrBadRequest, err.Error()))
		return
	}

	v, aggParamKey, err := s.Resolve(task, req.AggParam)
	if err != nil {
		writeAbort(w, core.WithDetail(core.ErrBadRequest, err.Error()))
		return
	}
	sel := s.toCoreSelector(req)
	sel.AggParam = aggParamKey

	result, err := s.Batch.Collect(task, sel, v, s.storeAdapter(task))
	if err != nil {
		s.recordCollection(collectionOutcome(err))
		writeAbort(w, err)
		return
	}
	s.recordCollection("ok")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, "application/dap-aggregate-share", shareWire(result.Share))
}

func collectionOutcome(err error) string {
	if abort, ok := core.IsDapAbort(err); ok {
		switch abort.TypeURI {
		case core.ErrBatchOverlap.TypeURI:
			return "overlap"
		case core.ErrInvalidBatchSize.TypeURI:
			return "invalid_size"
		}
	}
	return "internal"
}

func (s *Server) recordCollection(result string) {
	if s.Metrics != nil {
		s.Metrics.Collection(result)
	}
}

// aggregateShareReq is the body of POST .../aggregate_shares (§6.1): the
// Collector-facing read of an already-collected batch's share.
type aggregateShareReq = collectionReq

type shareResp struct {
	ReportCount uint64 `json:"report_count"`
	Checksum    []byte `json:"checksum"`
	Payload     []byte `json:"payload"`
}

func shareWire(s core.AggregateShare) shareResp {
	return shareResp{ReportCount: s.ReportCount, Checksum: s.Checksum[:], Payload: s.Payload}
}

func (s *Server) handleAggregateShares(w http.ResponseWriter, r *http.Request) {
	taskIDHex := chi.URLParam(r, "taskID")
	task, err := s.taskFromHex(taskIDHex)
	if err != nil {
		writeAbort(w, err)
		return
	}
	if err := core.Authenticate(s.Ctx, task, s.policyFor(task), peerCredentials(r)); err != nil {
		writeAbort(w, err)
		return
	}

	var req aggregateShareReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAbort(w, core.WithDetail(core.ErrBadRequest, err.Error()))
		return
	}

	v, aggParamKey, err := s.Resolve(task, req.AggParam)
	if err != nil {
		writeAbort(w, core.WithDetail(core.ErrBadRequest, err.Error()))
		return
	}
	sel := s.toCoreSelector(req)
	sel.AggParam = aggParamKey

	if err := s.Batch.ValidateSelector(task, sel, func(id core.BatchID) bool { return s.Store.BatchExists(task, id) }); err != nil {
		writeAbort(w, err)
		return
	}
	share, err := s.Store.GetAggregateShare(task, toStoreSelector(sel), v)
	if err != nil {
		writeAbort(w, core.WithDetail(core.ErrInternal, err.Error()))
		return
	}
	if !share.Collected {
		// Only collected shares may be released to the Collector (§4.E
		// "On success, mark collected then release the share").
		writeAbort(w, core.WithDetail(core.ErrBatchInvalid, "batch not yet collected"))
		return
	}
	writeJSON(w, "application/dap-aggregate-share", shareWire(share))
}

func (s *Server) toCoreSelector(req collectionReq) core.BatchSelector {
	var batchID core.BatchID
	copy(batchID[:], req.BatchID)
	return core.BatchSelector{
		TimeInterval: req.TimeInterval,
		Start:        core.Time(req.Start),
		Duration:     req.Duration,
		BatchID:      batchID,
		AggParam:     string(req.AggParam),
	}
}

func toStoreSelector(sel core.BatchSelector) store.BatchSelector {
	return store.BatchSelector{
		TimeInterval: sel.TimeInterval,
		Start:        sel.Start,
		Duration:     sel.Duration,
		BatchID:      sel.BatchID,
		AggParam:     sel.AggParam,
	}
}

// storeAdapterImpl satisfies the unexported interface core.BatchCoordinator
// .Collect expects (its method set, not its name, is what matters for
// assignability), translating core.BatchSelector into store.BatchSelector
// and supplying the task the store package's methods require explicitly.
type storeAdapterImpl struct {
	st   store.Store
	task *core.Task
}

func (a storeAdapterImpl) GetAggregateShare(sel core.BatchSelector, v vdaf.Vdaf) (core.AggregateShare, error) {
	return a.st.GetAggregateShare(a.task, toStoreSelector(sel), v)
}
func (a storeAdapterImpl) MarkCollected(sel core.BatchSelector) error {
	return a.st.MarkCollected(a.task, toStoreSelector(sel))
}
func (a storeAdapterImpl) BatchExists(batchID core.BatchID) bool {
	return a.st.BatchExists(a.task, batchID)
}
func (a storeAdapterImpl) IsBatchOverlapping(sel core.BatchSelector) bool {
	return a.st.IsBatchOverlapping(a.task, toStoreSelector(sel))
}

func (s *Server) storeAdapter(task *core.Task) storeAdapterImpl {
	return storeAdapterImpl{st: s.Store, task: task}
}

func (s *Server) taskFromHex(hexID string) (*core.Task, error) {
	raw, err := decodeTaskID(hexID)
	if err != nil {
		return nil, core.WithDetail(core.ErrBadRequest, "malformed task id")
	}
	task, ok := s.Ctx.Task(raw)
	if !ok {
		return nil, core.ErrUnrecognizedTask
	}
	return task, nil
}

func (s *Server) hpkeConfigsFor(_ *core.Task) *core.HpkeConfigList {
	// Receiver configs are process-wide, not per-task (§6.1 GET
	// /hpke_config carries no task scoping requirement beyond existence);
	// s.hpkeConfigs is populated once at startup (cmd/aggregator).
	return s.hpkeConfigs
}

func (s *Server) policyFor(task *core.Task) core.AuthPolicy {
	if policy, ok := s.authPolicies[task.ID]; ok {
		return policy
	}
	return core.AuthPolicy{Method: core.AuthNone}
}
