package httpapi

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudflare/circl/hpke"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dap-aggregator/core"
	"dap-aggregator/core/store"
	"dap-aggregator/core/vdaf"
)

// sealLeaderInputShare reproduces core's hpkeInfo/hpkeAad byte layout (those
// helpers are unexported to package core) so this package's tests can build
// a wire report whose ciphertext the real Consumer will open successfully.
func sealLeaderInputShare(t *testing.T, recv *core.HpkeReceiverConfig, task *core.Task, id core.ReportID, at uint64, publicShare, inputShare []byte) core.HpkeCiphertext {
	t.Helper()
	info := []byte(fmt.Sprintf("dap-09 input share|%s|%s", task.ID.Hex(), core.RoleLeader))
	aad := make([]byte, 0, 16+8+len(publicShare))
	aad = append(aad, id[:]...)
	timeBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(timeBytes, at)
	aad = append(aad, timeBytes...)
	aad = append(aad, publicShare...)

	enc, payload, err := core.HpkeSeal(recv.Config, info, aad, inputShare)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return core.HpkeCiphertext{ConfigID: recv.Config.ID, Enc: enc, Payload: payload}
}

func newTestServer(t *testing.T) (*Server, *core.Task) {
	t.Helper()
	srv := NewServer(core.RoleLeader, "09")
	ctx, err := core.NewCoreContext(0)
	if err != nil {
		t.Fatalf("new core context: %v", err)
	}
	srv.Ctx = ctx

	var taskID core.TaskID
	taskID[0] = 0x55
	task := &core.Task{
		ID: taskID, Version: "09", QueryType: core.QueryTimeInterval, TimePrecision: 60,
		MinBatchSize: 1, Expiration: core.Time(1 << 40),
	}
	ctx.PutTask(task)

	recv, err := core.NewHpkeReceiverConfig(1, hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, core.HpkeAeadChaCha20Poly1305)
	if err != nil {
		t.Fatalf("new receiver config: %v", err)
	}
	srv.PutHpkeReceiverConfig(recv)

	sp := store.ShardParams{Key: []byte("0123456789abcdef0123456789abcdef"), Count: 4}
	srv.Store = store.NewMemoryStore(sp, 3600, "09")
	srv.Shard = sp
	srv.EpochDur = 3600
	srv.Batch = core.NewBatchCoordinator(func() core.BatchID { return core.BatchID{} })
	srv.Resolve = func(_ *core.Task, aggParamBytes []byte) (vdaf.Vdaf, string, error) {
		return vdaf.Prio3CountLike{}, string(aggParamBytes), nil
	}
	srv.LeastValidSkew = 3600
	srv.GreatestValidSkew = 86400
	srv.Log = logrus.New()
	srv.Log.SetOutput(discard{})

	return srv, task
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleHpkeConfigListsInstalledConfigs(t *testing.T) {
	srv, _ := newTestServer(t)
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/09/hpke_config")
	if err != nil {
		t.Fatalf("get hpke_config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body hpkeConfigRespBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Configs) != 1 || body.Configs[0].ID != 1 {
		t.Fatalf("unexpected configs: %+v", body.Configs)
	}
}

func TestHandleHpkeConfigRejectsVersionMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/08/hpke_config")
	if err != nil {
		t.Fatalf("get hpke_config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a version mismatch, got %d", resp.StatusCode)
	}
}

// TestHandleAggregationJobHappyPath drives the full wire path (spec §6.1)
// for scenario S1: a single well-formed report merges cleanly and the
// response carries no transitions.
func TestHandleAggregationJobHappyPath(t *testing.T) {
	srv, task := newTestServer(t)
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	hpkeCfg, ok := srv.hpkeConfigsFor(task).Get(1)
	if !ok {
		t.Fatal("expected receiver config id 1 to be installed")
	}

	var id core.ReportID
	id[0] = 0x61
	// The handler admits reports only within its validity window around the
	// wall clock, so the report is timestamped now.
	at := uint64(core.TimeNow())
	ct := sealLeaderInputShare(t, hpkeCfg, task, id, at, nil, []byte{0, 0, 0, 0, 0, 0, 0, 1})

	req := aggregationJobReq{
		Reports: []wireReport{{
			ID: id[:], Time: at,
			LeaderConfigID: ct.ConfigID, LeaderEnc: ct.Enc, LeaderPayload: ct.Payload,
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	url := ts.URL + "/09/tasks/" + hex.EncodeToString(task.ID[:]) + "/aggregation_jobs/job1"
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var jobResp aggregationJobResp
	if err := json.NewDecoder(resp.Body).Decode(&jobResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(jobResp.Transitions) != 0 {
		t.Fatalf("expected no rejections, got %+v", jobResp.Transitions)
	}
}

// TestHandleCollectionJobCombinesAcrossBuckets drives three reports into two
// distinct time-interval buckets, then collects and re-reads the share
// through the wire layer, asserting report_count and payload reflect both
// buckets combined rather than whichever bucket happened to be visited
// first.
func TestHandleCollectionJobCombinesAcrossBuckets(t *testing.T) {
	srv, task := newTestServer(t)
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	hpkeCfg, ok := srv.hpkeConfigsFor(task).Get(1)
	if !ok {
		t.Fatal("expected receiver config id 1 to be installed")
	}

	postReport := func(jobID string, reportIDByte byte, at uint64) {
		var id core.ReportID
		id[0] = reportIDByte
		ct := sealLeaderInputShare(t, hpkeCfg, task, id, at, nil, []byte{0, 0, 0, 0, 0, 0, 0, 1})
		req := aggregationJobReq{
			Reports: []wireReport{{
				ID: id[:], Time: at,
				LeaderConfigID: ct.ConfigID, LeaderEnc: ct.Enc, LeaderPayload: ct.Payload,
			}},
		}
		body, err := json.Marshal(req)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		url := ts.URL + "/09/tasks/" + hex.EncodeToString(task.ID[:]) + "/aggregation_jobs/" + jobID
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post aggregation job %s: %v", jobID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 posting job %s, got %d", jobID, resp.StatusCode)
		}
	}

	// Two reports land in the window-base bucket, one in window base+60 —
	// both windows fall inside the Start=base/Duration=180 selector below.
	// base is a precision-aligned time ten minutes back, inside the
	// handler's validity window around the wall clock.
	base := uint64(core.TimeNow())/60*60 - 600
	postReport("job1", 0x71, base)
	postReport("job2", 0x72, base)
	postReport("job3", 0x73, base+60)

	collectBody, err := json.Marshal(collectionReq{TimeInterval: true, Start: base, Duration: 180})
	if err != nil {
		t.Fatalf("marshal collect req: %v", err)
	}

	collectURL := ts.URL + "/09/tasks/" + hex.EncodeToString(task.ID[:]) + "/collection_jobs/collect1"
	resp, err := http.Post(collectURL, "application/json", bytes.NewReader(collectBody))
	if err != nil {
		t.Fatalf("post collection job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var share shareResp
	if err := json.NewDecoder(resp.Body).Decode(&share); err != nil {
		t.Fatalf("decode share: %v", err)
	}
	if share.ReportCount != 3 {
		t.Fatalf("expected report_count=3 across both buckets, got %d", share.ReportCount)
	}
	if len(share.Payload) != 8 {
		t.Fatalf("expected an 8-byte payload, got %d bytes", len(share.Payload))
	}
	if got := binary.BigEndian.Uint64(share.Payload); got != 3 {
		t.Fatalf("expected the combined payload to decode to 3, got %d", got)
	}

	shareURL := ts.URL + "/09/tasks/" + hex.EncodeToString(task.ID[:]) + "/aggregate_shares"
	resp2, err := http.Post(shareURL, "application/json", bytes.NewReader(collectBody))
	if err != nil {
		t.Fatalf("post aggregate_shares: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
	var share2 shareResp
	if err := json.NewDecoder(resp2.Body).Decode(&share2); err != nil {
		t.Fatalf("decode share: %v", err)
	}
	if share2.ReportCount != 3 {
		t.Fatalf("expected report_count=3 from aggregate_shares, got %d", share2.ReportCount)
	}
}

func TestHandleAggregationJobRejectsUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t)
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	var unknown core.TaskID
	unknown[0] = 0xEE
	url := ts.URL + "/09/tasks/" + hex.EncodeToString(unknown[:]) + "/aggregation_jobs/job1"
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unrecognized task, got %d", resp.StatusCode)
	}
}
