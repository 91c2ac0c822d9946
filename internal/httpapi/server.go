// Package httpapi implements the DAP wire protocol (spec.md §6.1): the five
// HTTP endpoints a Leader/Helper Aggregator exposes, translating requests
// into calls against core's components and rendering responses (including
// application/problem+json aborts, §7).
//
// Wire routing and framing are named as an external collaborator in
// spec.md §1 ("Out of scope: HTTP routing and framing"); this package is
// that collaborator. Grounded on walletserver/routes/routes.go +
// walletserver/controllers/wallet_controller.go's controller-wraps-a-
// service shape, ported from gorilla/mux to github.com/go-chi/chi/v5 — the
// teacher's go.mod already carries chi; no corpus file exercises it
// directly, so this package follows chi's own documented router idiom
// rather than a corpus call site.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"dap-aggregator/core"
	"dap-aggregator/core/gateway"
	"dap-aggregator/core/store"
	"dap-aggregator/core/vdaf"
	"dap-aggregator/pkg/metrics"
)

// VdafResolver returns the configured Vdaf implementation and its
// aggregation-parameter bytes for a task; the wire layer never decides VDAF
// selection itself (spec §1 "the VDAF primitive itself ... black-box").
type VdafResolver func(task *core.Task, aggParamBytes []byte) (vdaf.Vdaf, string, error)

// Server bundles every dependency a DAP endpoint handler needs.
type Server struct {
	Role    core.Role
	Version string

	Ctx      *core.CoreContext
	Store    store.Store
	Batch    *core.BatchCoordinator
	Gateway  *gateway.Gateway
	Shard    store.ShardParams
	EpochDur uint64
	Resolve  VdafResolver
	Metrics  *metrics.Metrics
	Log      *logrus.Logger

	LeastValidSkew    uint64 // report_storage_epoch_duration-derived lower bound
	GreatestValidSkew uint64 // report_storage_max_future_time_skew

	hpkeConfigs  *core.HpkeConfigList
	authPolicies map[core.TaskID]core.AuthPolicy
}

// NewServer builds a Server with its receiver-config directory and
// per-task auth policy map ready to populate via PutHpkeReceiverConfig and
// SetAuthPolicy.
func NewServer(role core.Role, version string) *Server {
	return &Server{
		Role:         role,
		Version:      version,
		hpkeConfigs:  core.NewHpkeConfigList(),
		authPolicies: make(map[core.TaskID]core.AuthPolicy),
	}
}

// PutHpkeReceiverConfig installs a receiver config the GET /hpke_config
// endpoint will advertise and the Report Consumer will use to open
// ciphertexts.
func (s *Server) PutHpkeReceiverConfig(cfg *core.HpkeReceiverConfig) {
	s.hpkeConfigs.Put(cfg)
}

// SetAuthPolicy configures how task authenticates requests (§6.2).
func (s *Server) SetAuthPolicy(task core.TaskID, policy core.AuthPolicy) {
	s.authPolicies[task] = policy
}

// Routes registers the five DAP endpoints (§6.1) under r.
func (s *Server) Routes(r chi.Router) {
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/{ver}/hpke_config", s.handleHpkeConfig)
	r.Post("/{ver}/tasks/{taskID}/aggregation_jobs/{jobID}", s.handleAggregationJob)
	r.Post("/{ver}/tasks/{taskID}/collection_jobs/{collectID}", s.handleCollectionJob)
	r.Post("/{ver}/tasks/{taskID}/aggregate_shares", s.handleAggregateShares)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("dap request")
	})
}

// writeProblem renders a DapAbort as application/problem+json (§7
// "Task-level or batch-level violations abort the entire request with a
// problem+json response").
func writeProblem(w http.ResponseWriter, abort *core.DapAbort, status int) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"type":   abort.TypeURI,
		"detail": abort.Detail,
		"status": http.StatusText(status),
	})
}

func writeAbort(w http.ResponseWriter, err error) {
	if abort, ok := core.IsDapAbort(err); ok {
		status := http.StatusBadRequest
		if abort.TypeURI == core.ErrInternal.TypeURI {
			status = http.StatusInternalServerError
		}
		writeProblem(w, abort, status)
		return
	}
	writeProblem(w, core.WithDetail(core.ErrInternal, err.Error()), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	_ = json.NewEncoder(w).Encode(v)
}

// peerCredentials extracts the §6.2 bearer-token/mTLS credentials from the
// request; handlers check them with core.Authenticate against the task's
// policy from SetAuthPolicy (AuthNone when none was set).
func peerCredentials(r *http.Request) core.PeerCredentials {
	presented := r.Header.Get("X-Dap-Client-Cert-Presented") == "1"
	return core.PeerCredentials{
		BearerToken:   r.Header.Get("DAP-Auth-Token"),
		CertPresented: presented,
		CertSubject:   r.Header.Get("X-Dap-Client-Cert-Subject"),
	}
}
