// Command aggregator runs one DAP Aggregator process (Leader or Helper).
//
// Grounded on cmd/synnergy/main.go's cobra root-command-with-subcommands
// shape and cmd/explorer/main.go's godotenv+viper config bootstrap, wired to
// the aggregator core instead of the ledger/explorer services.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/circl/hpke"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dap-aggregator/core"
	"dap-aggregator/core/gateway"
	"dap-aggregator/core/store"
	"dap-aggregator/core/vdaf"
	"dap-aggregator/internal/httpapi"
	"dap-aggregator/pkg/config"
	"dap-aggregator/pkg/metrics"
)

var log = logrus.StandardLogger()

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{Use: "aggregator", Short: "DAP Aggregator core"}
	root.AddCommand(serveCmd())
	root.AddCommand(gcPartitionsCmd())
	root.AddCommand(showConfigCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("env")
	return config.Load(env)
}

func showConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	}
	cmd.Flags().String("env", "", "environment overlay (e.g. dev, prod)")
	return cmd
}

// gcPartitionsCmd runs one GC pass over a MemoryStore it creates itself, so
// the pass finds no partitions; it does not reach the partitions of a
// running serve process or of an HTTP storage backend.
func gcPartitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc-partitions",
		Short: "garbage-collect expired storage partitions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shardParams, err := shardParamsFrom(cfg)
			if err != nil {
				return err
			}
			st := store.NewMemoryStore(shardParams, uint64(cfg.Global.ReportStorageEpochDuration), cfg.DefaultVersion)
			st.GC(uint64(cfg.Global.ReportStorageEpochDuration), uint64(cfg.ProcessedAlarmSafetyInterval), core.TimeNow())
			log.Info("gc-partitions: pass complete")
			return nil
		},
	}
	cmd.Flags().String("env", "", "environment overlay (e.g. dev, prod)")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the Aggregator's DAP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().String("env", "", "environment overlay (e.g. dev, prod)")
	return cmd
}

func runServe(cfg *config.Config) error {
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}

	shardParams, err := shardParamsFrom(cfg)
	if err != nil {
		return err
	}
	epochDuration := uint64(cfg.Global.ReportStorageEpochDuration)

	gw := gateway.New(cfg.Gateway.MaxConcurrentRequests, cfg.Gateway.RequestsPerSecond, 10*time.Second, 2*time.Minute)
	defer gw.Close()

	memStore := store.NewMemoryStore(shardParams, epochDuration, cfg.DefaultVersion)
	var st store.Store = memStore
	var gcStore *store.MemoryStore = memStore
	if cfg.Storage.BackendURL != "" {
		// Route every store operation through the Admission Gateway to a
		// separate storage process (spec §6.3); this process runs no
		// GC in this mode: the local GC loop below is skipped and
		// HTTPStore.GC is not called.
		st = store.NewHTTPStore(gw, cfg.Storage.BackendURL)
		gcStore = nil
		log.WithField("backend", cfg.Storage.BackendURL).Info("using HTTP storage backend via the admission gateway")
	}

	m := metrics.New(log)

	role := core.RoleLeader
	if cfg.Role == config.RoleHelper {
		role = core.RoleHelper
	}

	srv := httpapi.NewServer(role, cfg.DefaultVersion)
	srv.Store = st
	srv.Batch = core.NewBatchCoordinator(randomBatchID)
	srv.Gateway = gw
	srv.Shard = shardParams
	srv.EpochDur = epochDuration
	srv.Metrics = m
	srv.Log = log
	srv.LeastValidSkew = epochDuration
	srv.GreatestValidSkew = uint64(cfg.Global.ReportStorageMaxFutureTimeSkew)
	srv.Resolve = resolveVdaf

	ctx, err := core.NewCoreContext(0)
	if err != nil {
		return err
	}
	srv.Ctx = ctx

	recv, err := core.NewHpkeReceiverConfig(1, hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, core.HpkeAeadChaCha20Poly1305)
	if err != nil {
		return err
	}
	srv.PutHpkeReceiverConfig(recv)

	r := chi.NewRouter()
	srv.Routes(r)

	httpSrv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: r}
	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		metricsSrv = m.Serve(cfg.Metrics.ListenAddr)
	}

	if gcStore != nil {
		go runGCLoop(gcStore, epochDuration, uint64(cfg.ProcessedAlarmSafetyInterval))
	}

	go func() {
		log.WithField("addr", cfg.HTTP.ListenAddr).Info("aggregator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if metricsSrv != nil {
		_ = m.Shutdown(shutdownCtx, metricsSrv)
	}
	return nil
}

func runGCLoop(st *store.MemoryStore, epochDuration, safetyInterval uint64) {
	if epochDuration == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(epochDuration) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		st.GC(epochDuration, safetyInterval, core.TimeNow())
	}
}

func shardParamsFrom(cfg *config.Config) (store.ShardParams, error) {
	key, err := hex.DecodeString(cfg.ReportShardKeyHex)
	if err != nil {
		return store.ShardParams{}, fmt.Errorf("report_shard_key: %w", err)
	}
	return store.ShardParams{Key: key, Count: cfg.ReportShardCount}, nil
}

func randomBatchID() core.BatchID {
	var id core.BatchID
	_, _ = rand.Read(id[:])
	return id
}

// resolveVdaf is the process's VdafResolver (httpapi.VdafResolver): it
// ignores the task's configured variant and always returns the one
// construction core/vdaf ships, since no corpus VDAF library exists to
// dispatch across (see core/vdaf's doc comment and DESIGN.md).
func resolveVdaf(task *core.Task, aggParamBytes []byte) (vdaf.Vdaf, string, error) {
	return vdaf.Prio3CountLike{}, string(aggParamBytes), nil
}

