package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"voxelquarry.ai/internal/persistence/indexdb"
	persistlog "voxelquarry.ai/internal/persistence/log"
	"voxelquarry.ai/internal/persistence/snapshot"
	"voxelquarry.ai/internal/sim/catalogs"
	"voxelquarry.ai/internal/sim/engine"
	"voxelquarry.ai/internal/sim/scheduler"
	"voxelquarry.ai/internal/sim/tuning"
	"voxelquarry.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (machine events + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	_ = os.MkdirAll(*dataDir, 0o755)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad, err = snapshot.Latest(*dataDir)
		if err != nil {
			logger.Fatalf("list snapshots: %v", err)
		}
	}

	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" || !os.IsNotExist(tuneErr) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		// Resuming: the snapshot carries the world parameters.
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
		tune.Normalize()
	}

	var snap *snapshot.SnapshotV1
	if snapshotToLoad != "" {
		s, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		snap = &s
		tune.TickRateHz = s.TickRate
		tune.World = tuning.World{MinY: s.MinY, MaxY: s.MaxY, Seed: s.Seed, BedrockLayers: s.BedrockLayers, SurfaceY: s.SurfaceY}
	}

	exempt, err := loadExempt(*configDir, tune, &cats.Blocks)
	if err != nil {
		logger.Fatalf("load dupe whitelist: %v", err)
	}

	runID := uuid.NewString()
	eng, err := engine.New(engine.Config{
		RunID:  runID,
		Tuning: tune,
		Blocks: &cats.Blocks,
		Exempt: exempt,
		Logger: log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	if snap != nil {
		if err := eng.ImportSnapshot(*snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d machines=%d", filepath.Base(snapshotToLoad), eng.CurrentTick(), len(snap.Machines))
	}
	logger.Printf("run=%s seed=%d y=[%d,%d] tick_rate=%d dupe_protection=%v", runID, tune.World.Seed, tune.World.MinY, tune.World.MaxY, tune.TickRateHz, tune.DupeProtection.Enabled)

	// Optional read model; never affects the simulation.
	idx, err := openRuntimeIndex(*dataDir, runID, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		tj, _ := json.Marshal(tune)
		if err := idx.RecordRun(eng.CurrentTick(), tune.World.Seed, cats.Blocks.PaletteDigest, tj); err != nil {
			logger.Printf("index backend: record run: %v", err)
		}
	}

	tickLog := persistlog.NewTickLogger(*dataDir)
	eventLog := persistlog.NewMachineEventLogger(*dataDir)
	defer tickLog.Close()
	defer eventLog.Close()
	eng.SetTickLogger(tickLog)
	sinks := []scheduler.EventSink{engine.LogSink{W: eventLog, Log: logger}}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	eng.SetEventSinks(sinks...)

	ctx, cancel := signalContext()
	defer cancel()

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	eng.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-snapCh:
				path := snapshot.Path(*dataDir, s.Header.Tick)
				if err := snapshot.WriteSnapshot(path, s); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, s)
				}
				if n, err := snapshot.Prune(*dataDir, tune.SnapshotKeep); err != nil {
					logger.Printf("snapshot prune: %v", err)
				} else if n > 0 {
					logger.Printf("pruned %d old snapshots", n)
				}
			}
		}
	}()

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var is *indexdb.Stats
		if idx != nil {
			st := idx.Stats()
			is = &st
		}
		writeMetrics(rw, runID, eng.Metrics(), is)
	})

	enableAdminHTTP := envBool("VQ_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VQ_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		api := &adminAPI{eng: eng, log: logger}
		api.register(mux)

		obsSrv := observer.NewServer(eng, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (VQ_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// loadExempt resolves whitelist names against the block palette.
func loadExempt(configDir string, tune tuning.Tuning, blocks *catalogs.BlockCatalog) (map[uint32]bool, error) {
	return tune.ExemptIDs(configDir, func(n string) (uint32, bool) {
		id, ok := blocks.Index[n]
		return id, ok
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
