package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"voxelquarry.ai/internal/persistence/indexdb"
	"voxelquarry.ai/internal/sim/catalogs"
	"voxelquarry.ai/internal/sim/engine"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/tuning"
)

func findRepoRootForServerTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

func newTestAdmin(t *testing.T) (*engine.Engine, *http.ServeMux) {
	t.Helper()
	root := findRepoRootForServerTests(t)
	cats, err := catalogs.Load(filepath.Join(root, "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	tu := tuning.Defaults()
	tu.World = tuning.World{MinY: 0, MaxY: 15, Seed: 3, BedrockLayers: 1, SurfaceY: 12}
	tu.TickRateHz = 100
	tu.SnapshotEveryTicks = 0

	quiet := log.New(io.Discard, "", 0)
	eng, err := engine.New(engine.Config{RunID: "admin-test", Tuning: tu, Blocks: &cats.Blocks, Logger: quiet})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	mux := http.NewServeMux()
	(&adminAPI{eng: eng, log: quiet}).register(mux)
	return eng, mux
}

func do(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestAdmin_MachineLifecycle(t *testing.T) {
	_, mux := newTestAdmin(t)

	rr := do(t, mux, http.MethodPost, "/admin/v1/machines", registerRequest{Anchor: [3]int{0, 10, 0}, XSize: 2, ZSize: 2})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	var cfg machine.Config
	if err := json.Unmarshal(rr.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.StartY != 9 || cfg.ID != machine.IDOf(cfg.Anchor) {
		t.Fatalf("cfg=%+v", cfg)
	}
	path := "/admin/v1/machines/" + cfg.ID.String()

	if rr := do(t, mux, http.MethodPost, "/admin/v1/machines", registerRequest{Anchor: [3]int{0, 10, 0}, XSize: 2, ZSize: 2}); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, mux, http.MethodGet, path, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("inspect: %d %s", rr.Code, rr.Body.String())
	}
	var info engine.MachineInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if !info.HasRuntime || info.ShellCells != 12 {
		t.Fatalf("info=%+v", info)
	}

	rr = do(t, mux, http.MethodPost, path+"/flush", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("flush: %d %s", rr.Code, rr.Body.String())
	}
	var fr flushResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &fr); err != nil || fr.ID != cfg.ID {
		t.Fatalf("flush body=%s err=%v", rr.Body.String(), err)
	}
	if rr := do(t, mux, http.MethodPost, path+"/drain", nil); rr.Code != http.StatusOK {
		t.Fatalf("drain: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, mux, http.MethodPost, "/admin/v1/machines/"+(cfg.ID+1).String()+"/flush", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("flush unknown: %d", rr.Code)
	}
	if rr := do(t, mux, http.MethodDelete, path, nil); rr.Code != http.StatusOK {
		t.Fatalf("unregister: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, mux, http.MethodGet, path, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("inspect after unregister: %d", rr.Code)
	}
}

func TestAdmin_RejectsBadInput(t *testing.T) {
	_, mux := newTestAdmin(t)

	if rr := do(t, mux, http.MethodPost, "/admin/v1/machines", map[string]any{"anchor": []int{0, 10, 0}, "x_size": 0, "z_size": 2}); rr.Code != http.StatusBadRequest {
		t.Fatalf("zero extent: %d", rr.Code)
	}
	if rr := do(t, mux, http.MethodPost, "/admin/v1/machines", map[string]any{"anchor": []int{0, 10, 0}, "bogus": true}); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", rr.Code)
	}
	if rr := do(t, mux, http.MethodGet, "/admin/v1/machines/abc", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-loopback: %d", rr.Code)
	}
}

func TestAdmin_SnapshotWithoutSink(t *testing.T) {
	_, mux := newTestAdmin(t)
	rr := do(t, mux, http.MethodPost, "/admin/v1/snapshot", nil)
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "sink not configured") {
		t.Fatalf("snapshot: %d %s", rr.Code, rr.Body.String())
	}
}

func TestWriteMetrics(t *testing.T) {
	m := engine.Metrics{Tick: 42, Machines: 3, Running: 2, Events: map[string]uint64{"STOPPED": 1, "REGISTERED": 3}}
	var buf bytes.Buffer
	writeMetrics(&buf, "r1", m, &indexdb.Stats{DropEventTotal: 5})
	out := buf.String()
	for _, want := range []string{
		`voxelquarry_tick{run="r1"} 42`,
		`voxelquarry_machines{run="r1",state="running"} 2`,
		`voxelquarry_machine_events_total{run="r1",kind="REGISTERED"} 3`,
		`voxelquarry_index_dropped_total{run="r1",kind="event"} 5`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, `kind="REGISTERED"`) > strings.Index(out, `kind="STOPPED"`) {
		t.Fatalf("event kinds not sorted")
	}
}

func TestLoadExempt_ConfigWhitelist(t *testing.T) {
	root := findRepoRootForServerTests(t)
	configDir := filepath.Join(root, "configs")
	cats, err := catalogs.Load(configDir)
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	tu, err := tuning.Load(filepath.Join(configDir, "tuning.yaml"))
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	ids, err := loadExempt(configDir, tu, &cats.Blocks)
	if err != nil {
		t.Fatalf("loadExempt: %v", err)
	}
	if !ids[cats.Blocks.MustID("STONE")] || ids[cats.Blocks.MustID("DIAMOND_ORE")] {
		t.Fatalf("ids=%v", ids)
	}

	tu.DupeProtection.ExemptWhitelistFile = "missing.txt"
	if ids, err := loadExempt(configDir, tu, &cats.Blocks); err != nil || ids != nil {
		t.Fatalf("missing file: %v %v", ids, err)
	}
}
