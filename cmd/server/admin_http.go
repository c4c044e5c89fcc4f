package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"voxelquarry.ai/internal/sim/engine"
	"voxelquarry.ai/internal/sim/geom"
	"voxelquarry.ai/internal/sim/machine"
	"voxelquarry.ai/internal/sim/scheduler"
)

const adminTimeout = 5 * time.Second

// adminAPI exposes machine control over loopback HTTP. Every mutation is
// queued onto the engine and applied at the next tick boundary.
type adminAPI struct {
	eng *engine.Engine
	log *log.Logger
}

type registerRequest struct {
	Anchor [3]int `json:"anchor"`
	XSize  int    `json:"x_size"`
	ZSize  int    `json:"z_size"`
}

type drainResponse struct {
	ID       machine.ID        `json:"id"`
	Tick     uint64            `json:"tick"`
	Compact  map[uint16]uint64 `json:"compact"`
	Overflow map[uint32]uint64 `json:"overflow"`
}

type flushResponse struct {
	ID      machine.ID `json:"id"`
	Tick    uint64     `json:"tick"`
	Flushed uint64     `json:"flushed"`
}

type unregisterResponse struct {
	ID      machine.ID        `json:"id"`
	Summary scheduler.Summary `json:"summary"`
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/v1/state", a.loopback(a.handleState))
	mux.HandleFunc("POST /admin/v1/machines", a.loopback(a.handleRegister))
	mux.HandleFunc("GET /admin/v1/machines/{id}", a.loopback(a.handleInspect))
	mux.HandleFunc("DELETE /admin/v1/machines/{id}", a.loopback(a.handleUnregister))
	mux.HandleFunc("POST /admin/v1/machines/{id}/drain", a.loopback(a.handleDrain))
	mux.HandleFunc("POST /admin/v1/machines/{id}/flush", a.loopback(a.handleFlush))
	mux.HandleFunc("POST /admin/v1/snapshot", a.loopback(a.handleSnapshot))
}

func (a *adminAPI) loopback(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, scheduler.ErrUnknown):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

func machineIDParam(r *http.Request) (machine.ID, error) {
	return machine.ParseID(r.PathValue("id"))
}

func (a *adminAPI) handleState(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, struct {
		RunID   string         `json:"run_id"`
		Tick    uint64         `json:"tick"`
		Metrics engine.Metrics `json:"metrics"`
	}{
		RunID:   a.eng.RunID(),
		Tick:    a.eng.CurrentTick(),
		Metrics: a.eng.Metrics(),
	})
}

func (a *adminAPI) handleRegister(rw http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad json: " + err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	anchor := geom.Vec3i{X: req.Anchor[0], Y: req.Anchor[1], Z: req.Anchor[2]}
	cfg, err := a.eng.Register(ctx, anchor, req.XSize, req.ZSize)
	if err != nil {
		writeError(rw, err)
		return
	}
	a.log.Printf("admin: registered machine %s at %s (%dx%d)", cfg.ID, cfg.Anchor, cfg.XSize, cfg.ZSize)
	writeJSON(rw, http.StatusCreated, cfg)
}

func (a *adminAPI) handleInspect(rw http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		writeError(rw, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	info, err := a.eng.Inspect(ctx, id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, info)
}

func (a *adminAPI) handleUnregister(rw http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		writeError(rw, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	sum, err := a.eng.Unregister(ctx, id)
	if err != nil {
		writeError(rw, err)
		return
	}
	a.log.Printf("admin: unregistered machine %s", id)
	writeJSON(rw, http.StatusOK, unregisterResponse{ID: id, Summary: sum})
}

func (a *adminAPI) handleDrain(rw http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		writeError(rw, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	res, err := a.eng.Drain(ctx, id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, drainResponse{ID: id, Tick: res.Tick, Compact: res.DrainedCompact, Overflow: res.DrainedOverflow})
}

// handleFlush forces held output into the ready tally without waiting for expiry.
func (a *adminAPI) handleFlush(rw http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		writeError(rw, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	res, err := a.eng.Flush(ctx, id)
	if err != nil {
		writeError(rw, err)
		return
	}
	a.log.Printf("admin: flushed machine %s (%d items, tick %d)", id, res.Flushed, res.Tick)
	writeJSON(rw, http.StatusOK, flushResponse{ID: id, Tick: res.Tick, Flushed: res.Flushed})
}

func (a *adminAPI) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	tick, err := a.eng.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
