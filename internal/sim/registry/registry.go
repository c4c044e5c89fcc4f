// Package registry holds machine configurations in a copy-on-write map.
//
// Writers build a new map and publish it with compare-and-swap; readers load the
// current map without locking. A published map is never mutated again.
package registry

import (
	"sort"
	"sync/atomic"

	"voxelquarry.ai/internal/sim/machine"
)

type Registry struct {
	cur atomic.Pointer[View]
}

// View is an immutable registry snapshot.
type View struct {
	m map[machine.ID]machine.Config
}

var emptyView = &View{m: map[machine.ID]machine.Config{}}

func New() *Registry {
	r := &Registry{}
	r.cur.Store(emptyView)
	return r
}

func (v *View) Len() int { return len(v.m) }

func (v *View) Get(id machine.ID) (machine.Config, bool) {
	c, ok := v.m[id]
	return c, ok
}

// IDs returns machine ids in ascending order.
func (v *View) IDs() []machine.ID {
	ids := make([]machine.ID, 0, len(v.m))
	for id := range v.m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Configs returns a copy of the underlying map.
func (v *View) Configs() map[machine.ID]machine.Config {
	out := make(map[machine.ID]machine.Config, len(v.m))
	for id, c := range v.m {
		out[id] = c
	}
	return out
}

// Register inserts cfg unless its id is already present.
func (r *Registry) Register(cfg machine.Config) bool {
	for {
		old := r.cur.Load()
		if _, ok := old.m[cfg.ID]; ok {
			return false
		}
		next := make(map[machine.ID]machine.Config, len(old.m)+1)
		for id, c := range old.m {
			next[id] = c
		}
		next[cfg.ID] = cfg
		if r.cur.CompareAndSwap(old, &View{m: next}) {
			return true
		}
	}
}

func (r *Registry) Unregister(id machine.ID) (machine.Config, bool) {
	for {
		old := r.cur.Load()
		cfg, ok := old.m[id]
		if !ok {
			return machine.Config{}, false
		}
		next := make(map[machine.ID]machine.Config, len(old.m))
		for k, c := range old.m {
			if k != id {
				next[k] = c
			}
		}
		if r.cur.CompareAndSwap(old, &View{m: next}) {
			return cfg, true
		}
	}
}

func (r *Registry) Snapshot() *View { return r.cur.Load() }

// Restore replaces the whole registry, used when loading a world.
func (r *Registry) Restore(configs map[machine.ID]machine.Config) {
	next := make(map[machine.ID]machine.Config, len(configs))
	for id, c := range configs {
		next[id] = c
	}
	r.cur.Store(&View{m: next})
}

func (r *Registry) Clear() {
	r.cur.Store(emptyView)
}
