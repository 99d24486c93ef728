package device

import (
	"sort"
	"sync"
)

// record is the registry's private, mutable copy of a device. Every field
// access goes through mu so readers never observe a torn update.
type record struct {
	mu   sync.Mutex
	snap Snapshot
}

func (r *record) get() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Registry is the authoritative set of locally known devices, keyed by the
// bridge's unique id. The Monitor is its only writer; everything else reads
// copies through Get, IDs and List.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// Load replaces the registry contents, e.g. with devices restored from the store.
func (r *Registry) Load(devices []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.records)
	for _, d := range devices {
		r.records[d.ID] = &record{snap: d}
	}
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return rec.get(), true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns copies of all devices sorted by id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	list := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		list = append(list, rec.get())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Snapshots returns copies of all devices keyed by id.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]Snapshot, len(r.records))
	for id, rec := range r.records {
		m[id] = rec.get()
	}
	return m
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Put inserts or replaces a device.
func (r *Registry) Put(s Snapshot) {
	r.mu.Lock()
	rec, ok := r.records[s.ID]
	if !ok {
		r.records[s.ID] = &record{snap: s}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	rec.mu.Lock()
	rec.snap = s
	rec.mu.Unlock()
}

// Update applies fn to the device under its lock and returns the updated
// copy. The id is restored after fn so it can never change. ok is false when
// the device is not registered.
func (r *Registry) Update(id string, fn func(*Snapshot)) (Snapshot, bool) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.snap)
	rec.snap.ID = id
	return rec.snap, true
}

// Delete removes a device. It is a no-op for unknown ids.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}
