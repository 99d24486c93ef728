// Package monitor keeps the device registry and the hub in step with the
// lights the bridge reports.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hue-connector/internal/bridge"
	"hue-connector/internal/device"
	"hue-connector/internal/events"
	"hue-connector/internal/hub"
	"hue-connector/internal/store"
)

// Bridge queries the full light list.
type Bridge interface {
	Lights(ctx context.Context) (map[string]bridge.Light, error)
}

// Hub receives device topology changes.
type Hub interface {
	AddDevice(d hub.Device) hub.Future
	UpdateDevice(d hub.Device) hub.Future
	DeleteDevice(id string) hub.Future
	ConnectDevice(id string) hub.Future
	DisconnectDevice(id string) hub.Future
	Sync(devices []hub.Device) hub.Future
}

// Store persists registry changes. It may be nil.
type Store interface {
	SaveDevice(dev device.Snapshot) error
	DeleteDevice(id string) error
	SavePollState(state store.PollState) error
}

// Config controls the poll loop.
type Config struct {
	PollInterval time.Duration
	// DeviceTypes maps each kind to the hub's device-type identifier.
	DeviceTypes map[device.Kind]string
	// BridgeHost is recorded in the persisted poll state.
	BridgeHost string
}

// Status summarizes the last poll.
type Status struct {
	LastPoll  time.Time `json:"last_poll"`
	LastError string    `json:"last_error,omitempty"`
	Devices   int       `json:"devices"`
}

// Monitor polls the bridge and reconciles the registry and the hub with
// what it finds. It is the registry's only writer.
type Monitor struct {
	bridge   Bridge
	hub      Hub
	registry *device.Registry
	store    Store
	bus      *events.Bus
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	trigger chan struct{}

	// pollMu serializes polls from Run and Trigger callers.
	pollMu  sync.Mutex
	resumed bool // registry was restored from the store and not yet announced

	statusMu sync.Mutex
	status   Status

	background sync.WaitGroup // fire-and-forget hub calls
}

// New creates a monitor. store and bus may be nil.
func New(b Bridge, h Hub, registry *device.Registry, st Store, bus *events.Bus, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Monitor{
		bridge:   b,
		hub:      h,
		registry: registry,
		store:    st,
		bus:      bus,
		cfg:      cfg,
		log:      logger.With("component", "monitor"),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		resumed:  registry.Len() > 0,
	}
}

// Run polls immediately and then every PollInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("monitor started", "interval", m.cfg.PollInterval)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.safePoll(ctx)
		select {
		case <-ctx.Done():
			m.background.Wait()
			m.log.Info("monitor stopped")
			return
		case <-ticker.C:
		case <-m.trigger:
		}
	}
}

// Trigger requests an early poll. Requests made while one is already
// pending are merged.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Status returns the outcome of the last poll.
func (m *Monitor) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

func (m *Monitor) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("poll panic", "panic", r)
		}
	}()
	m.Poll(ctx)
}

// Poll runs one reconciliation pass. A failed bridge query skips the pass
// and leaves the registry untouched.
func (m *Monitor) Poll(ctx context.Context) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	lights, err := m.bridge.Lights(ctx)
	if err != nil {
		m.log.Error("could not query lights", "err", err, "detail", bridge.Detail(err))
		m.setStatus(err)
		m.bus.Emit(events.PollFailed, events.Poll{Error: bridge.Detail(err)})
		return err
	}

	queried := make(map[string]device.Snapshot, len(lights))
	for id, l := range lights {
		snap, ok := device.FromLight(l)
		if !ok {
			m.log.Debug("skipping unsupported light", "id", id, "type", l.Type, "name", l.Name)
			continue
		}
		queried[id] = snap
	}

	m.evaluate(ctx, queried)
	m.setStatus(nil)

	if m.store != nil {
		st := store.PollState{BridgeHost: m.cfg.BridgeHost, LastPoll: m.now(), DeviceCount: m.registry.Len()}
		if err := m.store.SavePollState(st); err != nil {
			m.log.Warn("save poll state", "err", err)
		}
	}
	return nil
}

func (m *Monitor) setStatus(err error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status.LastPoll = m.now()
	m.status.Devices = m.registry.Len()
	m.status.LastError = ""
	if err != nil {
		m.status.LastError = bridge.Detail(err)
	}
}

// Diff partitions ids into those only in known (missing), only in queried
// (added) and in both with differing observable attributes (changed).
// Each result is sorted.
func Diff(known, queried map[string]device.Snapshot) (missing, added, changed []string) {
	for id, k := range known {
		q, ok := queried[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case k.Differs(q):
			changed = append(changed, id)
		}
	}
	for id := range queried {
		if _, ok := known[id]; !ok {
			added = append(added, id)
		}
	}
	sort.Strings(missing)
	sort.Strings(added)
	sort.Strings(changed)
	return missing, added, changed
}

func (m *Monitor) evaluate(ctx context.Context, queried map[string]device.Snapshot) {
	known := m.registry.Snapshots()
	missing, added, changed := Diff(known, queried)

	var announced map[string]bool
	if m.resumed {
		m.resumed = false
		announced = m.announce(ctx, known, queried)
	}
	if len(missing) == 0 && len(added) == 0 && len(changed) == 0 {
		return
	}
	m.log.Debug("reconciling", "missing", len(missing), "new", len(added), "changed", len(changed))

	n := m.removeMissing(ctx, known, missing)
	n += m.addNew(ctx, queried, added)
	n += m.applyChanges(ctx, known, queried, changed, announced)
	if n > 0 {
		m.syncHub(ctx)
	}
}

// announce tells the hub the current reachability of every restored device
// still on the bridge, changed or not. It returns the ids it announced.
func (m *Monitor) announce(ctx context.Context, known, queried map[string]device.Snapshot) map[string]bool {
	announced := make(map[string]bool, len(known))
	for id := range known {
		q, ok := queried[id]
		if !ok {
			continue
		}
		announced[id] = true
		if q.State.Reachable {
			m.fireAndForget(ctx, "connect", id, m.hub.ConnectDevice(id))
		} else {
			m.fireAndForget(ctx, "disconnect", id, m.hub.DisconnectDevice(id))
		}
	}
	return announced
}

// removeMissing deletes vanished devices from the hub, all at once, and
// drops the confirmed ones from the registry. A failed delete falls back
// to a best-effort disconnect; the device stays known and is retried on
// the next poll.
func (m *Monitor) removeMissing(ctx context.Context, known map[string]device.Snapshot, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	futures := make([]hub.Future, len(ids))
	for i, id := range ids {
		m.log.Info("device missing on bridge", "id", id, "name", known[id].Name)
		futures[i] = m.hub.DeleteDevice(id)
	}

	removed := 0
	for i, err := range hub.Await(ctx, futures...) {
		id := ids[i]
		if err != nil {
			m.log.Warn("hub delete failed, disconnecting instead", "id", id, "err", err)
			m.fireAndForget(ctx, "disconnect", id, m.hub.DisconnectDevice(id))
			continue
		}
		m.registry.Delete(id)
		m.deleteStored(id)
		removed++
		m.log.Info("device removed", "id", id, "name", known[id].Name)
		m.bus.Emit(events.DeviceRemoved, eventDevice(known[id]))
	}
	return removed
}

// addNew registers newly seen devices with the hub. A device enters the
// registry only once the hub confirmed the add and, when reachable, the
// connect; otherwise it is picked up again by the next poll.
func (m *Monitor) addNew(ctx context.Context, queried map[string]device.Snapshot, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	futures := make([]hub.Future, len(ids))
	for i, id := range ids {
		snap := queried[id]
		m.log.Info("found device", "id", id, "name", snap.Name, "kind", snap.Kind)
		futures[i] = m.hub.AddDevice(m.hubDevice(snap))
	}

	var confirmed, connecting []string
	var connects []hub.Future
	for i, err := range hub.Await(ctx, futures...) {
		id := ids[i]
		if err != nil {
			m.log.Warn("hub add failed", "id", id, "err", err)
			continue
		}
		if queried[id].State.Reachable {
			connecting = append(connecting, id)
			connects = append(connects, m.hub.ConnectDevice(id))
			continue
		}
		confirmed = append(confirmed, id)
	}
	for i, err := range hub.Await(ctx, connects...) {
		if err != nil {
			m.log.Warn("hub connect failed", "id", connecting[i], "err", err)
			continue
		}
		confirmed = append(confirmed, connecting[i])
	}

	for _, id := range confirmed {
		snap := queried[id]
		m.registry.Put(snap)
		m.saveStored(snap)
		m.bus.Emit(events.DeviceAdded, eventDevice(snap))
	}
	return len(confirmed)
}

// applyChanges copies the bridge's view into the registry. Reachability
// flips are forwarded without waiting, except for ids already announced;
// renames are sent together and rolled back locally when the hub refuses
// them.
func (m *Monitor) applyChanges(ctx context.Context, known, queried map[string]device.Snapshot, ids []string, announced map[string]bool) int {
	var renamed []string
	var renames []hub.Future

	for _, id := range ids {
		old, cur := known[id], queried[id]
		snap, ok := m.registry.Update(id, func(s *device.Snapshot) {
			s.Name = cur.Name
			s.Model = cur.Model
			s.Number = cur.Number
			s.State = cur.State
			s.Manufacturer = cur.Manufacturer
		})
		if !ok {
			continue
		}

		if old.State != cur.State {
			m.bus.Emit(events.DeviceState, eventDevice(snap))
		}
		if old.State.Reachable != cur.State.Reachable {
			m.log.Info("device reachability changed", "id", id, "reachable", cur.State.Reachable)
			m.bus.Emit(events.DeviceReachability, eventDevice(snap))
			switch {
			case announced[id]:
			case cur.State.Reachable:
				m.fireAndForget(ctx, "connect", id, m.hub.ConnectDevice(id))
			default:
				m.fireAndForget(ctx, "disconnect", id, m.hub.DisconnectDevice(id))
			}
		}
		if old.Name != cur.Name {
			renamed = append(renamed, id)
			renames = append(renames, m.hub.UpdateDevice(m.hubDevice(snap)))
		} else {
			m.saveStored(snap)
		}
	}

	n := 0
	for i, err := range hub.Await(ctx, renames...) {
		id := renamed[i]
		oldName := known[id].Name
		if err != nil {
			m.log.Warn("hub rename failed, rolling back", "id", id, "name", oldName, "err", err)
			snap, _ := m.registry.Update(id, func(s *device.Snapshot) { s.Name = oldName })
			m.saveStored(snap)
			continue
		}
		snap, _ := m.registry.Get(id)
		m.saveStored(snap)
		n++
		m.log.Info("device renamed", "id", id, "from", oldName, "to", snap.Name)
		ev := eventDevice(snap)
		ev.OldName = oldName
		m.bus.Emit(events.DeviceRenamed, ev)
	}
	return n
}

// syncHub sends the full device list. Failures are logged only.
func (m *Monitor) syncHub(ctx context.Context) {
	snaps := m.registry.List()
	devices := make([]hub.Device, len(snaps))
	for i, s := range snaps {
		devices[i] = m.hubDevice(s)
	}
	if err := m.hub.Sync(devices).Wait(ctx); err != nil {
		m.log.Warn("hub sync failed", "err", err)
	}
}

func (m *Monitor) fireAndForget(ctx context.Context, op, id string, f hub.Future) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		if err := f.Wait(ctx); err != nil {
			m.log.Debug("hub "+op+" failed", "id", id, "err", err)
		}
	}()
}

func (m *Monitor) hubDevice(s device.Snapshot) hub.Device {
	tags := map[string]string{"type": s.ProductType}
	if s.Manufacturer != "" {
		tags["manufacturer"] = s.Manufacturer
	}
	return hub.Device{ID: s.ID, Name: s.Name, Type: m.cfg.DeviceTypes[s.Kind], Tags: tags}
}

func (m *Monitor) saveStored(s device.Snapshot) {
	if m.store == nil || s.ID == "" {
		return
	}
	if err := m.store.SaveDevice(s); err != nil {
		m.log.Warn("persist device", "id", s.ID, "err", err)
	}
}

func (m *Monitor) deleteStored(id string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteDevice(id); err != nil {
		m.log.Warn("forget device", "id", id, "err", err)
	}
}

func eventDevice(s device.Snapshot) events.Device {
	return events.Device{
		ID:        s.ID,
		Name:      s.Name,
		Kind:      s.Kind.String(),
		Reachable: s.State.Reachable,
		State:     s.State,
	}
}
