package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/vclock"
)

// ApplyOutcome reports what happened when a remote Instance was merged into
// the Local Registry.
type ApplyOutcome int

const (
	// Rejected means a local entry existed, the versions were not
	// concurrent, and nothing observable changed: the local version won,
	// or the winner carries the same content as before.
	Rejected ApplyOutcome = iota
	// Accepted means the remote version was causally newer (or no local
	// entry existed yet) and replaced what callers observe.
	Accepted
	// Merged means the two versions were concurrent and the deterministic
	// tie-break in the Conflict Resolver decided the outcome.
	Merged
)

func (o ApplyOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Merged:
		return "merged"
	default:
		return "rejected"
	}
}

// DefaultTombstoneGrace is how long a tombstoned entry is retained before
// the sweeper purges it, long enough that a slow gossip round can't
// resurrect a deletion that's already been superseded elsewhere.
const DefaultTombstoneGrace = 5 * time.Minute

const defaultSweepInterval = 30 * time.Second

// Persister is an optional, best-effort collaborator the registry can use
// to snapshot its contents outside the process. Persistence failures are
// logged and otherwise ignored: the registry itself never depends on
// durable storage for correctness.
type Persister interface {
	SaveSnapshot(ctx context.Context, instances []Instance) error
}

// Config controls the Local Registry's background housekeeping.
type Config struct {
	NodeID          string
	TombstoneGrace  time.Duration
	SweepInterval   time.Duration
	Persister       Persister
	PersistInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.TombstoneGrace <= 0 {
		c.TombstoneGrace = DefaultTombstoneGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = c.SweepInterval * 4
	}
}

type entry struct {
	mu       sync.Mutex
	instance *Instance
}

// Local is the in-process map of services by (type, id), with an inverted
// type index. All mutations are serialized per-identity via a per-entry
// mutex, so concurrent register/deregister/apply calls against different
// identities never contend, while calls against the same identity are
// strictly ordered.
type Local struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	entries   map[Identity]*entry
	typeIndex map[string]map[string]struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewLocal creates a Local Registry for the given node.
func NewLocal(cfg Config, logger *zap.Logger) *Local {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		cfg:       cfg,
		logger:    logger,
		entries:   map[Identity]*entry{},
		typeIndex: map[string]map[string]struct{}{},
		closeCh:   make(chan struct{}),
	}
}

// Start launches the tombstone sweeper and, if a Persister is configured,
// the periodic best-effort snapshot loop.
func (r *Local) Start() {
	r.wg.Add(1)
	go r.sweepLoop()

	if r.cfg.Persister != nil {
		r.wg.Add(1)
		go r.persistLoop()
	}
}

// Shutdown stops background housekeeping within the grace window.
func (r *Local) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closeCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Local) getOrCreateEntry(id Identity) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[id]; ok {
		return e
	}
	e = &entry{}
	r.entries[id] = e
	return e
}

func (r *Local) indexAdd(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.typeIndex[id.ServiceType]
	if !ok {
		set = map[string]struct{}{}
		r.typeIndex[id.ServiceType] = set
	}
	set[id.ServiceID] = struct{}{}
}

func (r *Local) indexRemove(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.typeIndex[id.ServiceType]; ok {
		delete(set, id.ServiceID)
		if len(set) == 0 {
			delete(r.typeIndex, id.ServiceType)
		}
	}
	delete(r.entries, id)
}

// Register installs a new live version for (serviceType, serviceId),
// incrementing the local node's vector-clock counter and clearing any
// tombstone. It returns false if an identical live version already exists.
func (r *Local) Register(serviceType, serviceID, host string, port int, metadata map[string]string) bool {
	id := Identity{ServiceType: serviceType, ServiceID: serviceID}
	e := r.getOrCreateEntry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UnixMilli()
	if e.instance != nil && !e.instance.Tombstone &&
		e.instance.Host == host && e.instance.Port == port && metadataEqual(e.instance.Metadata, metadata) {
		return false
	}

	var version vclock.Clock
	if e.instance != nil {
		version = e.instance.Version
	} else {
		version = vclock.New()
	}
	version = version.IncrementFor(r.cfg.NodeID)

	inst := New(serviceType, serviceID, host, port, metadata, r.cfg.NodeID, version, now, false)
	e.instance = &inst
	r.indexAdd(id)
	return true
}

// Deregister installs a tombstone for (serviceType, serviceId). It returns
// false if no live entry existed.
func (r *Local) Deregister(serviceType, serviceID string) bool {
	id := Identity{ServiceType: serviceType, ServiceID: serviceID}
	e := r.getOrCreateEntry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.instance == nil || e.instance.Tombstone {
		return false
	}

	version := e.instance.Version.IncrementFor(r.cfg.NodeID)
	tomb := New(serviceType, serviceID, e.instance.Host, e.instance.Port, e.instance.Metadata,
		r.cfg.NodeID, version, time.Now().UnixMilli(), true)
	e.instance = &tomb
	return true
}

// Find returns all non-tombstoned instances of the given type, copied so
// the caller cannot mutate registry state.
func (r *Local) Find(serviceType string) []Instance {
	r.mu.RLock()
	ids, ok := r.typeIndex[serviceType]
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	out := make([]Instance, 0, len(idList))
	for _, sid := range idList {
		if inst, ok := r.FindByID(serviceType, sid); ok {
			out = append(out, inst)
		}
	}
	return out
}

// FindByID returns the live instance for (serviceType, serviceId), if any.
func (r *Local) FindByID(serviceType, serviceID string) (Instance, bool) {
	r.mu.RLock()
	e, ok := r.entries[Identity{ServiceType: serviceType, ServiceID: serviceID}]
	r.mu.RUnlock()
	if !ok {
		return Instance{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instance == nil || e.instance.Tombstone {
		return Instance{}, false
	}
	return e.instance.Copy(), true
}

// Apply merges a remote instance into the registry via the Conflict
// Resolver, accepting, rejecting or merging it as described by ApplyOutcome.
func (r *Local) Apply(remote Instance) ApplyOutcome {
	id := remote.Identity()
	e := r.getOrCreateEntry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.instance == nil {
		inst := remote.Copy()
		e.instance = &inst
		r.indexAdd(id)
		return Accepted
	}

	rel := e.instance.Version.Compare(remote.Version)
	winner := Resolve(*e.instance, remote)
	wasChanged := !winner.sameContent(*e.instance)
	e.instance = &winner

	if rel == vclock.Concurrent {
		return Merged
	}
	if wasChanged {
		return Accepted
	}
	return Rejected
}

// Snapshot returns a copy of every instance currently known, live or
// tombstoned, for use by gossip anti-entropy rounds and persistence.
func (r *Local) Snapshot() []Instance {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.instance != nil {
			out = append(out, e.instance.Copy())
		}
		e.mu.Unlock()
	}
	return out
}

func (r *Local) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.sweepTombstones()
		}
	}
}

func (r *Local) sweepTombstones() {
	now := time.Now().UnixMilli()
	grace := r.cfg.TombstoneGrace.Milliseconds()

	r.mu.RLock()
	ids := make([]Identity, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		e, ok := r.entries[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		expired := e.instance != nil && e.instance.Tombstone && now-e.instance.TimestampMs > grace
		e.mu.Unlock()

		if expired {
			r.indexRemove(id)
		}
	}
}

func (r *Local) persistLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistInterval)
			if err := r.cfg.Persister.SaveSnapshot(ctx, r.Snapshot()); err != nil {
				r.logger.Warn("registry snapshot persistence failed", zap.Error(err))
			}
			cancel()
		}
	}
}
