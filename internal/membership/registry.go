package membership

import (
	"slices"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// Registry is the set of peers known to this node, including itself.
// Records are only ever added or refreshed, never removed.
type Registry struct {
	mu    sync.RWMutex
	self  types.Address
	peers map[types.Address]*PeerRecord
	now   func() time.Time
}

// New creates a registry holding only the local node.
func New(self types.Address) *Registry {
	return newWithClock(self, time.Now)
}

func newWithClock(self types.Address, now func() time.Time) *Registry {
	r := &Registry{
		self:  self,
		peers: make(map[types.Address]*PeerRecord),
		now:   now,
	}
	r.peers[self] = &PeerRecord{Addr: self, LastSeen: now().UnixMilli()}
	return r
}

// Self returns the local node's address.
func (r *Registry) Self() types.Address {
	return r.self
}

// Len returns the number of known peers, self included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Contains reports whether addr is known.
func (r *Registry) Contains(addr types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[addr]
	return ok
}

// Get returns a copy of the record for addr.
func (r *Registry) Get(addr types.Address) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[addr]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Addresses returns all known addresses, sorted.
func (r *Registry) Addresses() []types.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Address, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	slices.SortFunc(out, types.Address.Compare)
	return out
}

// Snapshot returns a sorted copy of every record.
func (r *Registry) Snapshot() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := make(View, 0, len(r.peers))
	for _, rec := range r.peers {
		view = append(view, *rec)
	}
	slices.SortFunc(view, func(a, b PeerRecord) int { return a.Addr.Compare(b.Addr) })
	return view
}

// Merge reconciles a remote view into the registry and returns the
// addresses that were not known before the call.
func (r *Registry) Merge(remote View) []types.Address {
	discovered, _ := r.MergeWithUpdates(remote)
	return discovered
}

// MergeWithUpdates is Merge that also returns the records whose payload
// was replaced by a newer remote version.
//
// Unknown addresses are inserted as-is. Known addresses take the later
// last-seen, and the remote payload when its version is higher. The local
// node's own record is never touched.
func (r *Registry) MergeWithUpdates(remote View) (discovered []types.Address, updated []PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, in := range remote {
		if in.Addr.IsZero() || in.Addr == r.self {
			continue
		}

		local, ok := r.peers[in.Addr]
		if !ok {
			rec := in
			r.peers[in.Addr] = &rec
			discovered = append(discovered, in.Addr)
			if rec.Payload != "" {
				updated = append(updated, rec)
			}
			continue
		}

		if in.LastSeen > local.LastSeen {
			local.LastSeen = in.LastSeen
		}
		if in.Version > local.Version {
			local.Version = in.Version
			local.Payload = in.Payload
			updated = append(updated, *local)
		}
	}

	slices.SortFunc(discovered, types.Address.Compare)
	discovered = slices.Compact(discovered)
	return discovered, updated
}

// Observe marks addr as seen now, adding it if unknown. It returns true
// when the address was added. Observing self is a no-op.
func (r *Registry) Observe(addr types.Address) bool {
	if addr.IsZero() || addr == r.self {
		return false
	}
	now := r.now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[addr]; ok {
		if now > rec.LastSeen {
			rec.LastSeen = now
		}
		return false
	}
	r.peers[addr] = &PeerRecord{Addr: addr, LastSeen: now}
	return true
}

// StampSelf refreshes the local record before a gossip round: last-seen
// becomes now, the version is bumped and the payload replaced.
func (r *Registry) StampSelf(payload string) PeerRecord {
	now := r.now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.peers[r.self]
	if now > rec.LastSeen {
		rec.LastSeen = now
	}
	rec.Version++
	rec.Payload = payload
	return *rec
}
