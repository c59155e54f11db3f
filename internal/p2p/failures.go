package p2p

import (
	"slices"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-gossip/internal/log"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// UnreachableThreshold is the number of consecutive failures after which a
// peer is reported as unreachable. The peer stays in the registry.
const UnreachableThreshold = 3

// FailureRecord describes recent delivery failures to one address.
type FailureRecord struct {
	Addr        types.Address `json:"addr"`
	Consecutive int           `json:"consecutive"`
	Total       int           `json:"total"`
	LastError   string        `json:"last_error"`
	LastFailure int64         `json:"last_failure"` // unix seconds
}

// FailureTracker counts connect and send failures per address.
type FailureTracker struct {
	mu      sync.RWMutex
	records map[types.Address]*FailureRecord
}

// NewFailureTracker creates an empty tracker.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{records: make(map[types.Address]*FailureRecord)}
}

// RecordFailure adds one failure for addr.
func (ft *FailureTracker) RecordFailure(addr types.Address, err error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[addr]
	if !ok {
		rec = &FailureRecord{Addr: addr}
		ft.records[addr] = rec
	}
	rec.Consecutive++
	rec.Total++
	rec.LastFailure = time.Now().Unix()
	if err != nil {
		rec.LastError = err.Error()
	}

	if rec.Consecutive == UnreachableThreshold {
		logger := klog.WithPeer(klog.ComponentP2P, addr.String())
		logger.Warn().
			Int("failures", rec.Consecutive).
			Str("last_error", rec.LastError).
			Msg("Peer unreachable, will keep retrying")
	}
}

// RecordSuccess clears the consecutive failure count for addr.
func (ft *FailureTracker) RecordSuccess(addr types.Address) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if rec, ok := ft.records[addr]; ok {
		rec.Consecutive = 0
	}
}

// Consecutive returns the current failure streak for addr.
func (ft *FailureTracker) Consecutive(addr types.Address) int {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	if rec, ok := ft.records[addr]; ok {
		return rec.Consecutive
	}
	return 0
}

// List returns every record, sorted by address.
func (ft *FailureTracker) List() []FailureRecord {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	list := make([]FailureRecord, 0, len(ft.records))
	for _, rec := range ft.records {
		list = append(list, *rec)
	}
	slices.SortFunc(list, func(a, b FailureRecord) int { return a.Addr.Compare(b.Addr) })
	return list
}
