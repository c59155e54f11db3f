// Package membership holds the in-memory registry of known peers.
package membership

import (
	"slices"

	"github.com/Klingon-tech/klingnet-gossip/pkg/crypto"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// PeerRecord is what a node knows about one peer.
type PeerRecord struct {
	Addr     types.Address `json:"addr"`
	LastSeen int64         `json:"last_seen"` // unix millis
	Version  uint64        `json:"version,omitempty"`
	Payload  string        `json:"payload,omitempty"`
}

// View is a snapshot of the registry, sorted by address.
type View []PeerRecord

// Len returns the number of records.
func (v View) Len() int {
	return len(v)
}

// Addresses returns the addresses in view order.
func (v View) Addresses() []types.Address {
	out := make([]types.Address, len(v))
	for i, r := range v {
		out[i] = r.Addr
	}
	return out
}

// Get looks up the record for addr.
func (v View) Get(addr types.Address) (PeerRecord, bool) {
	for _, r := range v {
		if r.Addr == addr {
			return r, true
		}
	}
	return PeerRecord{}, false
}

// Contains reports whether addr is in the view.
func (v View) Contains(addr types.Address) bool {
	_, ok := v.Get(addr)
	return ok
}

// Digest hashes the sorted address set. Two views with the same members
// have the same digest regardless of timestamps or payloads.
func (v View) Digest() types.Hash {
	addrs := v.Addresses()
	slices.SortFunc(addrs, types.Address.Compare)
	items := make([]string, len(addrs))
	for i, a := range addrs {
		items[i] = a.String()
	}
	return crypto.HashStrings(items)
}
