package membership

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

func addr(port uint16) types.Address {
	return types.NewAddress("127.0.0.1", port)
}

func rec(port uint16, lastSeen int64) PeerRecord {
	return PeerRecord{Addr: addr(port), LastSeen: lastSeen}
}

// fixedClock returns a clock that can be advanced by the test.
func fixedClock(start int64) (func() time.Time, func(ms int64)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return time.UnixMilli(now)
		}, func(ms int64) {
			mu.Lock()
			now += ms
			mu.Unlock()
		}
}

// --- Construction ---

func TestNew_OnlySelf(t *testing.T) {
	r := New(addr(8080))
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if !r.Contains(addr(8080)) {
		t.Error("registry should contain self")
	}
	if r.Self() != addr(8080) {
		t.Errorf("Self = %v", r.Self())
	}
	self, ok := r.Get(addr(8080))
	if !ok || self.LastSeen == 0 {
		t.Errorf("self record = %+v, ok=%v", self, ok)
	}
}

func TestSnapshot_SortedCopy(t *testing.T) {
	r := New(addr(8082))
	r.Merge(View{rec(8081, 1), rec(8083, 1)})

	snap := r.Snapshot()
	if !slices.Equal(snap.Addresses(), []types.Address{addr(8081), addr(8082), addr(8083)}) {
		t.Fatalf("snapshot order = %v", snap.Addresses())
	}

	// Mutating the snapshot must not leak into the registry.
	snap[0].LastSeen = 999999
	got, _ := r.Get(addr(8081))
	if got.LastSeen != 1 {
		t.Errorf("registry mutated through snapshot: %d", got.LastSeen)
	}
}

// --- Merge ---

func TestMerge_NewlyDiscovered(t *testing.T) {
	r := New(addr(8080))

	got := r.Merge(View{rec(8081, 10), rec(8082, 10)})
	if !slices.Equal(got, []types.Address{addr(8081), addr(8082)}) {
		t.Fatalf("discovered = %v", got)
	}

	// Same view again: nothing new.
	if again := r.Merge(View{rec(8081, 10), rec(8082, 10)}); len(again) != 0 {
		t.Errorf("second merge discovered %v, want none", again)
	}
}

func TestMerge_DuplicateInRemote(t *testing.T) {
	r := New(addr(8080))
	got := r.Merge(View{rec(8081, 1), rec(8081, 5)})
	if len(got) != 1 || got[0] != addr(8081) {
		t.Fatalf("discovered = %v, want exactly [8081]", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	p, _ := r.Get(addr(8081))
	if p.LastSeen != 5 {
		t.Errorf("LastSeen = %d, want 5", p.LastSeen)
	}
}

func TestMerge_LastSeenIsMax(t *testing.T) {
	r := New(addr(8080))
	r.Merge(View{rec(8081, 100)})

	r.Merge(View{rec(8081, 50)})
	if p, _ := r.Get(addr(8081)); p.LastSeen != 100 {
		t.Errorf("older remote lowered LastSeen to %d", p.LastSeen)
	}

	r.Merge(View{rec(8081, 200)})
	if p, _ := r.Get(addr(8081)); p.LastSeen != 200 {
		t.Errorf("newer remote not applied, LastSeen = %d", p.LastSeen)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	v := View{rec(8081, 10), rec(8082, 20), rec(8083, 30)}

	once := New(addr(8080))
	once.Merge(v)

	twice := New(addr(8080))
	twice.Merge(v)
	twice.Merge(v)

	a, b := once.Snapshot(), twice.Snapshot()
	if !slices.Equal(a.Addresses(), b.Addresses()) {
		t.Fatalf("address sets differ: %v vs %v", a.Addresses(), b.Addresses())
	}
	for i := range a {
		if a[i].Addr == addr(8080) {
			continue // self carries wall-clock time
		}
		if a[i] != b[i] {
			t.Errorf("record %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestMerge_Monotonic(t *testing.T) {
	r := New(addr(8080))
	r.Merge(View{rec(8081, 1), rec(8082, 1)})
	before := r.Addresses()

	// A view that omits known peers never removes them.
	r.Merge(View{rec(8083, 1)})
	r.Merge(View{})
	r.Merge(nil)

	after := r.Addresses()
	for _, a := range before {
		if !slices.Contains(after, a) {
			t.Errorf("address %v disappeared after merge", a)
		}
	}
	if len(after) != 4 {
		t.Errorf("Len = %d, want 4", len(after))
	}
}

func TestMerge_Commutative(t *testing.T) {
	v1 := View{rec(8081, 5), rec(8082, 7)}
	v2 := View{rec(8082, 9), rec(8083, 1)}

	a := New(addr(8080))
	a.Merge(v1)
	a.Merge(v2)

	b := New(addr(8080))
	b.Merge(v2)
	b.Merge(v1)

	if !slices.Equal(a.Addresses(), b.Addresses()) {
		t.Fatalf("address sets differ: %v vs %v", a.Addresses(), b.Addresses())
	}
	pa, _ := a.Get(addr(8082))
	pb, _ := b.Get(addr(8082))
	if pa.LastSeen != 9 || pb.LastSeen != 9 {
		t.Errorf("LastSeen a=%d b=%d, want 9", pa.LastSeen, pb.LastSeen)
	}
}

func TestMerge_SelfPreserved(t *testing.T) {
	now, _ := fixedClock(1_000)
	r := newWithClock(addr(8080), now)
	r.StampSelf("Time: 1")
	before, _ := r.Get(addr(8080))

	discovered := r.Merge(View{
		{Addr: addr(8080), LastSeen: 999_999, Version: 50, Payload: "forged"},
		{Addr: addr(8080), LastSeen: 0},
	})
	if len(discovered) != 0 {
		t.Errorf("self reported as discovered: %v", discovered)
	}

	after, ok := r.Get(addr(8080))
	if !ok {
		t.Fatal("self removed")
	}
	if after != before {
		t.Errorf("self record changed: %+v -> %+v", before, after)
	}
}

func TestMerge_IgnoresZeroAddress(t *testing.T) {
	r := New(addr(8080))
	if got := r.Merge(View{{LastSeen: 5}}); len(got) != 0 {
		t.Errorf("zero address discovered: %v", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestMergeWithUpdates_Payload(t *testing.T) {
	r := New(addr(8080))

	_, updated := r.MergeWithUpdates(View{{Addr: addr(8081), LastSeen: 1, Version: 2, Payload: "Time: 2"}})
	if len(updated) != 1 || updated[0].Payload != "Time: 2" {
		t.Fatalf("new peer with payload should be reported, got %+v", updated)
	}

	// Same or older version: no update.
	_, updated = r.MergeWithUpdates(View{{Addr: addr(8081), LastSeen: 2, Version: 1, Payload: "Time: 1"}})
	if len(updated) != 0 {
		t.Errorf("older version reported as update: %+v", updated)
	}
	p, _ := r.Get(addr(8081))
	if p.Payload != "Time: 2" || p.Version != 2 {
		t.Errorf("older version overwrote payload: %+v", p)
	}

	// Newer version replaces payload.
	_, updated = r.MergeWithUpdates(View{{Addr: addr(8081), LastSeen: 3, Version: 3, Payload: "Time: 3"}})
	if len(updated) != 1 || updated[0].Version != 3 {
		t.Fatalf("newer version not reported: %+v", updated)
	}
}

// --- Observe / StampSelf ---

func TestObserve(t *testing.T) {
	now, advance := fixedClock(1_000)
	r := newWithClock(addr(8080), now)

	if !r.Observe(addr(8081)) {
		t.Error("first Observe should insert")
	}
	if r.Observe(addr(8081)) {
		t.Error("second Observe should not insert")
	}

	advance(500)
	r.Observe(addr(8081))
	p, _ := r.Get(addr(8081))
	if p.LastSeen != 1_500 {
		t.Errorf("LastSeen = %d, want 1500", p.LastSeen)
	}

	if r.Observe(addr(8080)) {
		t.Error("Observe(self) should be a no-op")
	}
	if r.Observe(types.Address{}) {
		t.Error("Observe(zero) should be a no-op")
	}
}

func TestStampSelf(t *testing.T) {
	now, advance := fixedClock(1_000)
	r := newWithClock(addr(8080), now)

	advance(250)
	first := r.StampSelf("Time: 1")
	if first.Version != 1 || first.Payload != "Time: 1" || first.LastSeen != 1_250 {
		t.Errorf("first stamp = %+v", first)
	}

	second := r.StampSelf("Time: 2")
	if second.Version != 2 || second.Payload != "Time: 2" {
		t.Errorf("second stamp = %+v", second)
	}
}

// --- View helpers ---

func TestView_Digest(t *testing.T) {
	a := View{rec(8081, 1), rec(8080, 2)}
	b := View{rec(8080, 99), rec(8081, 42)}
	if a.Digest() != b.Digest() {
		t.Error("digest should ignore order and timestamps")
	}

	c := View{rec(8080, 1)}
	if a.Digest() == c.Digest() {
		t.Error("different address sets should have different digests")
	}
}

func TestView_Get(t *testing.T) {
	v := View{rec(8080, 1), rec(8081, 2)}
	if p, ok := v.Get(addr(8081)); !ok || p.LastSeen != 2 {
		t.Errorf("Get = %+v, %v", p, ok)
	}
	if v.Contains(addr(9999)) {
		t.Error("Contains reported unknown address")
	}
}

// --- Concurrency ---

func TestRegistry_ConcurrentMergeSnapshot(t *testing.T) {
	r := New(addr(8080))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(base uint16) {
			defer wg.Done()
			for j := uint16(0); j < 50; j++ {
				r.Merge(View{rec(base+j, int64(j))})
			}
		}(uint16(9000 + i*100))
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if r.Snapshot().Len() == 0 {
					t.Error("snapshot empty")
					return
				}
			}
		}()
	}
	wg.Wait()

	if r.Len() != 1+8*50 {
		t.Errorf("Len = %d, want %d", r.Len(), 1+8*50)
	}
}
