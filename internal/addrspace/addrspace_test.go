package addrspace

import (
	"testing"

	"github.com/tinyrange/pcihost/internal/pagetable"
)

func newTestSpace(t *testing.T, vsize, rsize uint64) *Space {
	t.Helper()
	s, err := New(Config{
		VSize:      vsize,
		RSize:      rsize,
		BuddyBits:  18,
		DomainID:   1,
		Levels:     4,
		Snooped:    true,
		TableAlloc: &pagetable.CounterFrameAllocator{},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestAllocRoutesToBuddyForSmall(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(4, 1, Options{}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if iova >= s.RSize() {
		t.Fatalf("expected small alloc routed to buddy region, got iova %#x (rsize %#x)", iova, s.RSize())
	}
}

func TestAllocRoutesToIntervalForLarge(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(200, 1, Options{}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if iova < s.RSize() {
		t.Fatalf("expected large alloc routed to interval region, got iova %#x (rsize %#x)", iova, s.RSize())
	}
}

func TestAllocPagingForcesBuddy(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(200, 1, Options{Paging: true}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if iova >= s.RSize() {
		t.Fatalf("expected paging alloc forced to buddy region, got iova %#x", iova)
	}
}

func TestMapToPhysAfterSet(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(1, 1, Options{}, AddrSpec{}, []pagetable.Mapping{{Access: 0x3, Frame: 0x4000}}, true)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	e, ok := s.PageTable().Lookup(iova)
	if !ok || e.Frame() != 0x4000 {
		t.Fatalf("expected mapping to frame 0x4000, got %#x ok=%v", e.Frame(), ok)
	}
}

func TestFreeThenAllocReuses(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(8, 1, Options{Paging: true}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	s.Free(iova, 8)
	iova2, err := s.Alloc(8, 1, Options{Paging: true}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if iova2 != iova {
		t.Fatalf("expected freed block reused, got %#x vs %#x", iova, iova2)
	}
}

func TestFixedAddressReturnsImmediatelyOnExhaustion(t *testing.T) {
	s := newTestSpace(t, 200, 100) // interval region only 100 pages
	if _, err := s.Alloc(1000, 1, Options{FixedAddress: true}, AddrSpec{}, nil, false); err == nil {
		t.Fatal("expected immediate NoResources error, not a block")
	}
}

func TestAllocFixedCarveOut(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	if err := s.AllocFixed(1<<16, 0x100, nil, false); err != nil {
		t.Fatalf("AllocFixed failed: %v", err)
	}
	if err := s.AllocFixed(1<<16, 0x100, nil, false); err == nil {
		t.Fatal("expected second AllocFixed over the same range to fail")
	}
}

func TestFreeQueueRoundTrip(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(4, 1, Options{Paging: true}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	s.EnqueueFree(false, FreeEntry{IOVAPage: iova, NPages: 4, Stamp: 1})
	if s.FreeQueueLen(false) != 1 {
		t.Fatalf("expected 1 pending, got %d", s.FreeQueueLen(false))
	}
	e, ok := s.PopFree(false)
	if !ok || e.IOVAPage != iova {
		t.Fatalf("expected popped entry at %#x, got %#x ok=%v", iova, e.IOVAPage, ok)
	}
	if s.FreeQueueLen(false) != 0 {
		t.Fatal("expected queue drained")
	}
}

func TestCheckFreeOnlyReclaimsPassedStamps(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(4, 1, Options{Paging: true}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	s.EnqueueFree(false, FreeEntry{IOVAPage: iova, NPages: 4, Stamp: 5})

	if n := s.CheckFree(false, func(stamp uint32) bool { return stamp < 5 }); n != 0 {
		t.Fatalf("expected 0 reclaimed while stamp has not passed, got %d", n)
	}
	if s.FreeQueueLen(false) != 1 {
		t.Fatal("expected the entry to remain queued")
	}

	if n := s.CheckFree(false, func(stamp uint32) bool { return stamp <= 5 }); n != 1 {
		t.Fatalf("expected 1 reclaimed once the stamp passes, got %d", n)
	}
	if s.FreeQueueLen(false) != 0 {
		t.Fatal("expected the queue drained")
	}
	if s.Stats().MaxFreeBurst != 1 {
		t.Fatalf("expected MaxFreeBurst 1, got %d", s.Stats().MaxFreeBurst)
	}

	iova2, err := s.Alloc(4, 1, Options{Paging: true}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if iova2 != iova {
		t.Fatalf("expected reclaimed range reused, got %#x vs %#x", iova, iova2)
	}
}

func TestCheckFreeStopsAtEightPerCall(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	for i := 0; i < 10; i++ {
		iova, err := s.Alloc(1, 1, Options{Paging: true}, AddrSpec{}, nil, false)
		if err != nil {
			t.Fatal(err)
		}
		s.EnqueueFree(false, FreeEntry{IOVAPage: iova, NPages: 1, Stamp: 1})
	}
	n := s.CheckFree(false, func(uint32) bool { return true })
	if n != 8 {
		t.Fatalf("expected one call to reclaim at most 8 entries, got %d", n)
	}
	if s.FreeQueueLen(false) != 2 {
		t.Fatalf("expected 2 entries left pending, got %d", s.FreeQueueLen(false))
	}
	if s.Stats().MaxFreeBurst != 8 {
		t.Fatalf("expected MaxFreeBurst 8, got %d", s.Stats().MaxFreeBurst)
	}
}

func TestDestroyDrainsQueues(t *testing.T) {
	s := newTestSpace(t, 1<<20, 1<<16)
	iova, err := s.Alloc(4, 1, Options{Paging: true}, AddrSpec{}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	s.EnqueueFree(false, FreeEntry{IOVAPage: iova, NPages: 4, Stamp: 1})
	s.Destroy()
	if s.FreeQueueLen(false) != 0 || s.FreeQueueLen(true) != 0 {
		t.Fatal("expected queues drained after Destroy")
	}
}
