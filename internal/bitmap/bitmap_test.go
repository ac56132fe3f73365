package bitmap

import (
	"math/rand"
	"testing"
)

func referenceCount(bits []bool, set bool, start, max int) int {
	n := 0
	for i := start; i < len(bits) && n < max; i++ {
		if bits[i] != set {
			break
		}
		n++
	}
	return n
}

func TestSetTest(t *testing.T) {
	b := Alloc(200)
	b.Set(5, true)
	b.Set(130, true)
	if !b.Test(5) || !b.Test(130) {
		t.Fatal("expected bits 5 and 130 set")
	}
	if b.Test(6) || b.Test(129) {
		t.Fatal("unexpected bit set")
	}
	b.Set(5, false)
	if b.Test(5) {
		t.Fatal("bit 5 should be cleared")
	}
}

func TestCountAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(300)
		b := Alloc(n)
		ref := make([]bool, n)
		for i := 0; i < n; i++ {
			v := rng.Intn(4) == 0
			ref[i] = v
			b.Set(i, v)
		}
		for sample := 0; sample < 20; sample++ {
			start := rng.Intn(n)
			max := 1 + rng.Intn(n+1)
			for _, set := range []bool{true, false} {
				got := b.Count(set, start, max)
				want := referenceCount(ref, set, start, max)
				if got != want {
					t.Fatalf("trial %d start=%d max=%d set=%v: got %d want %d", trial, start, max, set, got, want)
				}
			}
		}
	}
}

func TestCountWholeWords(t *testing.T) {
	b := Alloc(256)
	for i := 64; i < 192; i++ {
		b.Set(i, true)
	}
	if got := b.Count(true, 64, 1000); got != 128 {
		t.Fatalf("got %d want 128", got)
	}
	if got := b.Count(false, 0, 1000); got != 64 {
		t.Fatalf("got %d want 64", got)
	}
}

func TestCountCappedByMax(t *testing.T) {
	b := Alloc(64)
	for i := range 64 {
		b.Set(i, true)
	}
	if got := b.Count(true, 0, 10); got != 10 {
		t.Fatalf("got %d want 10", got)
	}
}

func TestOutOfRangePanics(t *testing.T) {
	b := Alloc(4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	b.Test(10)
}
