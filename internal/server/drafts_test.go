package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"digiqc/internal/inspection"
)

func TestDraftRegistryReserveIsExclusive(t *testing.T) {
	r := newDraftRegistry()
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, ok := r.reserve("d1")
			if !ok {
				return
			}
			won.Add(1)
			r.open(entry, inspection.NewDraft("d1", nil))
		}()
	}
	wg.Wait()
	if n := won.Load(); n != 1 {
		t.Fatalf("expected exactly one open for d1, got %d", n)
	}
	if err := r.with("d1", func(*inspection.Draft) error { return nil }); err != nil {
		t.Fatalf("with: %v", err)
	}
}

func TestDraftRegistryRemoveKeepsNewerEntry(t *testing.T) {
	r := newDraftRegistry()
	old, _ := r.reserve("d1")
	r.open(old, inspection.NewDraft("d1", nil))
	r.remove("d1", old)

	fresh, ok := r.reserve("d1")
	if !ok {
		t.Fatal("expected d1 to be free after remove")
	}
	r.open(fresh, inspection.NewDraft("d1", nil))
	r.remove("d1", old)
	if err := r.with("d1", func(*inspection.Draft) error { return nil }); err != nil {
		t.Fatalf("stale remove dropped the newer draft: %v", err)
	}
}

func TestDraftRegistryReleasedReservationIsNotFound(t *testing.T) {
	r := newDraftRegistry()
	entry, _ := r.reserve("d1")
	r.release("d1", entry)
	err := r.with("d1", func(*inspection.Draft) error { return nil })
	if !errors.Is(err, errDraftNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := r.reserve("d1"); !ok {
		t.Fatal("released id must be reservable")
	}
}
