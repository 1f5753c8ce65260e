package activation

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeLiveness map[int]bool

func (f fakeLiveness) Alive(pid int, _ int64) bool { return f[pid] }

func TestCreateAssignsFreshIDs(t *testing.T) {
	r := New()
	a := r.Create("/store/A", 100)
	b := r.Create("/store/B", 100)
	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
	if a.Ready || len(a.AttachedPIDs) != 0 || a.StarterPID != 100 {
		t.Fatalf("unexpected initial state: %+v", a)
	}
	if len(r.Activations) != 2 {
		t.Fatalf("expected 2 activations, got %d", len(r.Activations))
	}
}

func TestFindReturnsMostRecent(t *testing.T) {
	r := New()
	old := r.Create("/store/A", 1)
	_ = r.Create("/store/B", 2)
	newer := r.Create("/store/A", 3)

	got := r.Find("/store/A")
	if got == nil || got.ID != newer.ID {
		t.Fatalf("expected newest record %s, got %+v (old %s)", newer.ID, got, old.ID)
	}
	if r.Find("/store/missing") != nil {
		t.Fatal("expected nil for unknown store path")
	}
	var nilReg *Activations
	if nilReg.Find("/store/A") != nil || nilReg.FindByID("x") != nil {
		t.Fatal("nil registry lookups must return nil")
	}
}

func TestAttachPIDIsUpsert(t *testing.T) {
	r := New()
	a := r.Create("/store/A", 1)
	t1 := time.Unix(10, 0)
	t2 := time.Unix(20, 0)
	a.AttachPID(200, &t1)
	a.AttachPID(200, &t2)
	a.AttachPID(300, nil)

	if len(a.AttachedPIDs) != 2 {
		t.Fatalf("expected 2 attached pids, got %+v", a.AttachedPIDs)
	}
	if !a.AttachedPIDs[0].AttachedAt.Equal(t2) {
		t.Fatalf("expected attach time to be updated, got %v", a.AttachedPIDs[0].AttachedAt)
	}
	if !a.HasAttached(300) || a.HasAttached(400) {
		t.Fatal("HasAttached mismatch")
	}
}

func TestDetachPID(t *testing.T) {
	a := New().Create("/store/A", 1)
	a.AttachPID(200, nil)
	if !a.DetachPID(200) {
		t.Fatal("expected detach to report removal")
	}
	if a.DetachPID(200) {
		t.Fatal("second detach must report false")
	}
	if len(a.AttachedPIDs) != 0 {
		t.Fatalf("expected no attached pids, got %+v", a.AttachedPIDs)
	}
}

func TestSetReadyIsMonotonic(t *testing.T) {
	a := New().Create("/store/A", 1)
	a.SetReady()
	a.SetReady()
	if !a.Ready {
		t.Fatal("expected ready")
	}
}

func TestStarterAliveDelegates(t *testing.T) {
	a := New().Create("/store/A", 42)
	if !a.StarterAlive(fakeLiveness{42: true}) {
		t.Fatal("expected alive")
	}
	if a.StarterAlive(fakeLiveness{}) {
		t.Fatal("expected dead")
	}
}

func TestPrune(t *testing.T) {
	r := New()
	// running: starter alive. failed: starter dead and never ready.
	// orphan: ready but nobody alive. consumed: ready with a live consumer.
	running := r.Create("/store/running", 1)
	failed := r.Create("/store/failed", 2)
	orphan := r.Create("/store/orphan", 3)
	consumed := r.Create("/store/consumed", 4)
	orphan.SetReady()
	orphan.AttachPID(30, nil)
	consumed.SetReady()
	consumed.AttachPID(40, nil)

	removed := r.Prune(fakeLiveness{1: true, 40: true})
	if len(removed) != 2 || removed[0] != failed.ID || removed[1] != orphan.ID {
		t.Fatalf("unexpected removed ids: %v", removed)
	}
	if r.FindByID(running.ID) == nil || r.FindByID(consumed.ID) == nil {
		t.Fatal("live activations must be kept")
	}
	if len(r.Activations) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(r.Activations))
	}
}

func TestRemove(t *testing.T) {
	r := New()
	a := r.Create("/store/A", 1)
	if !r.Remove(a.ID) || r.Remove(a.ID) {
		t.Fatal("remove should succeed once")
	}
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{Restartable("gone"), KindRestartable},
		{Timeout("slow"), KindTimeout},
		{RegistryError("read", errors.New("boom")), KindRegistry},
		{fmt.Errorf("wrapped: %w", Restartable("gone")), KindRestartable},
		{errors.New("plain"), KindUnknown},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.kind {
			t.Errorf("KindOf(%v) = %s, want %s", c.err, got, c.kind)
		}
	}
	if !IsRestartable(Restartable("x")) || IsRestartable(Timeout("x")) {
		t.Fatal("IsRestartable mismatch")
	}
	if !IsTimeout(Timeout("x")) || IsTimeout(Restartable("x")) {
		t.Fatal("IsTimeout mismatch")
	}
	if RegistryError("op", nil) != nil {
		t.Fatal("RegistryError(nil) must be nil")
	}
	base := errors.New("disk")
	if !errors.Is(RegistryError("write", base), base) {
		t.Fatal("registry error must unwrap to its cause")
	}
	if got := RegistryError("write", base).Error(); got != "write: disk" {
		t.Fatalf("unexpected message %q", got)
	}
}
