package telemetry

import (
	"testing"
	"time"
)

func TestRecordEventMonotonicIDs(t *testing.T) {
	r := NewRecorder(time.Millisecond)
	e1 := r.RecordEvent(KindAllowed, "example.com", 443, "", "", 0, false)
	e2 := r.RecordEvent(KindCompleted, "example.com", 443, "", "ok", 10, true)
	if e2.ID != e1.ID+1 {
		t.Fatalf("expected strictly increasing event ids, got %d then %d", e1.ID, e2.ID)
	}
}

func TestEventRingCapsAtCapacity(t *testing.T) {
	r := NewRecorder(time.Millisecond)
	for i := 0; i < EventRingCap+50; i++ {
		r.RecordEvent(KindAllowed, "h", 1, "", "", 0, false)
	}
	a := r.Artifact()
	if len(a.Events) != EventRingCap {
		t.Fatalf("got %d events, want %d", len(a.Events), EventRingCap)
	}
	if a.Events[len(a.Events)-1].ID != int64(EventRingCap+50) {
		t.Fatalf("expected ring to keep the most recent ids")
	}
}

func TestCloseRelayIsIdempotent(t *testing.T) {
	r := NewRecorder(time.Hour)
	tr := NewRelayTracker(1, "example.com", 80)
	tr.AddBytesDown(100)
	r.RegisterRelay(tr)

	calls := 0
	r.OnRelayClosed = func(ClosedRelay) { calls++ }

	r.CloseRelay(tr, "complete")
	r.CloseRelay(tr, "complete")
	r.CloseRelay(tr, "complete")

	if calls != 1 {
		t.Fatalf("expected log_relay_end exactly once, got %d calls", calls)
	}
	a := r.Artifact()
	completed := 0
	for _, e := range a.Events {
		if e.Type == KindCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly one Completed event, got %d", completed)
	}
}

func TestCloseRelaySkipsCompletedEventForStreamBlocked(t *testing.T) {
	r := NewRecorder(time.Hour)
	tr := NewRelayTracker(1, "streamy.test", 443)
	r.RegisterRelay(tr)
	r.RecordEvent(KindStreamBlocked, "streamy.test", 443, "www.streamy.test", "threshold exceeded", 2000, true)
	r.CloseRelay(tr, "stream-blocked")

	a := r.Artifact()
	for _, e := range a.Events {
		if e.Type == KindCompleted {
			t.Fatalf("did not expect a Completed event when reason is stream-blocked")
		}
	}
}

func TestTickSnapshotsSortedDescendingByID(t *testing.T) {
	r := NewRecorder(time.Hour)
	r.RegisterRelay(NewRelayTracker(1, "a.test", 80))
	r.RegisterRelay(NewRelayTracker(3, "c.test", 80))
	r.RegisterRelay(NewRelayTracker(2, "b.test", 80))

	snap := r.Tick()
	if len(snap.Connections) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(snap.Connections))
	}
	for i := 0; i < len(snap.Connections)-1; i++ {
		if snap.Connections[i].ID < snap.Connections[i+1].ID {
			t.Fatalf("expected descending id order, got %v", snap.Connections)
		}
	}
}

func TestSnapshotRingCapsAtCapacity(t *testing.T) {
	r := NewRecorder(time.Hour)
	for i := 0; i < SnapshotRingCap+10; i++ {
		r.Tick()
	}
	a := r.Artifact()
	if len(a.Snapshots) != SnapshotRingCap {
		t.Fatalf("got %d snapshots, want %d", len(a.Snapshots), SnapshotRingCap)
	}
}

func TestDomainAggregateAccumulates(t *testing.T) {
	r := NewRecorder(time.Hour)
	tr1 := NewRelayTracker(1, "host1", 80)
	tr1.LatchSNI("shared.test")
	tr1.AddBytesDown(100)
	r.RegisterRelay(tr1)
	r.CloseRelay(tr1, "complete")

	tr2 := NewRelayTracker(2, "host2", 80)
	tr2.LatchSNI("shared.test")
	tr2.AddBytesDown(50)
	r.RegisterRelay(tr2)
	r.CloseRelay(tr2, "complete")

	snap := r.Tick()
	if len(snap.TopDomains) != 1 {
		t.Fatalf("expected one aggregated domain, got %d", len(snap.TopDomains))
	}
	if snap.TopDomains[0].Count != 2 || snap.TopDomains[0].TotalBytes != 150 {
		t.Fatalf("got %+v", snap.TopDomains[0])
	}
}
