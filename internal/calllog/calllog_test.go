package calllog

import (
	"fmt"
	"testing"
	"time"
)

func TestRecordPrependsNewestFirst(t *testing.T) {
	r := NewRecorder(10)

	r.Record(Entry{CounterpartRef: "+15550000001", Outcome: OutcomeCompleted})
	r.Record(Entry{CounterpartRef: "+15550000002", Outcome: OutcomeMissed})

	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].CounterpartRef != "+15550000002" {
		t.Errorf("entries[0] = %q, want newest entry first", entries[0].CounterpartRef)
	}
	if entries[1].CounterpartRef != "+15550000001" {
		t.Errorf("entries[1] = %q, want oldest entry last", entries[1].CounterpartRef)
	}
}

func TestRecordCapsAtCapacity(t *testing.T) {
	r := NewRecorder(10)

	for i := 1; i <= 11; i++ {
		r.Record(Entry{
			CounterpartRef: fmt.Sprintf("call-%d", i),
			Outcome:        OutcomeCompleted,
			StartedAt:      time.Unix(int64(i), 0),
		})
	}

	entries := r.Entries()
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries after 11 records, got %d", len(entries))
	}
	if entries[0].CounterpartRef != "call-11" {
		t.Errorf("newest = %q, want call-11", entries[0].CounterpartRef)
	}
	if entries[9].CounterpartRef != "call-2" {
		t.Errorf("oldest kept = %q, want call-2 (call-1 dropped)", entries[9].CounterpartRef)
	}
	for _, e := range entries {
		if e.CounterpartRef == "call-1" {
			t.Fatal("call-1 should have been dropped")
		}
	}
}

func TestRecordAssignsID(t *testing.T) {
	r := NewRecorder(0)

	stored := r.Record(Entry{CounterpartRef: "x"})
	if stored.ID == "" {
		t.Fatal("expected generated id")
	}

	kept := r.Record(Entry{ID: "fixed", CounterpartRef: "y"})
	if kept.ID != "fixed" {
		t.Errorf("ID = %q, want caller supplied id", kept.ID)
	}
}

func TestRecordClampsNegativeDuration(t *testing.T) {
	r := NewRecorder(3)
	stored := r.Record(Entry{DurationSeconds: -4})
	if stored.DurationSeconds != 0 {
		t.Errorf("DurationSeconds = %d, want 0", stored.DurationSeconds)
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	r := NewRecorder(3)
	r.Record(Entry{CounterpartRef: "a"})

	entries := r.Entries()
	entries[0].CounterpartRef = "mutated"

	if got := r.Entries()[0].CounterpartRef; got != "a" {
		t.Errorf("stored entry changed through copy: %q", got)
	}
}

func TestDefaultCapacity(t *testing.T) {
	r := NewRecorder(-1)
	for i := 0; i < DefaultCapacity+5; i++ {
		r.Record(Entry{})
	}
	if r.Len() != DefaultCapacity {
		t.Errorf("Len = %d, want %d", r.Len(), DefaultCapacity)
	}
}
