package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestRecordIsIdempotentOnJobID(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	first := Record{
		JobID:             "job-1",
		FinalState:        "sent",
		ProviderMessageID: "msg-abc",
	}
	if err := led.Record(ctx, first); err != nil {
		t.Fatalf("First record failed: %v", err)
	}

	// A lease-timeout duplicate attempt reports a different outcome;
	// the original record must win.
	dup := Record{JobID: "job-1", FinalState: "failed", Reason: "transient: timeout"}
	err := led.Record(ctx, dup)
	if !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("Expected ErrAlreadyRecorded, got %v", err)
	}

	got, err := led.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FinalState != "sent" || got.ProviderMessageID != "msg-abc" {
		t.Errorf("First record was not preserved: %+v", got)
	}
}

func TestGetMissingRecord(t *testing.T) {
	led := NewMemoryLedger()

	_, err := led.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := led.Record(ctx, Record{JobID: id, FinalState: "sent"}); err != nil {
			t.Fatalf("Record %s failed: %v", id, err)
		}
	}

	recs, err := led.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].JobID != "c" || recs[1].JobID != "b" {
		t.Errorf("Expected newest first, got %s then %s", recs[0].JobID, recs[1].JobID)
	}
}
