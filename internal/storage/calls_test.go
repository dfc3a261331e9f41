package storage

import (
	"testing"
	"time"

	"github.com/mvdwerf/bouwdeck/internal/call"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndListCalls(t *testing.T) {
	db := openTestDB(t)

	started := time.Now().Add(-90 * time.Second)
	ended := time.Now()
	info := call.Info{
		ID:         "c1",
		CallerID:   "alice",
		ReceiverID: "bob",
		Kind:       call.KindVideo,
		State:      call.StateCompleted,
		EndReason:  call.ReasonCompleted,
		StartedAt:  &started,
		EndedAt:    &ended,
	}
	if err := db.RecordCall(info); err != nil {
		t.Fatalf("record: %v", err)
	}

	records, err := db.ListCalls(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.ID != "c1" || r.CallerID != "alice" || r.ReceiverID != "bob" {
		t.Fatalf("record = %+v", r)
	}
	if r.State != string(call.StateCompleted) || r.Reason != string(call.ReasonCompleted) {
		t.Fatalf("state=%s reason=%s", r.State, r.Reason)
	}
	if r.DurationMS < 89_000 || r.DurationMS > 91_000 {
		t.Fatalf("duration = %dms", r.DurationMS)
	}
}

func TestRecordCallOverwritesDuplicate(t *testing.T) {
	db := openTestDB(t)

	info := call.Info{ID: "c1", CallerID: "a", ReceiverID: "b", Kind: call.KindAudio,
		State: call.StateMissed, EndReason: call.ReasonMissed}
	if err := db.RecordCall(info); err != nil {
		t.Fatalf("record: %v", err)
	}
	info.State = call.StateCompleted
	info.EndReason = call.ReasonCompleted
	if err := db.RecordCall(info); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	records, err := db.ListCalls(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].State != string(call.StateCompleted) {
		t.Fatalf("state = %s, want completed", records[0].State)
	}
}

func TestListCallsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	for _, id := range []string{"c1", "c2", "c3"} {
		info := call.Info{ID: id, CallerID: "a", ReceiverID: "b", Kind: call.KindVideo,
			State: call.StateCompleted, EndReason: call.ReasonCompleted}
		if err := db.RecordCall(info); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	records, err := db.ListCalls(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].ID != "c3" || records[1].ID != "c2" {
		t.Fatalf("order = %s, %s", records[0].ID, records[1].ID)
	}
}
