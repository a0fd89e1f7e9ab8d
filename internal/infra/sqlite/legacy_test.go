package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fablehq/fable/internal/domain"
)

func TestAdjustLegacyBalance(t *testing.T) {
	db := newTestDB(t)

	balance, err := db.AdjustLegacyBalance("u1", 100)
	if err != nil {
		t.Fatalf("AdjustLegacyBalance(+100) error: %v", err)
	}
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}

	balance, err = db.AdjustLegacyBalance("u1", -40)
	if err != nil {
		t.Fatalf("AdjustLegacyBalance(-40) error: %v", err)
	}
	if balance != 60 {
		t.Errorf("balance = %d, want 60", balance)
	}
}

func TestAdjustLegacyBalance_Insufficient(t *testing.T) {
	db := newTestDB(t)
	db.AdjustLegacyBalance("u1", 50)

	_, err := db.AdjustLegacyBalance("u1", -60)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("error = %v, want ErrInsufficientBalance", err)
	}

	balance, _ := db.LegacyBalance("u1")
	if balance != 50 {
		t.Errorf("balance = %d, want 50 (unchanged)", balance)
	}
}

func TestSetLegacyBalance_MirrorOverwrite(t *testing.T) {
	db := newTestDB(t)
	db.AdjustLegacyBalance("u1", 10)

	if err := db.SetLegacyBalance("u1", 400); err != nil {
		t.Fatalf("SetLegacyBalance() error: %v", err)
	}
	balance, _ := db.LegacyBalance("u1")
	if balance != 400 {
		t.Errorf("balance = %d, want 400", balance)
	}
}

func TestUpsertSyncStatus(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	// Failure first.
	if err := db.UpsertSyncStatus("u1", now, errors.New("mirror down")); err != nil {
		t.Fatalf("UpsertSyncStatus(err) error: %v", err)
	}
	st, found, _ := db.SyncStatus("u1")
	if !found {
		t.Fatal("status row should exist")
	}
	if st.LastError != "mirror down" {
		t.Errorf("LastError = %q, want %q", st.LastError, "mirror down")
	}
	if !st.LastSyncAt.IsZero() {
		t.Errorf("LastSyncAt = %v, want zero before any success", st.LastSyncAt)
	}

	// Success clears the error.
	if err := db.UpsertSyncStatus("u1", now.Add(time.Minute), nil); err != nil {
		t.Fatalf("UpsertSyncStatus(nil) error: %v", err)
	}
	st, _, _ = db.SyncStatus("u1")
	if st.LastError != "" {
		t.Errorf("LastError = %q, want cleared", st.LastError)
	}
	if st.LastSyncAt.IsZero() {
		t.Error("LastSyncAt should be set after success")
	}
}

func TestSyncStatus_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, found, err := db.SyncStatus("ghost")
	if err != nil {
		t.Fatalf("SyncStatus() error: %v", err)
	}
	if found {
		t.Error("found = true for missing row")
	}
}

func TestListSyncCandidates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// u1 has a canonical balance but no sync row — a candidate.
	db.Append(ctx, earnReq("u1", 50, "k1"))
	// u2 synced after its last balance change — not a candidate.
	db.Append(ctx, earnReq("u2", 50, "k2"))
	db.UpsertSyncStatus("u2", time.Now().Add(time.Minute), nil)
	// u3 errored on its last attempt — a candidate.
	db.Append(ctx, earnReq("u3", 50, "k3"))
	db.UpsertSyncStatus("u3", time.Now().Add(time.Minute), errors.New("boom"))

	users, err := db.ListSyncCandidates(10)
	if err != nil {
		t.Fatalf("ListSyncCandidates() error: %v", err)
	}

	got := make(map[string]bool, len(users))
	for _, u := range users {
		got[u] = true
	}
	if !got["u1"] || !got["u3"] {
		t.Errorf("candidates = %v, want u1 and u3", users)
	}
	if got["u2"] {
		t.Errorf("u2 should not be a candidate, got %v", users)
	}
}
