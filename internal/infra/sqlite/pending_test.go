package sqlite

import (
	"testing"
	"time"

	"github.com/fablehq/fable/internal/domain"
)

func pendingReq(userID string, amount int64, key string) PendingRequest {
	return PendingRequest{
		UserID:       userID,
		RequestID:    key,
		Amount:       amount,
		ReasonCode:   "post_published",
		WouldIssueAt: time.Now().UTC(),
	}
}

func TestInsertPendingReward(t *testing.T) {
	db := newTestDB(t)

	pr, replayed, err := db.InsertPendingReward(pendingReq("u1", 50, "k1"))
	if err != nil {
		t.Fatalf("InsertPendingReward() error: %v", err)
	}
	if replayed {
		t.Error("first insert should not be a replay")
	}
	if pr.Status != domain.PendingOpen {
		t.Errorf("status = %q, want pending", pr.Status)
	}
	if pr.ID <= 0 {
		t.Errorf("id = %d, want > 0", pr.ID)
	}
}

func TestInsertPendingReward_Idempotent(t *testing.T) {
	db := newTestDB(t)

	first, _, _ := db.InsertPendingReward(pendingReq("u1", 50, "K"))
	second, replayed, err := db.InsertPendingReward(pendingReq("u1", 50, "K"))
	if err != nil {
		t.Fatalf("duplicate insert error: %v", err)
	}
	if !replayed {
		t.Error("duplicate key should report replay")
	}
	if second.ID != first.ID {
		t.Errorf("replay ID = %d, want %d", second.ID, first.ID)
	}

	total, _ := db.PendingTotal("u1")
	if total != 50 {
		t.Errorf("pending total = %d, want 50 (no double record)", total)
	}
}

func TestPendingTotal_OnlyOpenRows(t *testing.T) {
	db := newTestDB(t)

	a, _, _ := db.InsertPendingReward(pendingReq("u1", 50, "k1"))
	db.InsertPendingReward(pendingReq("u1", 30, "k2"))
	db.InsertPendingReward(pendingReq("u2", 999, "k3"))

	if err := db.MarkPendingStatus(a.ID, domain.PendingIssued); err != nil {
		t.Fatalf("MarkPendingStatus() error: %v", err)
	}

	total, err := db.PendingTotal("u1")
	if err != nil {
		t.Fatalf("PendingTotal() error: %v", err)
	}
	if total != 30 {
		t.Errorf("pending total = %d, want 30 (issued rows excluded)", total)
	}
}

func TestMarkPendingStatus_TerminalStates(t *testing.T) {
	db := newTestDB(t)
	pr, _, _ := db.InsertPendingReward(pendingReq("u1", 50, "k1"))

	if err := db.MarkPendingStatus(pr.ID, domain.PendingIssued); err != nil {
		t.Fatalf("first transition error: %v", err)
	}
	// Issued is terminal: a second transition must fail.
	if err := db.MarkPendingStatus(pr.ID, domain.PendingExpired); err == nil {
		t.Error("transition from issued should fail")
	}
}

func TestExpirePendingBefore(t *testing.T) {
	db := newTestDB(t)
	db.InsertPendingReward(pendingReq("u1", 50, "k1"))
	db.InsertPendingReward(pendingReq("u1", 30, "k2"))

	n, err := db.ExpirePendingBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpirePendingBefore() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expired = %d, want 2", n)
	}

	total, _ := db.PendingTotal("u1")
	if total != 0 {
		t.Errorf("pending total = %d, want 0 after expiry", total)
	}

	// Nothing left to expire.
	n, _ = db.ExpirePendingBefore(time.Now().Add(time.Hour))
	if n != 0 {
		t.Errorf("second expiry = %d, want 0", n)
	}
}

func TestListOpenPending_OldestFirst(t *testing.T) {
	db := newTestDB(t)
	db.InsertPendingReward(pendingReq("u1", 10, "k1"))
	db.InsertPendingReward(pendingReq("u2", 20, "k2"))

	open, err := db.ListOpenPending(10)
	if err != nil {
		t.Fatalf("ListOpenPending() error: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open count = %d, want 2", len(open))
	}
	if open[0].Amount != 10 {
		t.Errorf("first amount = %d, want 10 (oldest first)", open[0].Amount)
	}
}
