package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore() (*SessionStore, *fakeClock) {
	clock := newFakeClock()
	s := NewSessionStore("root-admin")
	s.Now = clock.Now
	return s, clock
}

func TestSessionStoreEnqueueIsIdempotent(t *testing.T) {
	s, clock := newTestStore()

	if replaced := s.Enqueue(PendingListing{ID: "TEST_001", Title: "Bike"}); replaced {
		t.Fatalf("first enqueue should not report a replacement")
	}
	first, _ := s.Get("TEST_001")

	clock.Advance(time.Minute)
	if replaced := s.Enqueue(PendingListing{ID: "TEST_001", Title: "Bike (edited)"}); !replaced {
		t.Fatalf("second enqueue should report a replacement")
	}
	if s.QueueSize() != 1 {
		t.Fatalf("expected one pending listing, got %d", s.QueueSize())
	}
	got, _ := s.Get("TEST_001")
	if got.Title != "Bike (edited)" {
		t.Fatalf("expected snapshot to be overwritten, got %q", got.Title)
	}
	if !got.ReceivedAt.Equal(first.ReceivedAt) {
		t.Fatalf("expected original receive time to be kept")
	}
}

func TestSessionStoreDecideAtMostOnce(t *testing.T) {
	s, _ := newTestStore()
	s.Enqueue(PendingListing{ID: "L1"})

	if _, err := s.Decide("L1", DecisionRejected); err != nil {
		t.Fatalf("first decision failed: %v", err)
	}
	if _, err := s.Decide("L1", DecisionApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second decision, got %v", err)
	}
	if _, err := s.Decide("missing", DecisionApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	if s.ProcessedToday() != 1 {
		t.Fatalf("expected one processed decision, got %d", s.ProcessedToday())
	}
}

func TestSessionStoreConcurrentDecisions(t *testing.T) {
	s, _ := newTestStore()
	s.Enqueue(PendingListing{ID: "race"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := DecisionApproved
			if i%2 == 0 {
				outcome = DecisionRejected
			}
			if _, err := s.Decide("race", outcome); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one successful decision, got %d", wins.Load())
	}
}

func TestSessionStoreRestoreAndWithdraw(t *testing.T) {
	s, _ := newTestStore()
	s.Enqueue(PendingListing{ID: "L1"})
	l, _ := s.Decide("L1", DecisionApproved)

	s.Restore(l)
	if _, ok := s.Get("L1"); !ok {
		t.Fatalf("expected listing restored")
	}
	if s.ProcessedToday() != 0 {
		t.Fatalf("expected restore to undo the processed count")
	}
	if !s.Withdraw("L1") || s.Withdraw("L1") {
		t.Fatalf("expected withdraw to succeed exactly once")
	}
	if s.ProcessedToday() != 0 {
		t.Fatalf("withdraw is not a decision")
	}
}

func TestSessionStoreProcessedTodayRollsOver(t *testing.T) {
	s, clock := newTestStore()
	s.Enqueue(PendingListing{ID: "a"})
	s.Decide("a", DecisionApproved)
	clock.Advance(24 * time.Hour)
	if s.ProcessedToday() != 0 {
		t.Fatalf("expected counter to reset on a new day")
	}
}

func TestSessionStoreWarnings(t *testing.T) {
	s, _ := newTestStore()
	for i := 1; i <= 3; i++ {
		if got := s.RecordWarning("USER_1"); got != i {
			t.Fatalf("expected count %d, got %d", i, got)
		}
	}
	if prev := s.ClearWarnings("USER_1"); prev != 3 {
		t.Fatalf("expected previous count 3, got %d", prev)
	}
	if s.Warnings("USER_1") != 0 {
		t.Fatalf("expected warnings cleared")
	}
}

func TestSessionStoreBan(t *testing.T) {
	s, _ := newTestStore()

	entry, created, err := s.Ban("USER_1", "spam", "admin")
	if err != nil || !created {
		t.Fatalf("expected ban to be created, got created=%v err=%v", created, err)
	}
	if entry.IssuedBy != "admin" || entry.Reason != "spam" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	again, created, err := s.Ban("USER_1", "other", "admin2")
	if err != nil || created {
		t.Fatalf("expected idempotent ban, got created=%v err=%v", created, err)
	}
	if again.Reason != "spam" {
		t.Fatalf("expected original entry kept, got %+v", again)
	}
	if len(s.Bans()) != 1 {
		t.Fatalf("expected exactly one ban entry")
	}

	if _, _, err := s.Ban("root-admin", "x", "admin"); !errors.Is(err, ErrProtectedIdentity) {
		t.Fatalf("expected root admin to be protected, got %v", err)
	}
	if s.IsBanned("root-admin") {
		t.Fatalf("root admin must never be banned")
	}

	if !s.Unban("USER_1") || s.IsBanned("USER_1") {
		t.Fatalf("expected unban to remove the entry")
	}
}

func TestSessionStorePendingOrderAndReplace(t *testing.T) {
	s, clock := newTestStore()
	s.Enqueue(PendingListing{ID: "b"})
	clock.Advance(time.Second)
	s.Enqueue(PendingListing{ID: "a"})

	pending := s.Pending()
	if len(pending) != 2 || pending[0].ID != "b" || pending[1].ID != "a" {
		t.Fatalf("expected oldest first, got %+v", pending)
	}

	s.ReplacePending([]PendingListing{{ID: "x"}, {ID: "y"}, {ID: "z"}})
	if s.QueueSize() != 3 {
		t.Fatalf("expected replaced queue of 3, got %d", s.QueueSize())
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("expected old entries dropped on replace")
	}

	snap := s.Snapshot()
	if snap.Pending != 3 || snap.Bans != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
