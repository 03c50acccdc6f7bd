package services

import (
	"sort"
	"sync"
	"time"
)

// SellerSnapshot is the seller as seen when the listing was queued
type SellerSnapshot struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// PendingListing is a marketplace submission awaiting a decision
type PendingListing struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Price      float64        `json:"price"`
	Currency   string         `json:"currency"`
	Category   string         `json:"category"`
	Location   string         `json:"location"`
	Seller     SellerSnapshot `json:"seller"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Decision is the outcome of a moderation decision
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// BannedUser is a ban entry in the sanction ledger
type BannedUser struct {
	TargetID  string    `json:"target_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	IssuedBy  string    `json:"issued_by"`
}

// SystemIssuer attributes automatic sanctions
const SystemIssuer = "system"

// StoreSnapshot summarizes the store for status reporting
type StoreSnapshot struct {
	Pending        int `json:"pending"`
	ProcessedToday int `json:"processed_today"`
	Bans           int `json:"bans"`
	WarnedUsers    int `json:"warned_users"`
}

// SessionStore is the in-memory holder of pending listings and sanctions for
// the lifetime of the process. Every mutation goes through its methods.
type SessionStore struct {
	// RootAdminID can never be banned
	RootAdminID string

	// Now is the clock, replaceable in tests
	Now func() time.Time

	mut            sync.Mutex
	pending        map[string]*PendingListing
	bans           map[string]*BannedUser
	warnings       map[string]int
	processedToday int
	processedDay   string
}

// NewSessionStore creates an empty store
func NewSessionStore(rootAdminID string) *SessionStore {
	return &SessionStore{
		RootAdminID: rootAdminID,
		Now:         time.Now,
		pending:     map[string]*PendingListing{},
		bans:        map[string]*BannedUser{},
		warnings:    map[string]int{},
	}
}

// Enqueue adds a listing to the queue. Re-enqueuing a pending id overwrites
// its snapshot. It reports whether the id was already pending.
func (s *SessionStore) Enqueue(l PendingListing) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	existing, replaced := s.pending[l.ID]
	if l.ReceivedAt.IsZero() {
		if replaced {
			l.ReceivedAt = existing.ReceivedAt
		} else {
			l.ReceivedAt = s.Now()
		}
	}
	s.pending[l.ID] = &l
	pendingListings.Set(float64(len(s.pending)))
	return replaced
}

// Decide removes a pending listing. A second decision on the same id finds
// nothing and returns ErrNotFound, so at most one decision ever succeeds.
func (s *SessionStore) Decide(id string, outcome Decision) (PendingListing, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	l, ok := s.pending[id]
	if !ok {
		return PendingListing{}, ErrNotFound
	}
	delete(s.pending, id)
	pendingListings.Set(float64(len(s.pending)))
	s.countProcessed()
	return *l, nil
}

// Restore puts a decided listing back after the backend failed to record the
// decision. An id enqueued again in the meantime keeps the newer snapshot.
func (s *SessionStore) Restore(l PendingListing) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, ok := s.pending[l.ID]; ok {
		return
	}
	s.pending[l.ID] = &l
	pendingListings.Set(float64(len(s.pending)))
	if s.processedToday > 0 {
		s.processedToday--
	}
}

// Withdraw drops a listing that was deleted upstream. It is not a decision.
func (s *SessionStore) Withdraw(id string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	pendingListings.Set(float64(len(s.pending)))
	return true
}

// ReplacePending rebuilds the queue from a backend snapshot
func (s *SessionStore) ReplacePending(listings []PendingListing) {
	s.mut.Lock()
	defer s.mut.Unlock()

	now := s.Now()
	s.pending = make(map[string]*PendingListing, len(listings))
	for i := range listings {
		l := listings[i]
		if l.ReceivedAt.IsZero() {
			l.ReceivedAt = now
		}
		s.pending[l.ID] = &l
	}
	pendingListings.Set(float64(len(s.pending)))
}

// Get returns a pending listing
func (s *SessionStore) Get(id string) (PendingListing, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	l, ok := s.pending[id]
	if !ok {
		return PendingListing{}, false
	}
	return *l, true
}

// Pending returns the queue, oldest first
func (s *SessionStore) Pending() []PendingListing {
	s.mut.Lock()
	out := make([]PendingListing, 0, len(s.pending))
	for _, l := range s.pending {
		out = append(out, *l)
	}
	s.mut.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// QueueSize returns the number of pending listings
func (s *SessionStore) QueueSize() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.pending)
}

// ProcessedToday returns the decisions made since local midnight
func (s *SessionStore) ProcessedToday() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.rollDay()
	return s.processedToday
}

// RecordWarning increments and returns the target's warning count
func (s *SessionStore) RecordWarning(targetID string) int {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.warnings[targetID]++
	return s.warnings[targetID]
}

// ClearWarnings resets the target's warnings and returns the previous count
func (s *SessionStore) ClearWarnings(targetID string) int {
	s.mut.Lock()
	defer s.mut.Unlock()
	prev := s.warnings[targetID]
	delete(s.warnings, targetID)
	return prev
}

// Warnings returns the target's warning count
func (s *SessionStore) Warnings(targetID string) int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.warnings[targetID]
}

// Ban records a ban entry. Banning an already banned id returns the existing
// entry with created=false. The root admin can never be banned.
func (s *SessionStore) Ban(targetID, reason, issuedBy string) (entry BannedUser, created bool, err error) {
	if targetID == "" {
		return BannedUser{}, false, ErrNotFound
	}
	if s.RootAdminID != "" && targetID == s.RootAdminID {
		return BannedUser{}, false, ErrProtectedIdentity
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	if existing, ok := s.bans[targetID]; ok {
		return *existing, false, nil
	}
	b := &BannedUser{
		TargetID:  targetID,
		Reason:    reason,
		Timestamp: s.Now(),
		IssuedBy:  issuedBy,
	}
	s.bans[targetID] = b
	return *b, true, nil
}

// Unban removes a ban entry and reports whether one existed
func (s *SessionStore) Unban(targetID string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.bans[targetID]; !ok {
		return false
	}
	delete(s.bans, targetID)
	return true
}

// BanOf returns the target's ban entry
func (s *SessionStore) BanOf(targetID string) (BannedUser, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	b, ok := s.bans[targetID]
	if !ok {
		return BannedUser{}, false
	}
	return *b, true
}

// IsBanned reports whether the target has a ban entry
func (s *SessionStore) IsBanned(targetID string) bool {
	_, ok := s.BanOf(targetID)
	return ok
}

// Bans returns all ban entries, oldest first
func (s *SessionStore) Bans() []BannedUser {
	s.mut.Lock()
	out := make([]BannedUser, 0, len(s.bans))
	for _, b := range s.bans {
		out = append(out, *b)
	}
	s.mut.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Snapshot summarizes the store
func (s *SessionStore) Snapshot() StoreSnapshot {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.rollDay()
	return StoreSnapshot{
		Pending:        len(s.pending),
		ProcessedToday: s.processedToday,
		Bans:           len(s.bans),
		WarnedUsers:    len(s.warnings),
	}
}

// countProcessed must be called with mut held
func (s *SessionStore) countProcessed() {
	s.rollDay()
	s.processedToday++
}

// rollDay resets the processed counter when the day changes. Must be called with mut held.
func (s *SessionStore) rollDay() {
	day := s.Now().Format("2006-01-02")
	if day != s.processedDay {
		s.processedDay = day
		s.processedToday = 0
	}
}
