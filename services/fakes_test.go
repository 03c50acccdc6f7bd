package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var errBackendDown = errors.New("connection refused")

// fakeContent is an in-memory ContentBackend
type fakeContent struct {
	mu            sync.Mutex
	listings      map[string]ListingStatus
	reasons       map[string]string
	users         map[string]*MarketUser
	tokens        map[string]string
	conversations map[string]*Conversation
	messages      []*ChatMessage
	pending       []PendingListing

	// fail makes the named operation return a backend error
	fail map[string]bool

	statusCalls int
	blockCalls  int
}

func newFakeContent() *fakeContent {
	return &fakeContent{
		listings:      map[string]ListingStatus{},
		reasons:       map[string]string{},
		users:         map[string]*MarketUser{},
		tokens:        map[string]string{},
		conversations: map[string]*Conversation{},
		fail:          map[string]bool{},
	}
}

func (f *fakeContent) failing(op string) error {
	if f.fail[op] {
		return backendErr(op, errBackendDown)
	}
	return nil
}

func (f *fakeContent) addUser(id string) *MarketUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &MarketUser{ID: id, Username: "user-" + id}
	f.users[id] = u
	return u
}

func (f *fakeContent) setFail(op string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = v
}

func (f *fakeContent) PendingListings(ctx context.Context) ([]PendingListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("pending listings"); err != nil {
		return nil, err
	}
	return append([]PendingListing(nil), f.pending...), nil
}

func (f *fakeContent) SetListingStatus(ctx context.Context, listingID string, status ListingStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if err := f.failing("set listing status"); err != nil {
		return err
	}
	if _, ok := f.listings[listingID]; !ok {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	f.listings[listingID] = status
	f.reasons[listingID] = reason
	return nil
}

func (f *fakeContent) GetUser(ctx context.Context, userID string) (*MarketUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("get user"); err != nil {
		return nil, err
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeContent) ListUsers(ctx context.Context, limit int) ([]MarketUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("list users"); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []MarketUser{}
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		out = append(out, *f.users[id])
	}
	return out, nil
}

func (f *fakeContent) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCalls++
	if err := f.failing("set user blocked"); err != nil {
		return err
	}
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u.Blocked = blocked
	return nil
}

func (f *fakeContent) DeleteUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("delete user"); err != nil {
		return err
	}
	if _, ok := f.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	delete(f.users, userID)
	return nil
}

func (f *fakeContent) UserByToken(ctx context.Context, token string) (*MarketUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("verify token"); err != nil {
		return nil, err
	}
	id, ok := f.tokens[token]
	if !ok {
		return nil, nil
	}
	u, ok := f.users[id]
	if !ok || u.Blocked {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeContent) GetConversation(ctx context.Context, chatID string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("get conversation"); err != nil {
		return nil, err
	}
	c, ok := f.conversations[chatID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContent) CreateMessage(ctx context.Context, chatID, senderID, content string) (*ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing("create message"); err != nil {
		return nil, err
	}
	msg := &ChatMessage{
		ID:        fmt.Sprintf("msg-%d", len(f.messages)+1),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeContent) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}
