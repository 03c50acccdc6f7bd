package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type strapiCall struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]interface{}
}

type fakeStrapi struct {
	mu    sync.Mutex
	calls []strapiCall
	down  bool
}

func (f *fakeStrapi) last() strapiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeStrapi) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStrapi) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *fakeStrapi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := strapiCall{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		json.Unmarshal(data, &call.body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	down := f.down
	f.mu.Unlock()

	if down {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/products":
		io.WriteString(w, `{"data":[{"id":11,"attributes":{"title":"Bike","price":120.5,"currency":"USD",
			"category":{"data":{"id":1,"attributes":{"name":"Sports"}}},
			"seller":{"data":{"id":7,"attributes":{"username":"seller","phone":"+100"}}},
			"createdAt":"2026-10-16T10:00:00Z"}}],"meta":{"pagination":{"total":1}}}`)
	case r.URL.Path == "/api/products/11":
		io.WriteString(w, `{"data":{"id":11,"attributes":{"status":"approved"}},"meta":{}}`)
	case r.URL.Path == "/api/users/me":
		if call.auth != "Bearer user-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"id":8,"username":"buyer","blocked":false}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/users":
		io.WriteString(w, `[{"id":9,"username":"newest","blocked":true},{"id":7,"username":"seller","blocked":false}]`)
	case r.URL.Path == "/api/users/7":
		io.WriteString(w, `{"id":7,"username":"seller","email":"s@example.com","blocked":false}`)
	case r.URL.Path == "/api/chats/42":
		io.WriteString(w, `{"data":{"id":42,"attributes":{
			"buyer":{"data":{"id":8,"attributes":{"username":"buyer"}}},
			"seller":{"data":{"id":7,"attributes":{"username":"seller"}}}}},"meta":{}}`)
	case r.Method == http.MethodPost && r.URL.Path == "/api/messages":
		io.WriteString(w, `{"data":{"id":900,"attributes":{"content":"hello","createdAt":"2026-10-16T12:00:00Z"}},"meta":{}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newStrapiFixture(t *testing.T) (*StrapiContent, *fakeStrapi) {
	t.Helper()
	fake := &fakeStrapi{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewStrapiContent(srv.URL+"/", "api-token", 5*time.Second, zerolog.Nop()), fake
}

func TestStrapiPendingListingsFlattensEnvelopes(t *testing.T) {
	s, fake := newStrapiFixture(t)

	listings, err := s.PendingListings(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected one listing, got %d", len(listings))
	}
	l := listings[0]
	if l.ID != "11" || l.Title != "Bike" || l.Price != 120.5 || l.Category != "Sports" {
		t.Fatalf("unexpected listing %+v", l)
	}
	if l.Seller.ID != "7" || l.Seller.Name != "seller" {
		t.Fatalf("unexpected seller %+v", l.Seller)
	}
	if fake.last().auth != "Bearer api-token" {
		t.Fatalf("expected API token, got %q", fake.last().auth)
	}
}

func TestStrapiSetListingStatus(t *testing.T) {
	s, fake := newStrapiFixture(t)
	ctx := context.Background()

	if err := s.SetListingStatus(ctx, "11", ListingStatusRejected, "duplicate"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := fake.last()
	data, _ := call.body["data"].(map[string]interface{})
	if call.method != http.MethodPut || data["status"] != "rejected" || data["rejectReason"] != "duplicate" {
		t.Fatalf("unexpected call %+v", call)
	}

	if err := s.SetListingStatus(ctx, "12", ListingStatusApproved, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStrapiUsers(t *testing.T) {
	s, _ := newStrapiFixture(t)
	ctx := context.Background()

	u, err := s.GetUser(ctx, "7")
	if err != nil || u == nil || u.Email != "s@example.com" {
		t.Fatalf("unexpected user %v, %v", u, err)
	}
	if u, err := s.GetUser(ctx, "404"); u != nil || err != nil {
		t.Fatalf("expected (nil, nil), got %v, %v", u, err)
	}
	if err := s.SetUserBlocked(ctx, "404", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	me, err := s.UserByToken(ctx, "user-token")
	if err != nil || me == nil || me.ID != "8" {
		t.Fatalf("expected user 8, got %v, %v", me, err)
	}
	if me, err := s.UserByToken(ctx, "bad-token"); me != nil || err != nil {
		t.Fatalf("expected (nil, nil) for a rejected token, got %v, %v", me, err)
	}
}

func TestStrapiListUsers(t *testing.T) {
	s, fake := newStrapiFixture(t)

	users, err := s.ListUsers(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 || users[0].ID != "9" || !users[0].Blocked || users[1].Username != "seller" {
		t.Fatalf("unexpected users %+v", users)
	}
	query, _ := url.ParseQuery(fake.last().query)
	if query.Get("sort") != "createdAt:desc" || query.Get("pagination[limit]") != "5" {
		t.Fatalf("unexpected query %q", fake.last().query)
	}

	fake.setDown(true)
	if _, err := s.ListUsers(context.Background(), 5); ErrorKind(err) != KindBackend {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestStrapiConversationAndMessage(t *testing.T) {
	s, fake := newStrapiFixture(t)
	ctx := context.Background()

	conv, err := s.GetConversation(ctx, "42")
	if err != nil || conv == nil {
		t.Fatalf("unexpected %v, %v", conv, err)
	}
	if conv.BuyerID != "8" || conv.SellerID != "7" {
		t.Fatalf("unexpected participants %+v", conv)
	}

	msg, err := s.CreateMessage(ctx, "42", "8", "hello")
	if err != nil || msg.ID != "900" {
		t.Fatalf("unexpected message %v, %v", msg, err)
	}
	data, _ := fake.last().body["data"].(map[string]interface{})
	if data["chat"] != float64(42) || data["sender"] != float64(8) {
		t.Fatalf("expected numeric relations, got %+v", data)
	}
}

func TestStrapiBreakerOpensAfterFailures(t *testing.T) {
	s, fake := newStrapiFixture(t)
	fake.setDown(true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.GetUser(ctx, "7"); err == nil {
			t.Fatalf("expected failure")
		}
	}
	before := fake.count()
	_, err := s.GetUser(ctx, "7")
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if fake.count() != before {
		t.Fatalf("open breaker must not reach the server")
	}
	if ErrorKind(err) != KindBackend {
		t.Fatalf("expected backend kind, got %q", ErrorKind(err))
	}
}
