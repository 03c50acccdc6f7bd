package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var errStrapiNotFound = errors.New("strapi: record not found")
var errStrapiUnauthorized = errors.New("strapi: unauthorized")

// StrapiContent is the content backend reached over the CMS REST API
type StrapiContent struct {
	BaseURL  string
	APIToken string
	Client   *http.Client
	Log      zerolog.Logger

	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewStrapiContent creates a REST backend guarded by a circuit breaker so a
// dead CMS fails fast instead of stalling every command behind the timeout
func NewStrapiContent(baseURL, apiToken string, timeout time.Duration, log zerolog.Logger) *StrapiContent {
	s := &StrapiContent{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIToken: apiToken,
		Client:   &http.Client{Timeout: timeout},
		Log:      log,
	}
	s.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "strapi",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errStrapiNotFound) || errors.Is(err, errStrapiUnauthorized)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return s
}

// do performs one API call and returns the response body
func (s *StrapiContent) do(ctx context.Context, method, path string, body interface{}, bearer string) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	if bearer == "" {
		bearer = s.APIToken
	}

	return s.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, errStrapiNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, errStrapiUnauthorized
		case resp.StatusCode >= 300:
			return nil, fmt.Errorf("strapi %s %s: status %d", method, path, resp.StatusCode)
		}
		return data, nil
	})
}

// flattenStrapi removes the {data: {id, attributes}} envelopes of the v4 API so
// the same structs decode v4 and v5 responses
func flattenStrapi(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		for i := range t {
			t[i] = flattenStrapi(t[i])
		}
		return t
	case map[string]interface{}:
		if data, ok := t["data"]; ok && len(t) <= 2 {
			if _, hasMeta := t["meta"]; hasMeta || len(t) == 1 {
				return flattenStrapi(data)
			}
		}
		if attrs, ok := t["attributes"].(map[string]interface{}); ok {
			delete(t, "attributes")
			for k, val := range attrs {
				t[k] = val
			}
		}
		for k, val := range t {
			t[k] = flattenStrapi(val)
		}
		return t
	default:
		return v
	}
}

func decodeStrapi(data []byte, out interface{}) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	flat, err := json.Marshal(flattenStrapi(raw))
	if err != nil {
		return err
	}
	return json.Unmarshal(flat, out)
}

type strapiUser struct {
	ID       FlexString `json:"id"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Phone    string     `json:"phone"`
	Blocked  bool       `json:"blocked"`
}

func (u *strapiUser) toMarket() *MarketUser {
	return &MarketUser{
		ID:       string(u.ID),
		Username: u.Username,
		Email:    u.Email,
		Phone:    u.Phone,
		Blocked:  u.Blocked,
	}
}

type strapiListing struct {
	ID        FlexString  `json:"id"`
	Title     string      `json:"title"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Currency  string      `json:"currency"`
	Category  interface{} `json:"category"`
	Location  string      `json:"location"`
	Seller    *strapiUser `json:"seller"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (l *strapiListing) toPending() PendingListing {
	p := PendingListing{
		ID:         string(l.ID),
		Title:      l.Title,
		Currency:   l.Currency,
		Category:   categoryName(l.Category),
		Location:   l.Location,
		ReceivedAt: l.CreatedAt,
	}
	if p.Title == "" {
		p.Title = l.Name
	}
	if price, err := l.Price.Float64(); err == nil {
		p.Price = price
	}
	if l.Seller != nil {
		p.Seller = SellerSnapshot{
			ID:    string(l.Seller.ID),
			Name:  l.Seller.Username,
			Phone: l.Seller.Phone,
		}
	}
	return p
}

// categoryName accepts a plain category string or a populated relation
func categoryName(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case map[string]interface{}:
		if name, ok := c["name"].(string); ok {
			return name
		}
	}
	return ""
}

type strapiChat struct {
	ID     FlexString  `json:"id"`
	Buyer  *strapiUser `json:"buyer"`
	Seller *strapiUser `json:"seller"`
}

type strapiMessage struct {
	ID        FlexString `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PendingListings gets the listings awaiting moderation
func (s *StrapiContent) PendingListings(ctx context.Context) ([]PendingListing, error) {
	q := url.Values{}
	q.Set("filters[status][$eq]", "pending")
	q.Set("populate[0]", "seller")
	q.Set("populate[1]", "category")
	q.Set("pagination[pageSize]", "100")
	q.Set("sort", "createdAt:asc")

	data, err := s.do(ctx, http.MethodGet, "/api/products?"+q.Encode(), nil, "")
	if err != nil {
		return nil, backendErr("pending listings", err)
	}
	var listings []strapiListing
	if err := decodeStrapi(data, &listings); err != nil {
		return nil, backendErr("decode listings", err)
	}

	out := make([]PendingListing, 0, len(listings))
	for i := range listings {
		out = append(out, listings[i].toPending())
	}
	return out, nil
}

// SetListingStatus writes the decision to the listing
func (s *StrapiContent) SetListingStatus(ctx context.Context, listingID string, status ListingStatus, reason string) error {
	fields := map[string]interface{}{"status": string(status)}
	if reason != "" {
		fields["rejectReason"] = reason
	}
	_, err := s.do(ctx, http.MethodPut, "/api/products/"+url.PathEscape(listingID), map[string]interface{}{"data": fields}, "")
	if errors.Is(err, errStrapiNotFound) {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	return backendErr("set listing status", err)
}

// GetUser gets a user by id
func (s *StrapiContent) GetUser(ctx context.Context, userID string) (*MarketUser, error) {
	data, err := s.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, "")
	if errors.Is(err, errStrapiNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr("get user", err)
	}
	var u strapiUser
	if err := decodeStrapi(data, &u); err != nil {
		return nil, backendErr("decode user", err)
	}
	return u.toMarket(), nil
}

// ListUsers gets the newest users
func (s *StrapiContent) ListUsers(ctx context.Context, limit int) ([]MarketUser, error) {
	q := url.Values{}
	q.Set("sort", "createdAt:desc")
	q.Set("pagination[limit]", strconv.Itoa(limit))

	data, err := s.do(ctx, http.MethodGet, "/api/users?"+q.Encode(), nil, "")
	if err != nil {
		return nil, backendErr("list users", err)
	}
	var users []strapiUser
	if err := decodeStrapi(data, &users); err != nil {
		return nil, backendErr("decode users", err)
	}

	out := make([]MarketUser, 0, len(users))
	for i := range users {
		out = append(out, *users[i].toMarket())
	}
	return out, nil
}

// SetUserBlocked sets the user's blocked flag
func (s *StrapiContent) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	_, err := s.do(ctx, http.MethodPut, "/api/users/"+url.PathEscape(userID), map[string]interface{}{"blocked": blocked}, "")
	if errors.Is(err, errStrapiNotFound) {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return backendErr("set user blocked", err)
}

// DeleteUser deletes a user
func (s *StrapiContent) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(userID), nil, "")
	if errors.Is(err, errStrapiNotFound) {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return backendErr("delete user", err)
}

// UserByToken asks the CMS who owns the token
func (s *StrapiContent) UserByToken(ctx context.Context, token string) (*MarketUser, error) {
	data, err := s.do(ctx, http.MethodGet, "/api/users/me", nil, token)
	if errors.Is(err, errStrapiUnauthorized) || errors.Is(err, errStrapiNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr("verify token", err)
	}
	var u strapiUser
	if err := decodeStrapi(data, &u); err != nil {
		return nil, backendErr("decode user", err)
	}
	if u.ID == "" || u.Blocked {
		return nil, nil
	}
	return u.toMarket(), nil
}

// GetConversation gets a chat and its participants
func (s *StrapiContent) GetConversation(ctx context.Context, chatID string) (*Conversation, error) {
	path := "/api/chats/" + url.PathEscape(chatID) + "?populate[0]=buyer&populate[1]=seller"
	data, err := s.do(ctx, http.MethodGet, path, nil, "")
	if errors.Is(err, errStrapiNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr("get conversation", err)
	}
	var c strapiChat
	if err := decodeStrapi(data, &c); err != nil {
		return nil, backendErr("decode conversation", err)
	}
	conv := &Conversation{ID: string(c.ID)}
	if c.Buyer != nil {
		conv.BuyerID = string(c.Buyer.ID)
	}
	if c.Seller != nil {
		conv.SellerID = string(c.Seller.ID)
	}
	return conv, nil
}

// CreateMessage persists a chat message
func (s *StrapiContent) CreateMessage(ctx context.Context, chatID, senderID, content string) (*ChatMessage, error) {
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"content": content,
			"chat":    relationID(chatID),
			"sender":  relationID(senderID),
		},
	}
	data, err := s.do(ctx, http.MethodPost, "/api/messages", body, "")
	if err != nil {
		return nil, backendErr("create message", err)
	}
	var m strapiMessage
	if err := decodeStrapi(data, &m); err != nil {
		return nil, backendErr("decode message", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return &ChatMessage{
		ID:        string(m.ID),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}, nil
}

// relationID sends numeric ids as numbers, which the CMS expects for relations
func relationID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
