package services

import (
	"bytes"
	"context"
	"time"

	"github.com/goccy/go-json"
)

// MarketUser is a marketplace account as seen by the gateways
type MarketUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Blocked  bool   `json:"blocked"`
}

// Conversation is a chat room and its participant pair
type Conversation struct {
	ID       string `json:"id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
}

// HasParticipant reports whether userID is the buyer or the seller
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Counterpart returns the other participant
func (c *Conversation) Counterpart(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// ChatMessage is a persisted chat message
type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListingStatus is the status written back to the content backend
type ListingStatus string

const (
	ListingStatusApproved ListingStatus = "approved"
	ListingStatusRejected ListingStatus = "rejected"
)

// ContentBackend is the authoritative store for listings, users and
// conversations. Lookups of missing records return (nil, nil); every other
// failure is returned as an error.
type ContentBackend interface {
	PendingListings(ctx context.Context) ([]PendingListing, error)
	SetListingStatus(ctx context.Context, listingID string, status ListingStatus, reason string) error

	GetUser(ctx context.Context, userID string) (*MarketUser, error)
	// ListUsers gets up to limit users, newest first
	ListUsers(ctx context.Context, limit int) ([]MarketUser, error)
	SetUserBlocked(ctx context.Context, userID string, blocked bool) error
	DeleteUser(ctx context.Context, userID string) error

	// UserByToken verifies a bearer token and returns its user, nil when the token is invalid
	UserByToken(ctx context.Context, token string) (*MarketUser, error)

	GetConversation(ctx context.Context, chatID string) (*Conversation, error)
	CreateMessage(ctx context.Context, chatID, senderID, content string) (*ChatMessage, error)
}

// FlexString decodes a JSON string or number into its text form. Backends
// disagree on whether ids are numeric.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}
