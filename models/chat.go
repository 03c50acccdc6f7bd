package models

import (
	"database/sql"
	"time"
)

// Chat is a buyer-seller conversation about a listing. Exactly two users
// participate in it.
type Chat struct {
	ID          string         `gorm:"primaryKey;size:64"`
	ListingID   sql.NullString `gorm:"size:64;index"`
	BuyerID     string         `gorm:"size:64;index"`
	Buyer       *User
	SellerID    string `gorm:"size:64;index"`
	Seller      *User
	CreatedDate time.Time
	DeletedDate sql.NullTime
}

// HasParticipant reports whether userID is the buyer or the seller
func (c *Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Message is a single persisted chat message
type Message struct {
	ID          string `gorm:"primaryKey;size:36"`
	ChatID      string `gorm:"size:64;index"`
	Chat        *Chat
	SenderID    string `gorm:"size:64"`
	Sender      *User
	Content     string `gorm:"type:text"`
	CreatedDate time.Time
	DeletedDate sql.NullTime
}
