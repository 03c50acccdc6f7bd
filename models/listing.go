package models

import (
	"database/sql"
	"time"
)

// Listing statuses
const (
	ListingPending  = "pending"
	ListingApproved = "approved"
	ListingRejected = "rejected"
)

// Listing is a classifieds submission
type Listing struct {
	ID           string `gorm:"primaryKey;size:64"`
	Title        string
	Price        float64
	Currency     string `gorm:"size:8"`
	Category     string
	Location     string
	Status       string `gorm:"size:16;index"`
	RejectReason sql.NullString
	SellerID     string `gorm:"size:64;index"`
	Seller       *User
	CreatedDate  time.Time
	UpdatedDate  time.Time
	DeletedDate  sql.NullTime
}
