package models

import (
	"database/sql"
	"time"
)

// User is a marketplace account
type User struct {
	ID          string `gorm:"primaryKey;size:64"`
	Username    string
	Email       string
	Phone       string
	Blocked     bool
	CreatedDate time.Time
	DeletedDate sql.NullTime
}
