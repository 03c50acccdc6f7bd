package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/godocompany/market-moderation/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormContent is the content backend reached directly through the shared database
type GormContent struct {
	DB *gorm.DB

	// JWTSecret verifies HS256 bearer tokens issued by the marketplace
	JWTSecret []byte
}

// Migrate creates the tables the gateway reads and writes
func (s *GormContent) Migrate() error {
	return s.DB.AutoMigrate(
		&models.User{},
		&models.Listing{},
		&models.Chat{},
		&models.Message{},
	)
}

// PendingListings gets every listing still waiting for a decision
func (s *GormContent) PendingListings(ctx context.Context) ([]PendingListing, error) {
	var listings []*models.Listing
	err := s.DB.WithContext(ctx).
		Preload("Seller").
		Where("deleted_date IS NULL").
		Where("status = ?", models.ListingPending).
		Order("created_date ASC").
		Find(&listings).
		Error
	if err != nil {
		return nil, backendErr("pending listings", err)
	}

	out := make([]PendingListing, 0, len(listings))
	for _, l := range listings {
		out = append(out, pendingFromModel(l))
	}
	return out, nil
}

func pendingFromModel(l *models.Listing) PendingListing {
	p := PendingListing{
		ID:         l.ID,
		Title:      l.Title,
		Price:      l.Price,
		Currency:   l.Currency,
		Category:   l.Category,
		Location:   l.Location,
		Seller:     SellerSnapshot{ID: l.SellerID},
		ReceivedAt: l.CreatedDate,
	}
	if l.Seller != nil {
		p.Seller.Name = l.Seller.Username
		p.Seller.Phone = l.Seller.Phone
	}
	return p
}

// SetListingStatus writes a moderation decision back to the listing
func (s *GormContent) SetListingStatus(ctx context.Context, listingID string, status ListingStatus, reason string) error {
	updates := map[string]interface{}{
		"status":       string(status),
		"updated_date": time.Now().UTC(),
	}
	if reason != "" {
		updates["reject_reason"] = sql.NullString{Valid: true, String: reason}
	}

	res := s.DB.WithContext(ctx).
		Model(&models.Listing{}).
		Where("deleted_date IS NULL").
		Where("id = ?", listingID).
		Updates(updates)
	if res.Error != nil {
		return backendErr("set listing status", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
	}
	return nil
}

// GetUser gets the user with the provided id
func (s *GormContent) GetUser(ctx context.Context, userID string) (*MarketUser, error) {
	var user models.User
	err := s.DB.WithContext(ctx).
		Where("deleted_date IS NULL").
		Where("id = ?", userID).
		First(&user).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, backendErr("get user", err)
	}
	return &MarketUser{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Phone:    user.Phone,
		Blocked:  user.Blocked,
	}, nil
}

// ListUsers gets the newest users
func (s *GormContent) ListUsers(ctx context.Context, limit int) ([]MarketUser, error) {
	var users []*models.User
	err := s.DB.WithContext(ctx).
		Where("deleted_date IS NULL").
		Order("created_date DESC").
		Limit(limit).
		Find(&users).
		Error
	if err != nil {
		return nil, backendErr("list users", err)
	}

	out := make([]MarketUser, 0, len(users))
	for _, u := range users {
		out = append(out, MarketUser{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Phone:    u.Phone,
			Blocked:  u.Blocked,
		})
	}
	return out, nil
}

// SetUserBlocked sets the user's block flag
func (s *GormContent) SetUserBlocked(ctx context.Context, userID string, blocked bool) error {
	res := s.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("deleted_date IS NULL").
		Where("id = ?", userID).
		Update("blocked", blocked)
	if res.Error != nil {
		return backendErr("set user blocked", res.Error)
	}
	if res.RowsAffected == 0 {
		// Updating to the current value affects no rows on some drivers
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
	}
	return nil
}

// DeleteUser marks the user as deleted
func (s *GormContent) DeleteUser(ctx context.Context, userID string) error {
	res := s.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("deleted_date IS NULL").
		Where("id = ?", userID).
		Update("deleted_date", time.Now().UTC())
	if res.Error != nil {
		return backendErr("delete user", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// UserByToken verifies an HS256 token and loads its user. Invalid tokens and
// blocked or deleted users yield (nil, nil).
func (s *GormContent) UserByToken(ctx context.Context, token string) (*MarketUser, error) {
	if len(s.JWTSecret) == 0 {
		return nil, backendErr("verify token", errors.New("no JWT secret configured"))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.JWTSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, nil
	}

	userID := claimString(claims["id"])
	if userID == "" {
		userID = claimString(claims["sub"])
	}
	if userID == "" {
		return nil, nil
	}

	user, err := s.GetUser(ctx, userID)
	if err != nil || user == nil {
		return nil, err
	}
	if user.Blocked {
		return nil, nil
	}
	return user, nil
}

// claimString renders a numeric or string claim as an id
func claimString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}

// GetConversation gets the chat with the provided id
func (s *GormContent) GetConversation(ctx context.Context, chatID string) (*Conversation, error) {
	var chat models.Chat
	err := s.DB.WithContext(ctx).
		Where("deleted_date IS NULL").
		Where("id = ?", chatID).
		First(&chat).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, backendErr("get conversation", err)
	}
	return &Conversation{
		ID:       chat.ID,
		BuyerID:  chat.BuyerID,
		SellerID: chat.SellerID,
	}, nil
}

// CreateMessage persists a chat message
func (s *GormContent) CreateMessage(ctx context.Context, chatID, senderID, content string) (*ChatMessage, error) {
	msg := models.Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		CreatedDate: time.Now().UTC(),
	}
	if err := s.DB.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, backendErr("create message", err)
	}
	return &ChatMessage{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedDate,
	}, nil
}
