package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/godocompany/market-moderation/utils"
)

// ChatUser is the identity bound to an authenticated socket
type ChatUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChatService decides who may read and write in a conversation. Participation
// is always read from the content backend, never cached.
type ChatService struct {
	Content ContentBackend

	// Sanctions is the moderation ledger. Banned users cannot chat.
	Sanctions *SessionStore
}

// GetConversation gets the conversation with the provided id
func (s *ChatService) GetConversation(ctx context.Context, chatID string) (*Conversation, error) {
	conv, err := s.Content.GetConversation(ctx, chatID)
	if err != nil {
		return nil, backendErr("get conversation", err)
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	return conv, nil
}

// IsParticipant loads the conversation and checks the user is its buyer or seller
func (s *ChatService) IsParticipant(ctx context.Context, chatID, userID string) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// ValidateMessage checks a raw message body and returns it cleaned. Empty and
// oversized bodies are rejected, not truncated.
func (s *ChatService) ValidateMessage(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", Rejected("Message cannot be empty.")
	}
	if utf8.RuneCountInString(body) > utils.MaxMessageLength {
		return "", Rejected("Message is too long (max %d characters).", utils.MaxMessageLength)
	}
	body = utils.SanitizeText(body, utils.MaxMessageLength)
	if body == "" {
		return "", Rejected("Message cannot be empty.")
	}
	return body, nil
}

// CanSendMessage determines if a user may post to a conversation right now.
// Participation is checked again here even if the socket already joined.
func (s *ChatService) CanSendMessage(ctx context.Context, chatID string, user *ChatUser) (*Conversation, error) {
	if user == nil {
		return nil, ErrNotAuthenticated
	}

	// Check if the user is banned
	if s.Sanctions != nil && s.Sanctions.IsBanned(user.ID) {
		return nil, Rejected("Your account is blocked.")
	}

	return s.IsParticipant(ctx, chatID, user.ID)
}
