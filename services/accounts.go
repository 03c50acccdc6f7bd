package services

import (
	"context"

	"github.com/godocompany/market-moderation/utils"
)

// AccountsService resolves marketplace accounts for the chat gateway. This is
// user access to conversations, and is unrelated to the moderation roster.
type AccountsService struct {
	Content   ContentBackend
	Sanctions *SessionStore
}

// GetUserByToken verifies a bearer token and returns the account it belongs to.
// Malformed and unknown tokens, blocked accounts and banned accounts all come
// back as ErrNotAuthenticated.
func (s *AccountsService) GetUserByToken(ctx context.Context, raw string) (*ChatUser, error) {

	// Reject anything that does not look like a token before calling out
	token, ok := utils.SanitizeToken(raw)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	// Verify the token against the identity store
	user, err := s.Content.UserByToken(ctx, token)
	if err != nil {
		return nil, backendErr("verify token", err)
	}
	if user == nil || user.Blocked {
		return nil, ErrNotAuthenticated
	}

	// Users banned through the bot may still hold valid tokens
	if s.Sanctions != nil && s.Sanctions.IsBanned(user.ID) {
		return nil, ErrNotAuthenticated
	}

	name := utils.SanitizeText(user.Username, utils.MaxButtonLength)
	if name == "" {
		name = "user"
	}
	return &ChatUser{ID: user.ID, Username: name}, nil
}
