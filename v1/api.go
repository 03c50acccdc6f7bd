package v1

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/godocompany/market-moderation/services"
	"github.com/godocompany/market-moderation/v1/hooks"
	"github.com/godocompany/market-moderation/v1/middleware"
	"github.com/rs/zerolog"
)

// Server is the API server instance
type Server struct {
	Store         *services.SessionStore
	Roster        *services.Roster
	Intake        *services.ListingIntake
	WebhookSecret string
	Started       time.Time
	Log           zerolog.Logger
}

// Setup mounts the API server to the given group
func (s *Server) Setup(g *gin.RouterGroup) {

	// Register middleware for all routes
	g.Use(middleware.RequestID())

	// Register all of the public hooks that require no authentication
	s.setupPublicHooks(g)

	// Register hooks for the content backend and operators
	s.setupSecretHooks(g)

}

// setupPublicHooks mounts API hooks that are publicly accessible
func (s *Server) setupPublicHooks(g *gin.RouterGroup) {
	g.GET("/health", hooks.Health(s.Started))
}

// setupSecretHooks mounts API hooks that require the shared webhook secret
func (s *Server) setupSecretHooks(g *gin.RouterGroup) {

	// Require the secret for everything in this group
	secret := g.Group("", middleware.RequireSecret(s.WebhookSecret))

	secret.POST("/webhooks/listings", hooks.ListingWebhook(
		s.Intake,
		s.Log,
	))
	secret.GET("/moderation/state", hooks.ModerationState(
		s.Store,
		s.Roster,
	))

}
