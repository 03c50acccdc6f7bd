package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/godocompany/market-moderation/config"
	"github.com/godocompany/market-moderation/logging"
	"github.com/godocompany/market-moderation/services"
	v1 "github.com/godocompany/market-moderation/v1"
	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {

	// Load the .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file loaded:", err)
	}

	// Read and validate the configuration
	cfg, cfgErr := config.LoadValidated()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("main")
	if cfgErr != nil {
		log.Fatal().Err(cfgErr).Msg("failed to load the configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//================================================================================
	// Connect to the content backend
	//================================================================================

	content, err := newContentBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up the content backend")
	}

	//================================================================================
	// Create all the service instances
	//================================================================================

	store := services.NewSessionStore(cfg.Bot.RootAdminID)
	roster := services.NewRoster(cfg.Bot.Admins, cfg.Bot.Moderators)
	access := &services.AccessService{
		Roster:  roster,
		Limiter: services.NewRateLimiter(cfg.RateLimit.Quota, cfg.RateLimit.Window),
		Log:     logging.Component("access"),
	}
	router := services.NewCommandRouter(access, store, roster, content, logging.Component("router"))
	router.WarnThreshold = cfg.ModerationPolicy.WarnThreshold
	router.BackendTimeout = cfg.BackendTimeout

	// Fill the queue before anything can decide on it
	bootCtx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout)
	pending, err := router.ReloadPending(bootCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("bootstrap load of pending listings failed, starting with an empty queue")
	}

	accountsService := &services.AccountsService{Content: content, Sanctions: store}
	chatService := &services.ChatService{Content: content, Sanctions: store}

	//================================================================================
	// Start the moderation bot
	//================================================================================

	var notifier *services.ModerationNotifier
	if cfg.Bot.Enabled() {
		telegram, err := services.NewTelegramTransport(cfg.Bot.Token, cfg.Bot.SendTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect the moderation bot")
		}
		log.Info().Str("bot", telegram.Username()).Msg("moderation bot connected")

		notifier = &services.ModerationNotifier{
			Transport: telegram,
			Roster:    roster,
			Timeout:   cfg.Bot.SendTimeout,
			Log:       logging.Component("notifier"),
		}
		poller := &services.BotPoller{
			Transport: telegram,
			Router:    router,
			Interval:  cfg.Bot.PollInterval,
			BatchSize: cfg.Bot.BatchSize,
			Log:       logging.Component("bot"),
		}
		go poller.Run(ctx)
		go notifier.AnnounceStartup(ctx, pending)
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, moderation bot disabled")
	}

	intake := &services.ListingIntake{
		Store:    store,
		Notifier: notifier,
		Log:      logging.Component("webhook"),
	}

	//================================================================================
	// Setup the WebSockets server
	//================================================================================

	// Get all of the allowed origins
	allowedOrigins := cfg.AllowedOrigins

	// Create the server
	socketIoServer := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{
				CheckOrigin: checkRequestOrigin(allowedOrigins),
			},
			&websocket.Transport{
				CheckOrigin: checkRequestOrigin(allowedOrigins),
			},
		},
	})

	socketsService := &services.SocketsService{
		AccountsService: accountsService,
		ChatService:     chatService,
		MessageRate:     cfg.Chat.MessageRate,
		MessageBurst:    cfg.Chat.MessageBurst,
		BackendTimeout:  cfg.BackendTimeout,
		Log:             logging.Component("sockets"),
	}
	socketsService.Setup(socketIoServer)

	go func() {
		if err := socketIoServer.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io server stopped")
		}
	}()

	//================================================================================
	// Setup the Gin HTTP router
	//================================================================================

	// Create the Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Configure CORS for the API
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOriginFunc = checkOrigin(allowedOrigins)
	corsCfg.AllowCredentials = true
	corsCfg.AddAllowHeaders("Accept", "User-Agent", "Authorization")
	r.Use(cors.New(corsCfg))

	// Create the API instance
	api := &v1.Server{
		Store:         store,
		Roster:        roster,
		Intake:        intake,
		WebhookSecret: cfg.WebhookSecret,
		Started:       time.Now(),
		Log:           logging.Component("api"),
	}

	// Mount the API routes
	api.Setup(r.Group("v1"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Create a mux to serve both the HTTP and Socket.IO servers
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", socketIoServer)
	mux.Handle("/", r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run the server
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for a shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := socketIoServer.Close(); err != nil {
		log.Error().Err(err).Msg("socket.io shutdown failed")
	}
	intake.Wait()

}

// newContentBackend connects the database when DB_URL is set, and the
// Strapi REST API otherwise
func newContentBackend(cfg *config.AppConfig) (services.ContentBackend, error) {
	if cfg.DatabaseURL == "" {
		return services.NewStrapiContent(
			cfg.StrapiURL,
			cfg.StrapiToken,
			cfg.BackendTimeout,
			logging.Component("strapi"),
		), nil
	}

	// Get the database driver for the database string
	dbDriver := ParseDatabaseDriver(cfg.DatabaseURL)
	if dbDriver == nil {
		return nil, errors.New("unsupported database driver, check the DB_URL environment variable")
	}

	// Create the database connection
	db, err := gorm.Open(dbDriver, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(gormLogLevel()),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	content := &services.GormContent{DB: db, JWTSecret: []byte(cfg.JWTSecret)}

	// Migrate the schema
	if err := content.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return content, nil
}

func gormLogLevel() logger.LogLevel {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		return logger.Info
	}
	return logger.Warn
}

// checkRequestOrigin adapts checkOrigin to the engine.io transports
func checkRequestOrigin(allowedOrigins []string) func(r *http.Request) bool {
	check := checkOrigin(allowedOrigins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || check(origin)
	}
}
