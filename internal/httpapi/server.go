package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumenapps/creditledger/internal/obs"
	"github.com/lumenapps/creditledger/internal/sessioncache"
	"github.com/lumenapps/creditledger/pkg/ledger"
)

// Server is the HTTP façade over the ledger service.
type Server struct {
	config   Config
	logger   *zap.Logger
	service  *ledger.Service
	sessions *sessioncache.Sessions
	metrics  *obs.Metrics
}

// NewServer wires the façade.
func NewServer(config Config, logger *zap.Logger, service *ledger.Service, sessions *sessioncache.Sessions, metrics *obs.Metrics) *Server {
	return &Server{
		config:   config.withDefaults(),
		logger:   logger,
		service:  service,
		sessions: sessions,
		metrics:  metrics,
	}
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if server.metrics != nil {
		router.Use(server.metrics.GinMiddleware())
	}
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.metrics != nil {
		router.GET("/metrics", gin.WrapH(server.metrics.Handler()))
	}

	router.POST("/api/signup", server.handleSignup)
	router.POST("/api/login", server.handleLogin)
	router.GET("/api/referral/claim", server.handleReferralClaim)

	api := router.Group("/api")
	api.Use(server.sessionMiddleware())

	api.GET("/session", server.handleSession)
	api.POST("/logout", server.handleLogout)
	api.GET("/wallet", server.handleWallet)
	api.GET("/transactions", server.handleTransactions)
	api.POST("/consume", server.handleConsume)
	api.GET("/packages", server.handlePackages)
	api.POST("/purchases", server.handlePurchasePackage)
	api.POST("/invitations", server.handleCreateInvitation)
	api.GET("/invitations", server.handleListInvitations)
	api.POST("/invitations/accept", server.handleAcceptInvitation)
	api.GET("/marketplace", server.handleMarketplace)
	api.POST("/marketplace/purchase", server.handleMarketplacePurchase)

	admin := api.Group("/admin")
	admin.Use(server.requireRole("admin"))
	admin.GET("/settings", server.handleListSettings)
	admin.PUT("/settings", server.handleUpdateSetting)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
