// Package control is the optional session ledger REST+websocket surface
// (cmd/transit-monitor), built on gin + gorm + jwt + websocket, scoped to
// what a transit.Transit can report through the Recorder hook: session
// history and live connect/close events. internal/transit never imports
// this package.
package control

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/unicornultrafoundation/transit/internal/config"
	"github.com/unicornultrafoundation/transit/internal/ledger"
)

// Server is the session ledger's management HTTP server.
type Server struct {
	db        *gorm.DB
	router    *gin.Engine
	hub       *hub
	jwtSecret string
	config    *config.MonitorConfig
	log       *slog.Logger
}

// New creates a Server, opening its database and ensuring the default
// admin user exists.
func New(cfg *config.MonitorConfig, log *slog.Logger) (*Server, error) {
	db, err := ledger.InitDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := db.AutoMigrate(&adminUser{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	srv := &Server{
		db:        db,
		jwtSecret: cfg.JWTSecret,
		config:    cfg,
		log:       log,
	}
	if err := srv.ensureAdminUser(cfg.Admin.Username, cfg.Admin.Password); err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	srv.router = router
	srv.hub = newHub(log)
	srv.setupRoutes(router)

	return srv, nil
}

// Recorder returns a transit.Recorder that both persists sessions to the
// ledger and pushes live events to connected dashboards.
func (s *Server) Recorder() *liveRecorder {
	return newLiveRecorder(ledger.NewRecorder(s.db), s.hub)
}

// Run starts the HTTP server, blocking until it exits.
func (s *Server) Run() error {
	s.log.Info("control server starting", "listen", s.config.Listen)
	return s.router.Run(s.config.Listen)
}

func (s *Server) ensureAdminUser(username, password string) error {
	var count int64
	s.db.Model(&adminUser{}).Count(&count)
	if count > 0 {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.db.Create(&adminUser{Username: username, Password: hash}).Error
}

// adminUser is the single-table admin account store, separate from
// ledger.Session since it's an auth concern, not a Transit observation.
type adminUser struct {
	ID        uint   `gorm:"primarykey"`
	Username  string `gorm:"uniqueIndex;not null"`
	Password  string `gorm:"not null"`
	CreatedAt time.Time
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
