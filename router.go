package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftgate/driftgate/pkg/config"
	"github.com/driftgate/driftgate/pkg/event"
	"github.com/driftgate/driftgate/pkg/gateway"
	"github.com/driftgate/driftgate/pkg/handler"
	"github.com/driftgate/driftgate/pkg/store"
	"github.com/driftgate/driftgate/pkg/utils"
	"github.com/driftgate/driftgate/pkg/vault"
)

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	cfg       *config.AppConfig
	mgr       *gateway.Manager
	port      int
}

func NewServer(cfg *config.AppConfig, st store.Store) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: the gateway binds locally, so only localhost dev
	// origins are acceptable.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			allowed := strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1")
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-User-ID, X-Vault-Token")
			} else {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		cfg:       cfg,
	}
	server.SetupRoutes(st)
	return server
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), s.cfg.Port())
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	go func() {
		<-ctx.Done()
		s.mgr.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("gateway listening", "addr", addr)
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

func (s *Server) SetupRoutes(st store.Store) {
	vaultService := vault.NewService(st, time.Duration(s.cfg.TokenTTLMinutes())*time.Minute)
	s.mgr = gateway.NewManager(st, vaultService, s.cfg.AllowedHosts())

	vaultHandler := handler.NewVaultHandler(vaultService, s.logger)
	hostHandler := handler.NewHostHandler(st, s.logger)
	sessionHandler := handler.NewSessionHandler(s.mgr, s.logger)
	fsHandler := handler.NewFSHandler(s.mgr, s.logger)
	execHandler := handler.NewExecHandler(s.mgr, s.logger)
	eventsHandler := event.NewWSHandler()

	apiGroup := s.ginEngine.Group("/api")

	// Vault lifecycle and secrets
	// /api/vault
	vaultGroup := apiGroup.Group("/vault")
	{
		vaultGroup.POST("/init", vaultHandler.Init)
		vaultGroup.POST("/unlock", vaultHandler.Unlock)
		vaultGroup.POST("/recover", vaultHandler.Recover)
		vaultGroup.POST("/lock", vaultHandler.Lock)
		vaultGroup.GET("/status", vaultHandler.Status)
		vaultGroup.GET("/secrets", vaultHandler.ListSecrets)
		vaultGroup.PUT("/secrets/:id", vaultHandler.PutSecret)
		vaultGroup.DELETE("/secrets/:id", vaultHandler.DeleteSecret)
	}

	// Saved SSH destinations
	// /api/hosts
	hostsGroup := apiGroup.Group("/hosts")
	{
		hostsGroup.GET("", hostHandler.List)
		hostsGroup.POST("", hostHandler.Create)
		hostsGroup.GET(":id", hostHandler.Get)
		hostsGroup.PUT(":id", hostHandler.Update)
		hostsGroup.DELETE(":id", hostHandler.Delete)
	}

	// SSH sessions and their attached services
	// /api/sessions
	sessionsGroup := apiGroup.Group("/sessions")
	{
		sessionsGroup.POST("", sessionHandler.Create)
		sessionsGroup.GET("", sessionHandler.List)
		sessionsGroup.DELETE(":id", sessionHandler.Close)
		sessionsGroup.POST(":id/resize", sessionHandler.Resize)
		sessionsGroup.GET(":id/ws", sessionHandler.Attach)

		sessionsGroup.GET(":id/fs/list", fsHandler.List)
		sessionsGroup.GET(":id/fs/stat", fsHandler.Stat)
		sessionsGroup.GET(":id/fs/preview", fsHandler.Preview)
		sessionsGroup.GET(":id/fs/download", fsHandler.Download)
		sessionsGroup.POST(":id/fs/upload", fsHandler.Upload)
		sessionsGroup.POST(":id/fs/mkdir", fsHandler.Mkdir)
		sessionsGroup.POST(":id/fs/rename", fsHandler.Rename)
		sessionsGroup.POST(":id/fs/delete", fsHandler.Delete)

		sessionsGroup.POST(":id/exec", execHandler.Run)
		sessionsGroup.POST(":id/exec/stream", execHandler.Stream)
		sessionsGroup.GET(":id/exec/ws", execHandler.Interactive)
	}

	// Lifecycle event notifications
	// /api/events/ws
	apiGroup.GET("/events/ws", eventsHandler.Handle)
}
