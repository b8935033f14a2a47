// Package api serves the node's admin REST and WebSocket interface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unicornultrafoundation/kadnet/internal/client"
	"github.com/unicornultrafoundation/kadnet/internal/config"
	"github.com/unicornultrafoundation/kadnet/internal/events"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
	"github.com/unicornultrafoundation/kadnet/internal/routing"
)

// Server is the admin API for one node.
type Server struct {
	cfg          config.APIConfig
	passwordHash string
	client       *client.Client
	table        *routing.Table
	manager      *routing.Manager
	bus          *events.Bus
	log          *slog.Logger
	http         *http.Server
}

// New builds the API server; it does not listen yet.
func New(cfg config.APIConfig, cl *client.Client, table *routing.Table, manager *routing.Manager, bus *events.Bus, log *slog.Logger) (*Server, error) {
	hash, err := HashPassword(cfg.Password)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:          cfg,
		passwordHash: hash,
		client:       cl,
		table:        table,
		manager:      manager,
		bus:          bus,
		log:          log.With("component", "api"),
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.setupRoutes(r)
	s.http = &http.Server{Addr: cfg.Listen, Handler: r}
	return s, nil
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.POST("/api/v1/auth/login", s.handleLogin)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(s.cfg.JWTSecret))
	{
		api.GET("/status", s.handleStatus)
		api.GET("/peers", s.handlePeers)
		api.GET("/buckets/:distance", s.handleBucket)
		api.POST("/ping/:nodeid", s.handlePing)
		api.GET("/lookup/:target", s.handleLookup)
		api.GET("/events", s.handleEvents)
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()
	s.log.Info("admin API listening", "addr", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("admin API failed", "err", err)
	}
}

// --- Handlers ---

// LoginRequest is the login body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the JWT after a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Username != s.cfg.Username || !CheckPassword(req.Password, s.passwordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, expiresAt, err := GenerateToken(req.Username, s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

// StatusResponse summarizes the node.
type StatusResponse struct {
	NodeID   string          `json:"node_id"`
	Endpoint string          `json:"endpoint"`
	Table    routing.Stats   `json:"table"`
	Sessions int             `json:"sessions"`
	Counters client.Counters `json:"counters"`
}

func (s *Server) handleStatus(c *gin.Context) {
	local := s.client.LocalNode()
	c.JSON(http.StatusOK, StatusResponse{
		NodeID:   local.ID.String(),
		Endpoint: local.Endpoint.String(),
		Table:    s.table.Stats(),
		Sessions: s.client.Pool().Len(),
		Counters: s.client.Counters(),
	})
}

// PeerStatus reports one live session.
type PeerStatus struct {
	NodeID          string    `json:"node_id"`
	Endpoint        string    `json:"endpoint"`
	Role            string    `json:"role"`
	State           string    `json:"state"`
	LastMessageAt   time.Time `json:"last_message_at"`
	DecryptFailures int       `json:"decrypt_failures"`
}

func (s *Server) handlePeers(c *gin.Context) {
	sessions := s.client.Pool().Sessions()
	peers := make([]PeerStatus, 0, len(sessions))
	for _, sess := range sessions {
		remote := sess.RemoteNode()
		peers = append(peers, PeerStatus{
			NodeID:          remote.ID.String(),
			Endpoint:        remote.Endpoint.String(),
			Role:            sess.Role().String(),
			State:           sess.State().String(),
			LastMessageAt:   sess.LastMessageAt(),
			DecryptFailures: sess.DecryptFailures(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (s *Server) handleBucket(c *gin.Context) {
	distance, err := strconv.Atoi(c.Param("distance"))
	if err != nil || distance < 1 || distance > identity.NumBuckets {
		c.JSON(http.StatusBadRequest, gin.H{"error": "distance must be in [1,256]"})
		return
	}
	ids := s.table.NodesAtLogDistance(distance)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	c.JSON(http.StatusOK, gin.H{"distance": distance, "nodes": out})
}

func (s *Server) handlePing(c *gin.Context) {
	id, err := identity.NodeIDFromHex(c.Param("nodeid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	node, ok := s.client.Resolve(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), protocol.RequestTimeout)
	defer cancel()
	pong, err := s.client.Ping(ctx, node)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enr_seq": pong.ENRSeq, "packet_ip": pong.PacketIP.String(), "packet_port": pong.PacketPort})
}

func (s *Server) handleLookup(c *gin.Context) {
	target, err := identity.NodeIDFromHex(c.Param("target"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	found := s.manager.Lookup(c.Request.Context(), target)
	out := make([]gin.H, len(found))
	for i, n := range found {
		out[i] = gin.H{"node_id": n.ID.String(), "endpoint": n.Endpoint.String()}
	}
	c.JSON(http.StatusOK, gin.H{"target": target.String(), "nodes": out})
}
