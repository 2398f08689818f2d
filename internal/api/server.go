// Package api provides the REST and WebSocket server for stream dispatch
// and operator monitoring.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/iptv-proxy/streamgate/internal/config"
	"github.com/iptv-proxy/streamgate/internal/policy"
	"github.com/iptv-proxy/streamgate/internal/provider"
	"github.com/iptv-proxy/streamgate/internal/session"
	"github.com/iptv-proxy/streamgate/internal/storage"
	"github.com/iptv-proxy/streamgate/internal/util"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	cfg      *config.Config
	redis    *storage.RedisClient
	manager  *provider.ActiveProviderManager
	tracker  *session.Tracker
	policy   *policy.PolicyServer
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time

	wsMu      sync.Mutex
	wsClients map[*websocket.Conn]bool
}

// StatsResponse is the /api/stats response.
type StatsResponse struct {
	Pool        PoolStats        `json:"pool"`
	Connections map[string]int64 `json:"connections"`
	Now         int64            `json:"now"`
}

// PoolStats contains service-wide connection statistics.
type PoolStats struct {
	Name        string `json:"name"`
	InputCount  int    `json:"input_count"`
	TotalActive int64  `json:"total_active"`
}

// ProviderStatus reports the live state of one provider.
type ProviderStatus struct {
	Name              string `json:"name"`
	ActiveConnections uint16 `json:"active_connections"`
	OverLimit         bool   `json:"over_limit"`
}

// NewServer creates a new API server wired to the connection manager,
// session tracker and abuse-policy server.
func NewServer(cfg *config.Config, redis *storage.RedisClient, manager *provider.ActiveProviderManager, tracker *session.Tracker, pol *policy.PolicyServer) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		redis:   redis,
		manager: manager,
		tracker: tracker,
		policy:  pol,
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		wsClients: make(map[*websocket.Conn]bool),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints.
func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.API.CORSOrigins) > 0 {
			origin = strings.Join(s.cfg.API.CORSOrigins, ", ")
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/providers", s.handleProviders)
		api.GET("/providers/:name", s.handleProvider)
		api.GET("/sessions/:name", s.handleRecentSessions)
	}

	// Stream dispatch: the Xtream/M3U-facing surface clients actually pull from.
	stream := s.router.Group("/stream")
	{
		stream.GET("/:input/*path", s.handleStreamDispatch)
	}

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.GET("/blacklist", s.handleGetBlacklist)
		admin.POST("/blacklist", s.handleAddBlacklist)
		admin.DELETE("/blacklist/:address", s.handleRemoveBlacklist)
		admin.GET("/whitelist", s.handleGetWhitelist)
		admin.POST("/whitelist", s.handleAddWhitelist)
		admin.DELETE("/whitelist/:ip", s.handleRemoveWhitelist)
		admin.GET("/backup", s.handleBackup)
	}

	s.router.GET("/ws/connections", s.handleConnectionsWebSocket)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleStats returns service-wide connection statistics, refreshed no
// more often than cfg.API.StatsCache.
func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	active := s.manager.ActiveConnections()

	var total int64
	for _, n := range active {
		total += int64(n)
	}

	response := &StatsResponse{
		Pool: PoolStats{
			Name:        s.cfg.Pool.Name,
			InputCount:  len(s.cfg.Inputs),
			TotalActive: total,
		},
		Connections: make(map[string]int64, len(active)),
		Now:         time.Now().Unix(),
	}
	for name, n := range active {
		response.Connections[name] = int64(n)
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// handleProviders lists every provider currently tracked by the manager.
func (s *Server) handleProviders(c *gin.Context) {
	active := s.manager.ActiveConnections()

	statuses := make([]ProviderStatus, 0, len(active))
	for name, count := range active {
		statuses = append(statuses, ProviderStatus{
			Name:              name,
			ActiveConnections: count,
			OverLimit:         s.manager.IsOverLimit(name),
		})
	}

	c.JSON(200, gin.H{"providers": statuses})
}

// handleProvider returns the live state of a single named provider.
func (s *Server) handleProvider(c *gin.Context) {
	name := c.Param("name")

	active := s.manager.ActiveConnections()
	count, ok := active[name]
	if !ok {
		c.JSON(404, gin.H{"error": "provider not found"})
		return
	}

	c.JSON(200, ProviderStatus{
		Name:              name,
		ActiveConnections: count,
		OverLimit:         s.manager.IsOverLimit(name),
	})
}

// handleRecentSessions returns recently archived sessions for a provider.
func (s *Server) handleRecentSessions(c *gin.Context) {
	name := c.Param("name")

	sessions, err := s.redis.GetRecentSessions(name, 50)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get sessions"})
		return
	}

	c.JSON(200, gin.H{"sessions": sessions})
}

// handleStreamDispatch resolves an incoming stream request to a live
// provider connection and either redirects the client to it (default) or,
// when the request carries direct=1, proxies the upstream bytes directly.
//
// Two query parameters give callers access to the acquisition paths that
// don't fit the normal acquire-then-redirect flow:
//   - preview=1 reports which provider a redirect would currently land on
//     without acquiring a connection, via PeekNextProvider. Dashboards use
//     this to show upcoming placement before a client actually streams.
//   - force_provider=<name> bypasses the priority walk and pins the
//     dispatch to one named provider via ForceExactAcquireConnection,
//     ignoring its capacity. Reserved for operator-driven emergency
//     failover, so it requires the admin bearer token.
func (s *Server) handleStreamDispatch(c *gin.Context) {
	inputName := c.Param("input")
	path := c.Param("path")
	clientIP := c.ClientIP()

	if s.policy != nil {
		if s.policy.IsBanned(clientIP) {
			c.JSON(403, gin.H{"error": "banned"})
			return
		}
		if !s.policy.ApplyConnectionLimit(clientIP) {
			c.JSON(429, gin.H{"error": "too many connections"})
			return
		}
	}

	if c.Query("preview") == "1" {
		s.handleStreamPreview(c, inputName)
		return
	}

	var guard *provider.ConnectionGuard
	if forceName := c.Query("force_provider"); forceName != "" {
		if !s.authorizedForAdmin(c) {
			c.JSON(403, gin.H{"error": "force_provider requires the admin token"})
			return
		}
		util.Warnf("Forced acquisition of %s for input %s requested by %s", forceName, inputName, clientIP)
		guard = s.manager.ForceExactAcquireConnection(forceName)
	} else {
		guard = s.manager.AcquireConnection(inputName)
	}

	if guard.IsExhausted() {
		if s.policy != nil {
			s.policy.ApplyExhaustedScore(clientIP)
		}
		c.JSON(503, gin.H{"error": "no provider available"})
		return
	}

	provCfg := guard.Provider()
	sess := s.tracker.StartSession(clientIP, inputName, provCfg.Name, guard.State())

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		guard.Release()
		s.tracker.EndSession(sess)
	}
	defer release()

	target := fmt.Sprintf("%s/%s", strings.TrimRight(provCfg.URL, "/"), strings.TrimLeft(path, "/"))

	if c.Query("direct") == "1" {
		s.proxyStream(c, target)
		return
	}

	c.Redirect(http.StatusFound, target)
}

// handleStreamPreview reports the provider a redirect would currently
// land on for inputName, without committing a slot.
func (s *Server) handleStreamPreview(c *gin.Context, inputName string) {
	p := s.manager.PeekNextProvider(inputName)
	if p == nil {
		c.JSON(503, gin.H{"error": "no provider available"})
		return
	}
	c.JSON(200, gin.H{"provider": p.Name, "url": p.URL})
}

// proxyStream streams the upstream response body directly to the client
// instead of redirecting, for callers that cannot follow a 302.
func (s *Server) proxyStream(c *gin.Context, target string) {
	resp, err := http.Get(target)
	if err != nil {
		c.JSON(502, gin.H{"error": "upstream unreachable"})
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	for k, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.Flush()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			c.Writer.Flush()
		}
		if readErr != nil {
			return
		}
	}
}

// adminAuthMiddleware validates the admin bearer token, when configured.
// With no token set, the admin group is open; operators are expected to
// put it behind a reverse proxy in that case.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Security.AdminToken == "" {
			c.Next()
			return
		}

		if !s.authorizedForAdmin(c) {
			c.JSON(403, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// authorizedForAdmin reports whether the request carries a valid admin
// bearer token. Unlike adminAuthMiddleware, it returns false (never opens
// up) when no token is configured — callers outside the /admin group, like
// the force_provider override, must not be silently left wide open just
// because the operator hasn't set an admin token.
func (s *Server) authorizedForAdmin(c *gin.Context) bool {
	if s.cfg.Security.AdminToken == "" {
		return false
	}

	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	return token != "" && token == s.cfg.Security.AdminToken
}

// handleGetBlacklist returns all blacklisted credential names.
func (s *Server) handleGetBlacklist(c *gin.Context) {
	blacklist, err := s.redis.GetBlacklist()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get blacklist"})
		return
	}
	c.JSON(200, gin.H{"blacklist": blacklist})
}

// BlacklistRequest represents a blacklist add request.
type BlacklistRequest struct {
	Address string `json:"address"`
}

// handleAddBlacklist blacklists a username or account identifier.
func (s *Server) handleAddBlacklist(c *gin.Context) {
	var req BlacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		c.JSON(400, gin.H{"error": "address required"})
		return
	}

	if err := s.redis.AddToBlacklist(req.Address); err != nil {
		c.JSON(500, gin.H{"error": "failed to add to blacklist"})
		return
	}

	util.Infof("Admin: added %s to blacklist", req.Address)
	c.JSON(200, gin.H{"status": "ok", "address": req.Address})
}

// handleRemoveBlacklist removes a blacklisted identifier.
func (s *Server) handleRemoveBlacklist(c *gin.Context) {
	address := c.Param("address")
	if err := s.redis.RemoveFromBlacklist(address); err != nil {
		c.JSON(500, gin.H{"error": "failed to remove from blacklist"})
		return
	}

	util.Infof("Admin: removed %s from blacklist", address)
	c.JSON(200, gin.H{"status": "ok", "address": address})
}

// handleGetWhitelist returns all whitelisted client IPs.
func (s *Server) handleGetWhitelist(c *gin.Context) {
	whitelist, err := s.redis.GetWhitelist()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get whitelist"})
		return
	}
	c.JSON(200, gin.H{"whitelist": whitelist})
}

// WhitelistRequest represents a whitelist add request.
type WhitelistRequest struct {
	IP string `json:"ip"`
}

// handleAddWhitelist whitelists a client IP, exempting it from the
// connection-rate and ban policy.
func (s *Server) handleAddWhitelist(c *gin.Context) {
	var req WhitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IP == "" {
		c.JSON(400, gin.H{"error": "ip required"})
		return
	}

	if err := s.redis.AddToWhitelist(req.IP); err != nil {
		c.JSON(500, gin.H{"error": "failed to add to whitelist"})
		return
	}

	util.Infof("Admin: added %s to whitelist", req.IP)
	c.JSON(200, gin.H{"status": "ok", "ip": req.IP})
}

// handleRemoveWhitelist removes a whitelisted client IP.
func (s *Server) handleRemoveWhitelist(c *gin.Context) {
	ip := c.Param("ip")
	if err := s.redis.RemoveFromWhitelist(ip); err != nil {
		c.JSON(500, gin.H{"error": "failed to remove from whitelist"})
		return
	}

	util.Infof("Admin: removed %s from whitelist", ip)
	c.JSON(200, gin.H{"status": "ok", "ip": ip})
}

// handleBackup dumps the current connection snapshot as a downloadable
// JSON document.
func (s *Server) handleBackup(c *gin.Context) {
	snap, err := s.redis.GetConnectionSnapshot()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to create backup"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename=streamgate-backup.json")
	c.Header("Content-Type", "application/json")

	data, _ := json.MarshalIndent(snap, "", "  ")
	c.Data(200, "application/json", data)
}

// handleConnectionsWebSocket upgrades to a WebSocket and pushes the
// active-connections snapshot to the client every 2 seconds.
func (s *Server) handleConnectionsWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		active := s.manager.ActiveConnections()
		if err := conn.WriteJSON(gin.H{
			"connections": active,
			"now":         time.Now().Unix(),
		}); err != nil {
			return
		}
	}
}

// BroadcastConnections pushes the current connection snapshot to every
// connected dashboard client immediately, outside the ticker cadence.
func (s *Server) BroadcastConnections() {
	active := s.manager.ActiveConnections()
	payload := gin.H{"connections": active, "now": time.Now().Unix()}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsClients {
		if err := conn.WriteJSON(payload); err != nil {
			conn.Close()
			delete(s.wsClients, conn)
		}
	}
}
