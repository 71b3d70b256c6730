// Package api provides the local REST and WebSocket API for the miner UI.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/lifecycle"
	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/storage"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	wsWriteTimeout    = 5 * time.Second
	wsPingInterval    = 30 * time.Second
)

// StatsSource supplies the current snapshot
type StatsSource interface {
	Snapshot() *stats.Snapshot
}

// EventSource supplies recent and live telemetry events
type EventSource interface {
	Recent(n int) []telemetry.Event
	Subscribe(buffer int) (<-chan telemetry.Event, func())
}

// Controller accepts start/stop/restart commands
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Running() bool
}

// History supplies persisted history; optional
type History interface {
	GetHashrateHistory(since time.Time) ([]storage.HashratePoint, error)
	GetRecentShares(limit int64) ([]*storage.Share, error)
}

// Options wires the server to the miner
type Options struct {
	Stats    StatsSource
	Events   EventSource
	Control  Controller
	History  History
	Interval time.Duration

	// Wrap instruments the root handler, e.g. with APM
	Wrap func(pattern string, h http.Handler) http.Handler
}

// Server is the API server
type Server struct {
	cfg    *config.APIConfig
	opts   Options
	router *gin.Engine
	server *http.Server

	upgrader websocket.Upgrader
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StatsResponse is the /api/stats response
type StatsResponse struct {
	*stats.Snapshot
	Running bool  `json:"running"`
	Now     int64 `json:"now"`
}

// ControlResponse is returned by control commands
type ControlResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// Message is one frame pushed over /ws
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		opts:   opts,
		router: router,
		quit:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		if origin := s.allowOrigin(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		api.GET("/workers", s.handleWorkers)
		api.GET("/upstreams", s.handleUpstreams)
		api.GET("/events", s.handleEvents)
		api.GET("/shares", s.handleShares)
		api.GET("/chart/hashrate", s.handleHashrateChart)
	}

	// Control API (token protected)
	if s.cfg.ControlToken != "" && s.opts.Control != nil {
		control := s.router.Group("/api/control")
		control.Use(s.controlAuthMiddleware())
		{
			control.POST("/start", s.handleStart)
			control.POST("/stop", s.handleStop)
			control.POST("/restart", s.handleRestart)
		}
	}

	s.router.GET("/ws", s.handleWebSocket)

	if s.cfg.Pprof {
		s.setupPprof()
	}

	// Health check
	s.router.GET("/health", s.handleHealth)
}

func (s *Server) setupPprof() {
	debug := s.router.Group("/debug/pprof")
	debug.GET("/", gin.WrapF(pprof.Index))
	debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	debug.GET("/profile", gin.WrapF(pprof.Profile))
	debug.POST("/symbol", gin.WrapF(pprof.Symbol))
	debug.GET("/symbol", gin.WrapF(pprof.Symbol))
	debug.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"} {
		debug.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return util.WrapError(util.KindConfig, "api listen", err)
	}

	var handler http.Handler = s.router
	if s.opts.Wrap != nil {
		handler = s.opts.Wrap("/", handler)
	}
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.Infof("API server listening on %s", listener.Addr())
	if s.cfg.Pprof {
		util.Infof("pprof available at http://%s/debug/pprof/", listener.Addr())
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop closes WebSocket clients and shuts down the API server
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.quit) })
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// handleStats returns the current snapshot
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(200, s.statsResponse())
}

func (s *Server) statsResponse() *StatsResponse {
	resp := &StatsResponse{
		Snapshot: s.opts.Stats.Snapshot(),
		Now:      time.Now().Unix(),
	}
	if s.opts.Control != nil {
		resp.Running = s.opts.Control.Running()
	}
	return resp
}

// handleWorkers returns one row per engine process
func (s *Server) handleWorkers(c *gin.Context) {
	snap := s.opts.Stats.Snapshot()
	c.JSON(200, gin.H{
		"workers":   storage.WorkersFromRecords(snap.Processes),
		"processes": snap.Processes,
	})
}

// handleUpstreams returns the health of every pool endpoint
func (s *Server) handleUpstreams(c *gin.Context) {
	c.JSON(200, s.opts.Stats.Snapshot().Upstreams)
}

// handleEvents returns recent telemetry events, oldest first
func (s *Server) handleEvents(c *gin.Context) {
	if s.opts.Events == nil {
		c.JSON(200, []telemetry.Event{})
		return
	}

	limit, err := parseLimit(c.Query("limit"), defaultEventLimit)
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	events := s.opts.Events.Recent(limit)
	if sev := c.Query("severity"); sev != "" {
		level := telemetry.ParseSeverity(sev)
		filtered := events[:0:0]
		for _, e := range events {
			if e.Severity >= level {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	c.JSON(200, events)
}

// handleShares returns the newest finished results from storage
func (s *Server) handleShares(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(404, gin.H{"error": "History storage not enabled"})
		return
	}

	limit, err := parseLimit(c.Query("limit"), defaultEventLimit)
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	shares, err := s.opts.History.GetRecentShares(int64(limit))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get shares"})
		return
	}
	c.JSON(200, shares)
}

// handleHashrateChart returns the hashrate history
func (s *Server) handleHashrateChart(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(404, gin.H{"error": "History storage not enabled"})
		return
	}

	hours := 24
	if h := c.Query("hours"); h != "" {
		parsed, err := parseHours(h)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid hours parameter"})
			return
		}
		hours = parsed
	}

	points, err := s.opts.History.GetHashrateHistory(time.Now().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get hashrate history"})
		return
	}
	c.JSON(200, gin.H{
		"hours":  hours,
		"points": points,
	})
}

// handleHealth reports 503 once the miner is failed
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.opts.Stats.Snapshot()
	code := 200
	if snap.Health == "failed" {
		code = 503
	}
	c.JSON(code, gin.H{
		"status": snap.Health,
		"state":  snap.State,
	})
}

// controlAuthMiddleware validates the control token
func (s *Server) controlAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check Authorization header
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		// Support both "Bearer <token>" and plain token
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != s.cfg.ControlToken {
			c.JSON(403, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) handleStart(c *gin.Context) {
	s.control(c, "started", s.opts.Control.Start)
}

func (s *Server) handleStop(c *gin.Context) {
	s.control(c, "stopped", s.opts.Control.Stop)
}

func (s *Server) handleRestart(c *gin.Context) {
	s.control(c, "restarted", s.opts.Control.Restart)
}

func (s *Server) control(c *gin.Context, status string, fn func(context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		code := 500
		if errors.Is(err, lifecycle.ErrAlreadyRunning) || errors.Is(err, lifecycle.ErrStartAborted) {
			code = 409
		}
		util.Warnf("Control command %q failed: %v", status, err)
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, ControlResponse{Status: status, Running: s.opts.Control.Running()})
}

// handleWebSocket pushes a snapshot every interval and every telemetry
// event as it happens
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Debugf("WebSocket upgrade failed: %v", err)
		return
	}

	s.wg.Add(1)
	go s.serveWebSocket(conn)
}

func (s *Server) serveWebSocket(conn *websocket.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var events <-chan telemetry.Event
	if s.opts.Events != nil {
		ch, unsubscribe := s.opts.Events.Subscribe(64)
		defer unsubscribe()
		events = ch
	}

	// Reader: only needed to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	if err := writeMessage(conn, Message{Type: "stats", Data: s.statsResponse()}); err != nil {
		return
	}
	for {
		var err error
		select {
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			return
		case <-ticker.C:
			err = writeMessage(conn, Message{Type: "stats", Data: s.statsResponse()})
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			err = writeMessage(conn, Message{Type: "event", Data: e})
		case <-ping.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
		}
		if err != nil {
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, msg Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// allowOrigin returns the value for Access-Control-Allow-Origin, or ""
func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.allowOrigin(origin) != ""
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("invalid limit parameter")
	}
	if n > maxEventLimit {
		n = maxEventLimit
	}
	return n, nil
}

func parseHours(s string) (int, error) {
	h, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if h < 1 || h > 720 {
		return 0, errors.New("hours out of range")
	}
	return h, nil
}
