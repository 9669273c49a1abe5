// Package api provides the local status API of the miner.
package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tos-network/poc-miner/internal/config"
	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/plot"
	"github.com/tos-network/poc-miner/internal/round"
	"github.com/tos-network/poc-miner/internal/storage"
	"github.com/tos-network/poc-miner/internal/util"
)

func logger() *zap.SugaredLogger {
	return util.Channel(util.ChannelAPI)
}

// Store is the persisted history the API can read. *storage.RedisClient
// satisfies it.
type Store interface {
	GetRounds(limit int64) ([]*storage.RoundRecord, error)
	GetConfirmed(limit int64) ([]*storage.ConfirmedDeadline, error)
	GetWonBlocks(limit int64) ([]*storage.WonBlock, error)
	GetStats() (map[string]int64, error)
}

// PlotsFunc returns the current plot index
type PlotsFunc func() *plot.Index

// StatusFunc returns runtime status of the miner loop
type StatusFunc func() MinerStatus

// MinerStatus is the runtime part of /api/stats
type MinerStatus struct {
	PoolHealthy    bool    `json:"poolHealthy"`
	Scanning       bool    `json:"scanning"`
	ScanPercent    float64 `json:"scanPercent"`
	BufferInUse    int64   `json:"bufferInUse"`
	BufferCapacity int64   `json:"bufferCapacity"`
	SubmitActive   int64   `json:"submitActive"`
	SubmitShed     uint64  `json:"submitShed"`
	VerifierDrops  uint64  `json:"verifierDropped"`
}

// Server is the API server
type Server struct {
	cfg    *config.APIConfig
	state  *round.State
	bus    *events.Bus
	router *gin.Engine
	server *http.Server
	ln     net.Listener

	store      Store
	plotsFunc  PlotsFunc
	statusFunc StatusFunc

	// Cache
	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time

	wsMu    sync.Mutex
	wsConns map[*wsClient]struct{}
}

// StatsResponse is the /api/stats response
type StatsResponse struct {
	Mining   round.Stats      `json:"mining"`
	Status   *MinerStatus     `json:"status,omitempty"`
	Counters map[string]int64 `json:"counters,omitempty"`
	Clients  int              `json:"wsClients"`
	Now      int64            `json:"now"`
}

// DeadlineResponse is a deadline in /api/round
type DeadlineResponse struct {
	events.DeadlineInfo
	State   string `json:"state"`
	FoundAt int64  `json:"foundAt"`
}

// RoundResponse is the /api/round response
type RoundResponse struct {
	round.Summary
	Deadlines []DeadlineResponse `json:"deadlines"`
}

// PlotFileResponse is a plot file in /api/plots
type PlotFileResponse struct {
	Path       string `json:"path"`
	AccountID  uint64 `json:"accountId"`
	StartNonce uint64 `json:"startNonce"`
	Nonces     uint64 `json:"nonces"`
	Stagger    uint64 `json:"stagger"`
	Size       int64  `json:"size"`
}

// PlotsResponse is the /api/plots response
type PlotsResponse struct {
	Files       []PlotFileResponse `json:"files"`
	Dirs        []string           `json:"dirs"`
	Accounts    []uint64           `json:"accounts"`
	TotalSize   int64              `json:"totalSize"`
	TotalSizeH  string             `json:"totalSizeHuman"`
	TotalNonces uint64             `json:"totalNonces"`
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, state *round.State, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		state:   state,
		bus:     bus,
		router:  router,
		wsConns: make(map[*wsClient]struct{}),
	}

	s.setupRoutes()
	return s
}

// SetStore attaches persisted history
func (s *Server) SetStore(store Store) {
	s.store = store
}

// SetPlotsFunc sets the callback for the plot index
func (s *Server) SetPlotsFunc(fn PlotsFunc) {
	s.plotsFunc = fn
}

// SetStatusFunc sets the callback for runtime status
func (s *Server) SetStatusFunc(fn StatusFunc) {
	s.statusFunc = fn
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/round", s.handleRound)
		api.GET("/history", s.handleHistory)
		api.GET("/confirmed", s.handleConfirmed)
		api.GET("/won", s.handleWon)
		api.GET("/plots", s.handlePlots)
	}

	s.router.GET("/ws", s.handleWebSocket)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "height": s.state.CurrentHeight()})
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	origin := "*"
	if len(s.cfg.CORSOrigins) > 0 {
		origin = s.cfg.CORSOrigins[0]
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Start begins the API server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	s.ln = ln
	s.server = &http.Server{Handler: s.router}

	logger().Infof("API server listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger().Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts down the API server and closes websocket clients
func (s *Server) Stop() error {
	s.closeWebSockets()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleStats returns miner counters, cached for stats_cache
func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	response := &StatsResponse{
		Mining:  s.state.Stats(),
		Clients: s.wsClients(),
		Now:     time.Now().Unix(),
	}

	if s.statusFunc != nil {
		status := s.statusFunc()
		response.Status = &status
	}

	if s.store != nil {
		counters, err := s.store.GetStats()
		if err != nil {
			logger().Warnf("Failed to read persisted stats: %v", err)
		} else {
			response.Counters = counters
		}
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// handleRound returns the current round and every deadline found in it
func (s *Server) handleRound(c *gin.Context) {
	r := s.state.CurrentRound()
	if r == nil {
		c.JSON(404, gin.H{"error": "No round started"})
		return
	}

	response := RoundResponse{
		Summary:   r.Summary(),
		Deadlines: make([]DeadlineResponse, 0),
	}
	for _, id := range r.AccountIDs() {
		ds, ok := r.Lookup(id)
		if !ok {
			continue
		}
		for _, d := range ds.All() {
			response.Deadlines = append(response.Deadlines, DeadlineResponse{
				DeadlineInfo: d.Info(),
				State:        d.State().String(),
				FoundAt:      d.FoundAt().UnixMilli(),
			})
		}
	}

	c.JSON(200, response)
}

// handleHistory returns finished rounds, newest first. Persisted records
// are preferred when a store is attached.
func (s *Server) handleHistory(c *gin.Context) {
	limit := queryLimit(c, round.HistorySize)

	if s.store != nil {
		records, err := s.store.GetRounds(int64(limit))
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to get rounds"})
			return
		}
		c.JSON(200, gin.H{"rounds": records, "source": "redis"})
		return
	}

	history := s.state.History()
	summaries := make([]round.Summary, 0, len(history))
	for i := len(history) - 1; i >= 0 && len(summaries) < limit; i-- {
		summaries = append(summaries, history[i].Summary())
	}
	c.JSON(200, gin.H{"rounds": summaries, "source": "memory"})
}

// handleConfirmed returns recently confirmed deadlines
func (s *Server) handleConfirmed(c *gin.Context) {
	if s.store == nil {
		c.JSON(404, gin.H{"error": "Storage disabled"})
		return
	}

	confirmed, err := s.store.GetConfirmed(int64(queryLimit(c, 100)))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get confirmed deadlines"})
		return
	}
	c.JSON(200, gin.H{"confirmed": confirmed})
}

// handleWon returns blocks forged by our accounts
func (s *Server) handleWon(c *gin.Context) {
	if s.store == nil {
		c.JSON(404, gin.H{"error": "Storage disabled"})
		return
	}

	blocks, err := s.store.GetWonBlocks(int64(queryLimit(c, 50)))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get won blocks"})
		return
	}
	c.JSON(200, gin.H{"blocks": blocks})
}

// handlePlots returns the plot index
func (s *Server) handlePlots(c *gin.Context) {
	var idx *plot.Index
	if s.plotsFunc != nil {
		idx = s.plotsFunc()
	}
	if idx == nil {
		c.JSON(503, gin.H{"error": "Plots not loaded"})
		return
	}

	files := idx.Files()
	response := PlotsResponse{
		Files:       make([]PlotFileResponse, 0, len(files)),
		Dirs:        idx.Dirs(),
		Accounts:    idx.Accounts(),
		TotalSize:   idx.TotalSize(),
		TotalSizeH:  util.FormatBytes(uint64(idx.TotalSize())),
		TotalNonces: idx.TotalNonces(),
	}
	for _, f := range files {
		response.Files = append(response.Files, PlotFileResponse{
			Path:       f.Path,
			AccountID:  f.AccountID,
			StartNonce: f.StartNonce,
			Nonces:     f.Nonces,
			Stagger:    f.Stagger,
			Size:       f.Size,
		})
	}

	c.JSON(200, response)
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}
