// Package adminapi is the operator-facing HTTP surface: health,
// monitoring, audit history, and a debug submission endpoint, all
// mounted on one gin.Engine. It consolidates what could easily sprawl
// into three near-duplicate httpserver bootstrap files and separate
// health/monitoring packages into a single router builder, since this
// module only ever runs one such surface per process.
package adminapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nakato-labs/chainseq/internal/adminauth"
	"github.com/nakato-labs/chainseq/internal/audit"
	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/chainsched"
	"github.com/nakato-labs/chainseq/internal/logging"
	"github.com/nakato-labs/chainseq/internal/seqdispatch"
	"github.com/nakato-labs/chainseq/internal/telemetry"
)

// Registry exposes the named dispatchers a running process owns, so
// the admin surface can report per-dispatcher state without adminapi
// depending on how the demo binary wires them together.
type Registry interface {
	Names() []string
	Get(name string) (*seqdispatch.Dispatcher, bool)
}

// Server bundles the router with its dependencies.
type Server struct {
	router    *gin.Engine
	registry  Registry
	telemetry *telemetry.RedisSink
	audit     *audit.MongoSink
	log       logging.Logger
}

// New builds the admin API router. telemetry and audit sinks may be
// nil: without telemetry the monitoring endpoint reports in-process
// counts only, and without audit the audit endpoint answers 503.
func New(registry Registry, auth adminauth.Service, tokens adminauth.TokenManager, tel *telemetry.RedisSink, aud *audit.MongoSink, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{registry: registry, telemetry: tel, audit: aud, log: log}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	authHandler := adminauth.NewHandler(auth)
	admin := r.Group("/admin")
	authHandler.RegisterRoutes(admin)
	admin.GET("/health", s.handleHealth)

	protected := admin.Group("")
	protected.Use(adminauth.RequireOperator(tokens))
	protected.GET("/monitoring", s.handleMonitoring)
	protected.GET("/audit/:dispatcher", s.handleAudit)
	protected.POST("/debug/submit", s.handleDebugSubmit)

	s.router = r
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

type healthResponse struct {
	Status     string           `json:"status"`
	Timestamp  time.Time        `json:"timestamp"`
	Dispatcher []dispatcherStat `json:"dispatchers"`
}

type dispatcherStat struct {
	Name      string `json:"name"`
	LiveTasks int    `json:"live_tasks"`
	InFlight  int    `json:"in_flight"`
}

func (s *Server) handleHealth(c *gin.Context) {
	names := s.registry.Names()
	stats := make([]dispatcherStat, 0, len(names))
	for _, name := range names {
		d, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		stats = append(stats, dispatcherStat{Name: name, LiveTasks: d.LiveTaskCount(), InFlight: d.InFlightCount()})
	}
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC(), Dispatcher: stats})
}

type systemStats struct {
	NumGoroutine    int       `json:"num_goroutine"`
	Alloc           uint64    `json:"alloc_bytes"`
	Sys             uint64    `json:"sys_bytes"`
	NumGC           uint32    `json:"num_gc"`
	TotalRAM        uint64    `json:"total_ram"`
	UsedRAMPercent  float64   `json:"used_ram_percent"`
	TotalCPUCores   int       `json:"total_cpu_cores"`
	CPUUsagePercent []float64 `json:"cpu_usage_percent"`
}

type monitoringResponse struct {
	Timestamp   time.Time        `json:"timestamp"`
	Dispatchers []dispatcherStat `json:"dispatchers"`
	System      systemStats      `json:"system"`
}

func (s *Server) handleMonitoring(c *gin.Context) {
	names := s.registry.Names()
	stats := make([]dispatcherStat, 0, len(names))
	for _, name := range names {
		d, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		live, inFlight := d.LiveTaskCount(), d.InFlightCount()
		if s.telemetry != nil {
			if tf, tl, err := s.telemetry.Snapshot(c.Request.Context(), name); err == nil {
				inFlight, live = tf, tl
			}
		}
		stats = append(stats, dispatcherStat{Name: name, LiveTasks: live, InFlight: inFlight})
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	vMem, _ := mem.VirtualMemory()
	cpuPercent, _ := cpu.Percent(0, true)

	sys := systemStats{
		NumGoroutine:    runtime.NumGoroutine(),
		Alloc:           memStats.Alloc,
		Sys:             memStats.Sys,
		NumGC:           memStats.NumGC,
		TotalCPUCores:   runtime.NumCPU(),
		CPUUsagePercent: cpuPercent,
	}
	if vMem != nil {
		sys.TotalRAM = vMem.Total
		sys.UsedRAMPercent = vMem.UsedPercent
	}

	c.JSON(http.StatusOK, monitoringResponse{Timestamp: time.Now().UTC(), Dispatchers: stats, System: sys})
}

func (s *Server) handleAudit(c *gin.Context) {
	name := c.Param("dispatcher")
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit sink not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	records, err := s.audit.Recent(ctx, name, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read audit history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatcher": name, "records": records})
}

type debugSubmitRequest struct {
	Dispatcher string  `json:"dispatcher" binding:"required"`
	Label      string  `json:"label" binding:"required"`
	Chains     []int64 `json:"chains" binding:"required,min=1"`
	TimeoutLim float64 `json:"total_timeout_limit"`
}

func (s *Server) handleDebugSubmit(c *gin.Context) {
	var req debugSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "details": err.Error()})
		return
	}

	d, ok := s.registry.Get(req.Dispatcher)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown dispatcher"})
		return
	}

	limit := req.TimeoutLim
	if limit <= 0 {
		limit = 30
	}

	chains := make([]chainsched.ChainID, 0, len(req.Chains))
	for _, raw := range req.Chains {
		chains = append(chains, chainsched.ChainID(raw))
	}

	query := chainrequest.New(req.Label, limit)
	if err := d.Submit(query, finalizeImmediately{log: s.log}, chains); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "submitted"})
}

// finalizeImmediately is a ResultSink for debug submissions: it always
// accepts whatever the transport returned as final, never requesting a
// retry, since these requests exist only to exercise ordering and
// observe the outcome through the audit log.
type finalizeImmediately struct {
	log logging.Logger
}

func (f finalizeImmediately) OnResultResendable(query *chainrequest.Request, resolver *seqdispatch.Resolver) {
	if query.IsError() {
		f.log.Debug(context.Background(), "debug submission finished with error",
			logging.Int("code", query.ErrorCode()), logging.String("message", query.ErrorMessage()))
	}
	resolver.Resolve(nil)
}
