package api

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/collector"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templateFS embed.FS

// RawReader exposes the undecoded register block for diagnostics.
type RawReader interface {
	RawBlock() ([]uint16, error)
}

// Server is the read-only dashboard surface. It only ever looks at the
// collector's latest snapshot; the field bus is never touched from a
// request handler, except for the explicit /raw diagnostics endpoint.
type Server struct {
	router    *gin.Engine
	server    *http.Server
	collector *collector.Collector
	raw       RawReader
	port      int
}

type ServerConfig struct {
	Port      int
	Collector *collector.Collector
	RawReader RawReader
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:    router,
		collector: cfg.Collector,
		raw:       cfg.RawReader,
		port:      cfg.Port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/*.html"))
	s.router.SetHTMLTemplate(tmpl)

	s.router.GET("/", s.dashboardHandler)
	s.router.HEAD("/", s.dashboardHandler)
	s.router.GET("/status", s.statusHandler)
	s.router.GET("/data", s.dataHandler)
	s.router.GET("/raw", s.rawHandler)
	s.router.GET("/health", s.healthHandler)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	log.Printf("Dashboard server starting on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	inverterOnline := false
	if snap, ok := s.collector.Latest(); ok {
		inverterOnline = snap.Connected
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"inverter_online": inverterOnline,
		"collecting":      s.collector.IsCollecting(),
		"timestamp":       time.Now(),
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	snap, ok := s.collector.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No data available yet",
		})
		return
	}

	resp := gin.H{
		"inverter_connected":   snap.Connected,
		"dq_text":              snap.DQText,
		"dq_class":             snap.DQClass,
		"dry_run":              snap.DryRun,
		"date":                 snap.State.Date,
		"energy_today_wh":      snap.State.DailyEnergyWh,
		"baseline_energy_wh":   snap.State.BaselineEnergyWh,
		"peak_power_w":         snap.State.PeakPowerW,
		"uptime_minutes_today": snap.State.UptimeMinutesToday,
	}
	if !snap.State.LastUpload.IsZero() {
		resp["last_upload"] = snap.State.LastUpload
	}
	if !snap.State.LastSampleTS.IsZero() {
		resp["last_sample_ts"] = snap.State.LastSampleTS
	}
	if snap.Reading != nil {
		resp["timestamp"] = snap.Reading.Timestamp
		resp["power_w"] = snap.Reading.PowerW
		resp["voltage_v"] = snap.Reading.VoltageV
		resp["grid_freq_hz"] = snap.Reading.GridFrequencyHz
		resp["temperature_c"] = snap.Reading.TemperatureC
		resp["lifetime_energy_wh"] = snap.Reading.LifetimeEnergyWh
		resp["status_code"] = snap.Reading.StatusCode
		resp["status_text"] = snap.Reading.StatusText
		resp["night"] = snap.Reading.Night
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) dataHandler(c *gin.Context) {
	snap, ok := s.collector.Latest()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"records": []struct{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": snap.State.Records})
}

func (s *Server) rawHandler(c *gin.Context) {
	if s.raw == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "diagnostics not available"})
		return
	}

	regs, err := s.raw.RawBlock()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now(),
		"registers": regs,
	})
}

func (s *Server) dashboardHandler(c *gin.Context) {
	view := gin.H{
		"StatusText":  "Unknown",
		"StatusClass": "muted",
		"DQText":      collector.DQNoData,
		"DQClass":     "dq_off",
		"PowerW":      0,
		"EnergyToday": "0.000 kWh",
		"EnergyTotal": "—",
		"Voltage":     "—",
		"Temperature": "—",
		"Frequency":   "—",
		"Mode":        "LIVE",
		"LastPoll":    "—",
		"LastUpload":  "—",
		"Uptime":      "0h 0m",
	}

	if snap, ok := s.collector.Latest(); ok {
		view["DQText"] = snap.DQText
		view["DQClass"] = snap.DQClass
		view["EnergyToday"] = fmt.Sprintf("%.3f kWh", snap.State.DailyEnergyWh/1000)
		view["Uptime"] = formatUptime(snap.State.UptimeMinutesToday)
		if snap.DryRun {
			view["Mode"] = "DRY RUN"
		}
		if !snap.State.LastSampleTS.IsZero() {
			view["LastPoll"] = snap.State.LastSampleTS.Format("2006-01-02 15:04:05")
		}
		if !snap.State.LastUpload.IsZero() {
			view["LastUpload"] = snap.State.LastUpload.Format("2006-01-02 15:04:05")
		}
		if r := snap.Reading; r != nil {
			view["StatusText"] = r.StatusText
			view["StatusClass"] = r.StatusClass
			view["PowerW"] = r.PowerW
			view["EnergyTotal"] = fmt.Sprintf("%.3f kWh", r.LifetimeEnergyWh/1000)
			view["Temperature"] = fmt.Sprintf("%.1f °C", r.TemperatureC)
			view["Frequency"] = fmt.Sprintf("%.2f Hz", r.GridFrequencyHz)
			if r.VoltageValid {
				view["Voltage"] = fmt.Sprintf("%.1f V", r.VoltageV)
			}
		}
		// A failed poll trumps whatever the last decoded reading said.
		if snap.DQText == collector.DQOffline {
			view["StatusText"] = "Offline"
			view["StatusClass"] = "muted"
		}
	}

	c.HTML(http.StatusOK, "dashboard.html", view)
}

func formatUptime(minutes float64) string {
	total := int(minutes)
	return fmt.Sprintf("%dh %dm", total/60, total%60)
}
