// Package controlapi implements the local operator sidecar used to drive
// the Scenario Simulator during development and observe emitted
// telemetry live, distinct from the out-of-scope GUI/CLI front-end named
// in spec.md §1. Grounded on the teacher's gin route/middleware layering
// (internal/routes/router.go, internal/middleware/cors.go), generalized
// from the teacher's REST-over-Postgres domain to this module's
// simulator-control domain.
package controlapi

import (
	"net/http"
	"sync"
	"time"

	"vehicle-telemetry-core/internal/core/event"
	"vehicle-telemetry-core/internal/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StateSnapshot is the read-only view GET /v1/state returns.
type StateSnapshot struct {
	DeviceID        string  `json:"deviceId"`
	ConnectionState string  `json:"connectionState"`
	DeviceState     string  `json:"deviceState"`
	ConfigVersion   string  `json:"configVersion"`
	QueueDepth      int     `json:"queueDepth"`
	BatteryPercent  float64 `json:"batteryPercent"`
	SpeedKph        float64 `json:"speedKph"`
}

// EngineFacade is the narrow surface the control API drives; the Engine
// implements it. Defined here (not imported from the engine package) so
// controlapi never depends on engine, avoiding an import cycle at the
// composition root.
type EngineFacade interface {
	SetIgnition(on bool)
	SetGeofence(id string, entered bool)
	SetSpeed(kph float64)
	Snapshot() StateSnapshot
}

// Server wraps a gin.Engine exposing the control/diagnostics API plus a
// websocket event stream.
type Server struct {
	engine EngineFacade
	router *gin.Engine

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// CORSConfig mirrors the teacher's middleware.CORSMiddleware shape,
// narrowed to what a local dashboard needs.
type CORSConfig struct {
	AllowedOrigins []string
}

func New(eng EngineFacade, corsCfg CORSConfig, environment string) *Server {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	origins := corsCfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       time.Hour,
	}))

	s := &Server{
		engine:   eng,
		router:   router,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	v1 := s.router.Group("/v1")
	{
		v1.GET("/state", s.handleState)
		v1.POST("/ignition", s.handleIgnition)
		v1.POST("/geofence", s.handleGeofence)
		v1.POST("/speed", s.handleSpeed)
		v1.GET("/events/stream", s.handleEventStream)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleIgnition(c *gin.Context) {
	var req IgnitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.SetIgnition(*req.On)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleGeofence(c *gin.Context) {
	var req GeofenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.SetGeofence(req.ID, *req.Entered)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleSpeed(c *gin.Context) {
	var req SpeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.SetSpeed(req.Kph)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("control api websocket upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

// Broadcast pushes an emitted Event as JSON to every connected dashboard,
// giving a live view of telemetry without subscribing to MQTT directly.
func (s *Server) Broadcast(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(eventToWire(e)); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func eventToWire(e event.Event) map[string]any {
	return map[string]any{
		"deviceId": e.DeviceID,
		"ts":       e.Timestamp,
		"seq":      e.Sequence,
		"type":     e.Type.String(),
		"speedKph": e.SpeedKph,
		"battery":  e.Battery.Percentage,
	}
}
