// Package admin implements the read-only operator surface the core
// orchestrator exposes alongside the shard control channel: a gin JSON
// API, a Prometheus scrape endpoint, and a gobwas/ws event stream. None
// of it mutates orchestrator state; every handler reads a point-in-time
// Snapshot() taken under the Sector Map/Registry's own read locks.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sectorfab/internal/config"
	"sectorfab/internal/metrics"
	"sectorfab/internal/orchestrator"
	"sectorfab/internal/sector"
	"sectorfab/internal/sysmetrics"
)

// Server hosts the admin HTTP API, Prometheus handler, and websocket
// event stream on one listener, in the same Start/Stop shape as the
// shard control channel's transport.Server.
type Server struct {
	cfg    config.AdminConfig
	logger *zap.Logger
	http   *http.Server
	hub    *EventHub
}

// NewServer builds the gin engine and wraps it in an *http.Server.
// Handlers never mutate anything outside the hub's own in-memory
// state.
func NewServer(ctx context.Context, cfg config.AdminConfig, logger *zap.Logger, orch *orchestrator.Orchestrator, metricsRegistry *metrics.Registry, sys *sysmetrics.Tracker) *Server {
	hub := NewEventHub(logger)
	orch.SetSink(hub)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metricsRegistry.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/sectors/:x/:y", sectorHandler(orch))
	v1.GET("/shards", shardsHandler(orch))
	v1.GET("/stats", statsHandler(orch, sys, hub))
	v1.GET("/events", eventsHandler(ctx, hub, logger))

	return &Server{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		http:   &http.Server{Addr: cfg.ListenAddr, Handler: r},
	}
}

// Start binds the admin listener in the background and returns
// immediately, without waiting for the bind. A bind or serve failure
// arrives later on the returned channel; nil is sent there once the
// server has been shut down cleanly.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin surface listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop gracefully shuts the admin HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func sectorHandler(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		x, err := strconv.ParseInt(c.Param("x"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid x"})
			return
		}
		y, err := strconv.ParseInt(c.Param("y"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid y"})
			return
		}

		s := sector.Sector{X: int32(x), Y: int32(y)}
		sectors, _ := orch.Snapshot()
		st, ok := sectors[s]
		if !ok {
			c.JSON(http.StatusOK, gin.H{"sector": s, "state": sector.Unloaded.String()})
			return
		}

		resp := gin.H{"sector": s, "state": st.Kind.String()}
		if st.HasOwner() {
			resp["owner"] = st.Owner.String()
		}
		if !st.Since.IsZero() {
			resp["since"] = st.Since
		}
		c.JSON(http.StatusOK, resp)
	}
}

func shardsHandler(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, shards := orch.Snapshot()
		list := make([]gin.H, 0, len(shards))
		for id, info := range shards {
			list = append(list, gin.H{
				"shard_id":     id.String(),
				"connected_at": info.ConnectedAt,
				"sector_count": len(info.Sectors),
				"load": gin.H{
					"entity_count": info.Load.EntityCount,
					"player_count": info.Load.PlayerCount,
				},
				"last_load_update": info.LastLoadUpdate,
			})
		}
		c.JSON(http.StatusOK, gin.H{"shards": list})
	}
}

func statsHandler(orch *orchestrator.Orchestrator, sys *sysmetrics.Tracker, hub *EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		sectors, shards := orch.Snapshot()
		counts := map[string]int{}
		for _, st := range sectors {
			counts[st.Kind.String()]++
		}

		c.JSON(http.StatusOK, gin.H{
			"shards_connected":  len(shards),
			"sectors_by_state":  counts,
			"admin_subscribers": hub.ClientCount(),
			"system":            sys.Sample(),
			"sampled_at":        time.Now(),
		})
	}
}
