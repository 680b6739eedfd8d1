// Package server exposes a read-mostly admin surface for one cell.
//
// Ownership boundary:
// - HTTP routing, CORS and request metrics
//
// - reads go through cell snapshots, writes through cell.Do on the tick
// goroutine; the server never touches scheduler or coordinator state
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/cellmesh/internal/cell"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/ghost"
	"github.com/danmuck/cellmesh/internal/node"
	"github.com/danmuck/cellmesh/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Admin struct {
	Addr     string
	Appeared time.Time
	// ActionTimeout bounds how long a write waits for the tick goroutine.
	ActionTimeout time.Duration

	cell   *cell.Cell
	router *gin.Engine
}

var _ node.Node = (*Admin)(nil)

func Appear(c *cell.Cell, addr string, corsOrigins []string) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(c.ID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		Addr:          addr,
		Appeared:      time.Now(),
		ActionTimeout: 2 * time.Second,
		cell:          c,
		router:        r,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) NodeID() string {
	return a.cell.ID()
}

func (a *Admin) Kind() string {
	return "cell"
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"cell":    a.cell.ID(),
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		snap := a.cell.Snapshot()
		status := http.StatusOK
		if snap.Tick == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready": snap.Tick > 0,
			"tick":  snap.Tick,
			"cell":  a.cell.ID(),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.cell.Config())
	})

	a.router.GET("/cell", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.cell.Snapshot())
	})

	a.router.GET("/witnesses", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"witnesses": a.cell.Snapshot().Witnesses})
	})

	a.router.GET("/entities", func(c *gin.Context) {
		snap := a.cell.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"tick":     snap.Tick,
			"entities": snap.Entities,
			"stats":    snap.Stats,
		})
	})

	a.router.GET("/entities/:entity", func(c *gin.Context) {
		id, ok := entityParam(c)
		if !ok {
			return
		}
		for _, st := range a.cell.Snapshot().Entities {
			if st.Entity == id {
				c.JSON(http.StatusOK, st)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
	})

	a.router.POST("/entities/:entity/actions/:action", func(c *gin.Context) {
		id, ok := entityParam(c)
		if !ok {
			return
		}
		action := c.Param("action")
		var run func(*cell.Cell) error
		switch action {
		case "offload":
			run = func(cl *cell.Cell) error { return cl.Offload(id) }
		case "complete":
			run = func(cl *cell.Cell) error { return cl.CompleteOffload(id, nil) }
		case "delete":
			run = func(cl *cell.Cell) error {
				_, err := cl.DeleteGhost(id)
				return err
			}
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), a.ActionTimeout)
		defer cancel()
		if err := a.cell.Do(ctx, run); err != nil {
			log.Warn().
				Str("cell", a.cell.ID()).
				Uint32("entity", uint32(id)).
				Str("action", action).
				Err(err).
				Msg("admin action failed")
			c.JSON(actionStatus(err), gin.H{"error": err.Error()})
			return
		}
		log.Info().
			Str("cell", a.cell.ID()).
			Uint32("entity", uint32(id)).
			Str("action", action).
			Msg("admin action executed")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func entityParam(c *gin.Context) (delta.EntityID, bool) {
	raw := c.Param("entity")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity id " + strconv.Quote(raw)})
		return 0, false
	}
	return delta.EntityID(n), true
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, ghost.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, ghost.ErrInvalidTransition), errors.Is(err, ghost.ErrNotGhost):
		return http.StatusConflict
	case errors.Is(err, cell.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	return node.Serve(ctx, a, a.Addr)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
