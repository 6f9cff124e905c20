// Package api exposes the dispatch trigger and the compose flow over HTTP.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/abdulachik/schedpost/internal/compose"
	"github.com/abdulachik/schedpost/internal/db"
	"github.com/abdulachik/schedpost/internal/dispatcher"
	"github.com/abdulachik/schedpost/internal/scheduler"
	"github.com/gin-gonic/gin"
)

// Trigger runs one guarded dispatch batch.
type Trigger interface {
	RunOnce(ctx context.Context) ([]dispatcher.Outcome, error)
}

// Composer is the owner-facing post flow.
type Composer interface {
	Compose(ctx context.Context, d compose.Draft) (*compose.Result, error)
	Cancel(ctx context.Context, ownerID, postID string) error
	SendNow(ctx context.Context, ownerID, postID string) (dispatcher.Outcome, error)
	Pending(ctx context.Context, ownerID string) ([]*db.ScheduledPost, error)
	Recent(ctx context.Context, ownerID string, limit int) ([]*db.DeliveredRecord, error)
}

// Config holds router dependencies.
type Config struct {
	Trigger     Trigger
	Composer    Composer
	Health      *scheduler.Health
	CronSecret  string
	RecentLimit int
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 5
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	tc := &triggerController{trigger: cfg.Trigger}
	cron := r.Group("/api/cron", requireSecret(cfg.CronSecret))
	cron.GET("/dispatch", tc.Dispatch)
	cron.POST("/dispatch", tc.Dispatch)

	pc := &postController{composer: cfg.Composer, recentLimit: cfg.RecentLimit, now: time.Now}
	posts := r.Group("/api/posts", requireUser())
	posts.POST("", pc.Create)
	posts.GET("/scheduled", pc.ListScheduled)
	posts.DELETE("/scheduled/:id", pc.Cancel)
	posts.POST("/scheduled/:id/send", pc.SendNow)
	posts.GET("/recent", pc.ListRecent)

	hc := &healthController{health: cfg.Health}
	r.GET("/healthz", hc.Health)
	r.GET("/healthz/:component", hc.Component)

	return r
}

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= 500 {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
