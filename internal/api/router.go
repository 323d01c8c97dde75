package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourname/dailytally/internal/auth"
)

// NewRouter wires every route. The cron routes exist only when the
// deployment has a fast cache to sync or seed.
func NewRouter(app App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), RequestLogger(app.Logger().Named("http")))

	r.GET("/healthz", Healthz(app))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Gatherer(), promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/readings", GetReadings(app))
	api.POST("/readings", PostReading(app))
	api.GET("/progress", GetGoalProgress(app))

	protected := api.Group("", auth.Middleware(auth.NewSecretProvider(app.CronSecret(), app.Logger().Named("auth"))))
	if app.Replayer() != nil {
		protected.GET("/cron/sync", SyncQueue(app))
	}
	if app.Seeder() != nil {
		protected.GET("/seed", SeedCache(app))
	}
	return r
}
