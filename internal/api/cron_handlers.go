package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourname/dailytally/internal/replay"
	"github.com/yourname/dailytally/internal/response"
)

func SyncQueue(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		synced, err := app.Replayer().RunOnce(c.Request.Context())
		switch {
		case errors.Is(err, replay.ErrReplayInProgress):
			HandleError(c, app.Logger(), err, http.StatusConflict, response.Error("Sync already running"))
			return
		case err != nil:
			HandleError(c, app.Logger(), err, http.StatusInternalServerError, response.Error("Sync failed"))
			return
		case synced == 0:
			HandleSuccess(c, app.Logger(), response.Synced{Message: "Queue empty"})
			return
		}
		HandleSuccess(c, app.Logger(), response.Synced{
			Success:   true,
			Message:   fmt.Sprintf("Synced %d items", synced),
			SyncCount: synced,
		})
	}
}

func SeedCache(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := app.Seeder().Seed(c.Request.Context())
		if err != nil {
			HandleError(c, app.Logger(), err, http.StatusInternalServerError, response.Error("Seeding failed"))
			return
		}
		HandleSuccess(c, app.Logger(), response.Seeded{
			Success: true,
			Message: "Redis seeded successfully",
			SeededData: response.SeedData{
				Total:        res.Total,
				Date:         res.Date,
				UserCount:    res.UserCount,
				PendingQueue: res.PendingQueue,
			},
		})
	}
}

// Healthz reports the fast cache state. It answers 200 even when the cache is
// down, since writes fall back to the backing store.
func Healthz(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if err := app.Ping(c.Request.Context()); err != nil {
			app.Logger().Warnw("health check: fast cache unreachable", "error", err)
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}
