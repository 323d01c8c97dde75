package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourname/dailytally/internal"
)

// GetGoalProgress degrades like GetReadings: it always answers 200.
func GetGoalProgress(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		progress, err := app.Reader().Progress(c.Request.Context())
		if err != nil {
			hint := msgSetupRequired
			if errors.Is(err, internal.ErrUnavailable) {
				hint = msgOverloaded
			}
			HandleError(c, app.Logger(), err, http.StatusOK, gin.H{"progress": progress, "error": hint})
			return
		}
		HandleSuccess(c, app.Logger(), gin.H{"progress": progress})
	}
}
