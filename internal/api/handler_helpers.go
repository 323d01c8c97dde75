package api

import (
	"github.com/gin-gonic/gin"

	"github.com/yourname/dailytally/internal"
)

// HandleError logs err under the request id and writes body with status.
func HandleError(c *gin.Context, logger internal.Logger, err error, status int, body interface{}) {
	requestID := c.GetString("request_id")
	if status >= 500 {
		logger.Errorf("[request_id=%s] %s %s: %v", requestID, c.Request.Method, c.FullPath(), err)
	} else {
		logger.Warnf("[request_id=%s] %s %s: %v", requestID, c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, body)
}

func HandleSuccess(c *gin.Context, logger internal.Logger, body interface{}) {
	logger.Debugf("[request_id=%s] %s %s ok", c.GetString("request_id"), c.Request.Method, c.FullPath())
	c.JSON(200, body)
}
