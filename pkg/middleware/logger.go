package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andydunstall/swarm/pkg/log"
)

type loggedRequest struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Remote   string `json:"remote"`
	Status   int    `json:"status"`
	Duration string `json:"duration"`
}

// NewLogger creates logging middleware that logs every request.
//
// Requests are logged at debug level, except server errors which are logged
// as warnings.
func NewLogger(logger log.Logger) gin.HandlerFunc {
	logger = logger.WithSubsystem(logger.Subsystem() + ".access")
	return func(c *gin.Context) {
		s := time.Now()

		c.Next()

		req := &loggedRequest{
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			Remote:   c.ClientIP(),
			Status:   c.Writer.Status(),
			Duration: time.Since(s).String(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", zap.Any("request", req))
		} else {
			logger.Debug("request", zap.Any("request", req))
		}
	}
}
