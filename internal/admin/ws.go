package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// eventsHandler upgrades GET /v1/events to a websocket using gobwas's
// HTTP-flavoured upgrader (the shard control channel never upgrades at
// all, since it speaks raw framed TCP; this endpoint rides on gin's
// http.Server, so it upgrades through the request/response pair) and
// hands the connection to the hub's broadcast loop. ctx is
// the admin server's own lifetime, not the request's -- the request
// context dies the instant this handler returns, before the streaming
// goroutine even starts reading.
func eventsHandler(ctx context.Context, hub *EventHub, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
		if err != nil {
			logger.Debug("admin websocket upgrade failed", zap.Error(err))
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		go hub.serve(ctx, conn)
	}
}
