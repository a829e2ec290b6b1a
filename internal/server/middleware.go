package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/payflow/internal/observability/context"
)

const (
	HeaderActorType = "X-Actor-Type"
	HeaderActorID   = "X-Actor-ID"
)

// ActorContext copies the calling actor from headers into the request
// context so audit records and refund requests name who acted.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorType := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorType)))
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorType != "" {
			ctx := obscontext.WithActor(c.Request.Context(), actorType, actorID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}
