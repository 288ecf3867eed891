package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"presence/internal/directory"
)

const actorKey = "actor"

// Bearer enforces HS256 bearer tokens and stores the caller as a directory.Actor.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		actor, err := claims.Actor()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		WithActor(c, actor)
		c.Next()
	}
}

// ActorFrom returns the caller stored by Bearer.
func ActorFrom(c *gin.Context) (directory.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return directory.Actor{}, false
	}
	actor, ok := v.(directory.Actor)
	return actor, ok
}

// WithActor stores the authenticated caller read back by ActorFrom.
func WithActor(c *gin.Context, actor directory.Actor) {
	c.Set(actorKey, actor)
}
