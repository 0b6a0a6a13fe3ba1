package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ctxNamespace = "namespace"
	ctxUserID    = "uid"
)

// authMiddleware accepts either a session JWT or a raw access token in the
// Authorization header and records the granted namespace on the request.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		if claims, err := s.deps.Verifier.VerifyJWT(token); err == nil {
			c.Set(ctxNamespace, claims.NS)
			c.Set(ctxUserID, claims.UID)
			c.Next()
			return
		}

		namespace, err := s.deps.Verifier.VerifyAccessToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxNamespace, namespace)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return c.Query("token")
}

func (s *Server) namespace(c *gin.Context) string {
	return c.GetString(ctxNamespace)
}
