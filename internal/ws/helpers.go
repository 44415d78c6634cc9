package ws

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newConnID() string {
	return uuid.NewString()
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// bearerToken reads the handshake token from the Authorization header or the token query parameter.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}
