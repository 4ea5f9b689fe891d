package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Payload-Signature"
	eventHeader     = "X-Webhook-Event"

	rawBodyContextKey = "hub_raw_body"

	// maxPayloadBytes bounds webhook bodies; upstream notifications are
	// small and anything larger is hostile or broken.
	maxPayloadBytes = 4 << 20
)

// verifySignature authenticates the raw request body against the shared
// secret before any handler runs. The verified body is stashed in the
// request context so handlers decode exactly the bytes that were signed.
func verifySignature(secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
		if err != nil || len(body) > maxPayloadBytes {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_payload"})
			return
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		provided := strings.TrimSpace(c.GetHeader(signatureHeader))

		if provided == "" || !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
			logger.Warn("rejecting webhook with bad signature",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid_signature"})
			return
		}

		c.Set(rawBodyContextKey, body)
		c.Next()
	}
}

func rawBody(c *gin.Context) []byte {
	value, ok := c.Get(rawBodyContextKey)
	if !ok {
		return nil
	}
	body, _ := value.([]byte)
	return body
}
