package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ownerKey = "owner_id"

// parseToken reads the bearer token and returns its subject.
func parseToken(c *gin.Context, secret []byte) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", errors.New("missing bearer token")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return "", errors.New("malformed authorization header")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// JWTAuth rejects requests without a valid HS256 token and stores the
// token subject as the owner of everything the request touches.
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		owner, err := parseToken(c, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse(http.StatusUnauthorized, err.Error(), nil))
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func ownerOf(c *gin.Context) string {
	return c.GetString(ownerKey)
}

func Cors(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Content-Length", "Authorization", "X-Chunk-Checksum"},
		ExposeHeaders: []string{
			"Content-Range", "Content-Length", "Retry-After",
			"X-Chunk-Index", "X-Total-Chunks",
			"X-Archive-Job-Id", "X-Archive-Total-Files", "X-Archive-Total-Size",
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// RequestLogger logs every finished request at debug level, failures at warn.
func RequestLogger(l logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		kv := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"bytes", c.Writer.Size(),
		}
		if status >= http.StatusInternalServerError {
			l.Warn("request finished", kv...)
			return
		}
		l.Debug("request finished", kv...)
	}
}
