package middlewares

import (
	"net/http"

	"diceserver/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDKey = "UserID"

// トークン検証を行うミドルウェア
// 検証に成功した場合はユーザーIDをコンテキストにセットする
func AuthMiddleware(authenticator *auth.Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := authenticator.ParseToken(auth.TokenFromRequest(c.Request))
		if err != nil {
			logger.Warn("認証失敗", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// GetUserID returns the user id set by AuthMiddleware.
func GetUserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := v.(uint)
	return userID, ok
}
