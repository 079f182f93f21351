package handlers

import (
	"net/http"
	"strings"

	"diceserver/auth"
	"diceserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// トークン生成リクエストの構造体
type TokenRequest struct {
	Login string `json:"login" binding:"required"`
}

// IssueToken はログイン名に対応するユーザーを取得または作成し、JWTを返します。
func IssueToken(db *gorm.DB, authenticator *auth.Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Login) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "login is required"})
			return
		}

		var user models.User
		err := db.WithContext(c.Request.Context()).
			Where(models.User{Login: strings.TrimSpace(req.Login)}).
			FirstOrCreate(&user).Error
		if err != nil {
			logger.Error("ユーザーの取得または作成に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
			return
		}

		token, err := authenticator.GenerateToken(user.ID)
		if err != nil {
			logger.Error("トークン生成中にエラー発生", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"token": token, "user_id": user.ID})
	}
}
