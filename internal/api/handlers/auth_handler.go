package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	authEnabled bool
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(apiToken string) *AuthHandler {
	return &AuthHandler{authEnabled: apiToken != ""}
}

// ValidateToken 验证 Token
// GET /api/auth/validate
// 挂在认证中间件之后，能走到这里即说明令牌有效
func (h *AuthHandler) ValidateToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"valid":        true,
		"auth_enabled": h.authEnabled,
	})
}
