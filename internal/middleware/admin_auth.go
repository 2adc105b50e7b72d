package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware 检查请求是否持有管理 token。adminToken 为空时不做额外限制。
// 此中间件必须在 AuthMiddleware 之后使用。
func AdminAuthMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.Next()
			return
		}
		// 管理 token 通过单独的请求头传递
		got := c.GetHeader("X-Admin-Token")
		if got == "" || !tokenEqual(got, adminToken) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要管理 token"})
			return
		}
		c.Next()
	}
}
