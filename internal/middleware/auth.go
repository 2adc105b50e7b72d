// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// tokenKey 是认证通过后保存在 gin 上下文中的 token。
const tokenKey = "token"

// bearerToken 从 Authorization 请求头中取出 token，"Bearer " 前缀可选。
func bearerToken(c *gin.Context) string {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	const bearerPrefix = "Bearer "
	if len(authHeader) >= len(bearerPrefix) && strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	return authHeader
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AuthMiddleware 创建一个 Gin 中间件，用静态 token 做认证。
func AuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := bearerToken(c)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头"})
			return
		}
		if !tokenEqual(got, expected) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token"})
			return
		}
		c.Set(tokenKey, got)
		c.Next()
	}
}
