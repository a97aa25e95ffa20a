package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireRole 检查当前 token 是否具有指定角色。
// 此中间件必须在 AuthMiddleware 之后使用。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := CurrentClaims(c)
		if !ok {
			// AuthMiddleware 未能成功解析，这是一个服务器内部错误
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取身份信息", "data": nil})
			return
		}
		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要 " + role + " 角色", "data": nil})
			return
		}
		c.Next()
	}
}
