package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// gin context 键
const (
	ctxOwnerID = "auth_owner_id"
	ctxRole    = "auth_role"
)

// authClaims 访问令牌载荷：owner_id 即调用方的授权范围，admin 可跨 owner 操作
type authClaims struct {
	OwnerID string `json:"owner_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth Bearer 令牌认证中间件：无令牌或校验失败一律 401
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少 Bearer 令牌"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.OwnerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "令牌无效"})
			return
		}

		c.Set(ctxOwnerID, claims.OwnerID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// resolveOwnerScope 解析请求要操作的 owner：
// 普通调用方只能操作自己（留空默认为自己），admin 可指定任意 owner。
// 越权返回 false，由调用处回 401
func resolveOwnerScope(c *gin.Context, requested string) (string, bool) {
	tokenOwner := c.GetString(ctxOwnerID)
	role := c.GetString(ctxRole)
	if requested == "" {
		return tokenOwner, true
	}
	if requested == tokenOwner || role == "admin" {
		return requested, true
	}
	return "", false
}
