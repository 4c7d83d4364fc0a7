package handler

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/habitloop/internal/cryptobox"
)

const credHashContextKey = "__credential_hash"

// AuthRequired 校验请求携带的凭证散列
// 首选 X-Auth-Hash；旧版客户端仍发 Bearer 令牌，由服务端自行单向散列，
// 原始凭证不落盘也不进日志
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := strings.TrimSpace(c.GetHeader("X-Auth-Hash"))

		if hash == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
				token = strings.TrimSpace(token)
				if token != "" {
					hash = cryptobox.HashCredential(token)
				}
			}
		}

		if !validHash(hash) {
			respondError(c, http.StatusUnauthorized, "unauthorized", "缺少或无效的同步凭证")
			c.Abort()
			return
		}

		c.Set(credHashContextKey, hash)
		c.Next()
	}
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func credentialHash(c *gin.Context) string {
	if v, ok := c.Get(credHashContextKey); ok {
		if hash, ok := v.(string); ok {
			return hash
		}
	}
	return ""
}
