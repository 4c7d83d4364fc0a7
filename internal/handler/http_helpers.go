package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 协议错误附带机器可读 code，客户端据此区分校验、冲突、限流等路径
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": message, "code": code})
}

func bindJSON(c *gin.Context, dst interface{}, message string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", message)
		return false
	}
	return true
}
