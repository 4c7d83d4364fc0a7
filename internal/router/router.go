package router

import (
	"github.com/gin-gonic/gin"

	"github.com/habitloop/internal/config"
	"github.com/habitloop/internal/handler"
)

// SetupRouter 配置 Gin 引擎和同步协议路由
func SetupRouter(api *handler.API, cfg config.AppConfig) *gin.Engine {
	gin.SetMode(cfg.GinMode)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// 同步接口：先认证取得凭证散列，再按 (散列, 地址, 方法) 限流
	sync := r.Group("/api/sync")
	sync.Use(handler.AuthRequired(), handler.RateLimit(cfg.RateRPS, cfg.RateBurst))
	{
		sync.GET("", api.GetState)
		sync.PUT("", api.PutState)
		sync.GET("/shards", api.GetShards)
		sync.PUT("/shards", api.PutShards)
	}

	return r
}
