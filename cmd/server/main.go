package main

import (
	"log"

	"github.com/habitloop/internal/config"
	"github.com/habitloop/internal/handler"
	"github.com/habitloop/internal/router"
	"github.com/habitloop/internal/storage"
)

func main() {
	cfg := config.Load()

	// 初始化服务端记录存储
	store, err := storage.Open(cfg.DataDir, false)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	// 设置并运行 Gin 服务器
	api := handler.NewAPI(store, cfg)
	r := router.SetupRouter(api, cfg)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("failed to run server: %v", err)
	}
}
