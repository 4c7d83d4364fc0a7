package handler

import (
	"github.com/habitloop/internal/config"
	"github.com/habitloop/internal/storage"
)

// API 聚合各处理器共享的依赖
type API struct {
	store *storage.Store
	cfg   config.AppConfig
}

// NewAPI 基于记录存储构造处理器集合
func NewAPI(store *storage.Store, cfg config.AppConfig) *API {
	return &API{store: store, cfg: cfg}
}
