package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/habitloop/internal/storage"
)

type blobPayload struct {
	Timestamp  int64  `json:"timestamp"`
	Ciphertext string `json:"ciphertext"`
}

type shardPayload struct {
	Timestamp int64             `json:"timestamp"`
	Shards    map[string]string `json:"shards"`
}

// GetState 返回整块协议下的当前记录
func (a *API) GetState(c *gin.Context) {
	rec, err := a.store.GetBlob(credentialHash(c))
	if err != nil {
		a.handleStoreError(c, err)
		return
	}
	if rec == nil {
		respondError(c, http.StatusNotFound, "no_data", "尚无同步数据")
		return
	}

	c.JSON(http.StatusOK, gin.H{"timestamp": rec.Timestamp, "ciphertext": rec.Ciphertext})
}

// PutState 以乐观并发控制写入整块记录
// 客户端时间戳落后时返回 409 与当前完整记录，存储不做改动
func (a *API) PutState(c *gin.Context) {
	var payload blobPayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	if payload.Ciphertext == "" {
		respondError(c, http.StatusBadRequest, "bad_request", "缺少密文")
		return
	}
	if len(payload.Ciphertext) > a.cfg.MaxPayloadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "同步数据超出大小上限")
		return
	}

	rec, err := a.store.PutBlob(credentialHash(c), storage.BlobRecord{
		Timestamp:  payload.Timestamp,
		Ciphertext: payload.Ciphertext,
	})
	if errors.Is(err, storage.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{
			"code":       "conflict",
			"error":      "存在更新的远端状态",
			"timestamp":  rec.Timestamp,
			"ciphertext": rec.Ciphertext,
		})
		return
	}
	if err != nil {
		a.handleStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stored": true, "timestamp": rec.Timestamp})
}

// GetShards 返回分片协议下的当前记录
func (a *API) GetShards(c *gin.Context) {
	rec, err := a.store.GetShards(credentialHash(c))
	if err != nil {
		a.handleStoreError(c, err)
		return
	}
	if rec == nil {
		respondError(c, http.StatusNotFound, "no_data", "尚无同步数据")
		return
	}

	c.JSON(http.StatusOK, gin.H{"timestamp": rec.Timestamp, "shards": rec.Shards})
}

// PutShards 在单个原子操作内写入全部分片与时间戳
// 配额校验先于执行：超限请求整体拒绝，不产生部分写入
func (a *API) PutShards(c *gin.Context) {
	var payload shardPayload
	if !bindJSON(c, &payload, "请求参数不合法") {
		return
	}

	if len(payload.Shards) == 0 {
		respondError(c, http.StatusBadRequest, "bad_request", "缺少分片数据")
		return
	}
	if len(payload.Shards) > a.cfg.MaxShards {
		respondError(c, http.StatusRequestEntityTooLarge, "shard_limit_exceeded", "分片数量超出上限")
		return
	}

	total := 0
	for name, data := range payload.Shards {
		if len(data) > a.cfg.MaxShardBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":  "shard_too_large",
				"error": "单个分片超出大小上限",
				"shard": name,
			})
			return
		}
		total += len(data)
	}
	if total > a.cfg.MaxPayloadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "同步数据超出大小上限")
		return
	}

	rec, err := a.store.PutShards(credentialHash(c), payload.Timestamp, payload.Shards)
	if errors.Is(err, storage.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{
			"code":      "conflict",
			"error":     "存在更新的远端状态",
			"timestamp": rec.Timestamp,
			"shards":    rec.Shards,
		})
		return
	}
	if err != nil {
		a.handleStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stored": true, "timestamp": rec.Timestamp})
}

func (a *API) handleStoreError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrAtomicUnavailable) {
		// 绝不退化为非原子写入路径，明确报告引擎不可用
		respondError(c, http.StatusServiceUnavailable, "atomic_unavailable", "原子同步引擎不可用")
		return
	}
	respondError(c, http.StatusInternalServerError, "internal_error", "操作失败")
}
