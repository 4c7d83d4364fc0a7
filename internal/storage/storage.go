package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrConflict 在客户端时间戳落后于存储记录时返回，存储不做任何改动
	ErrConflict = errors.New("storage: stale timestamp")
	// ErrAtomicUnavailable 在事务引擎不可用时返回
	// 绝不退化为非原子写入：分片写一半会造成不可恢复的失步
	ErrAtomicUnavailable = errors.New("storage: atomic sync unavailable")
)

const (
	blobPrefix      = "blob/"
	shardPrefix     = "shard/"
	shardMetaPrefix = "shardmeta/"
)

// BlobRecord 是整块协议下的单凭证记录
type BlobRecord struct {
	Timestamp  int64  `json:"timestamp"`
	Ciphertext string `json:"ciphertext"`
}

// ShardRecord 是分片协议下的单凭证记录：命名分片集合加一个时间戳
type ShardRecord struct {
	Timestamp int64             `json:"timestamp"`
	Shards    map[string]string `json:"shards"`
}

// Store 以嵌入式 KV 承载每凭证的同步记录
// 记录按凭证散列寻址，服务端对内容不可见
type Store struct {
	db *badger.DB
}

// Open 打开数据目录；inMemory 模式供测试使用
func Open(dir string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭底层数据库
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) available() bool {
	return s.db != nil && !s.db.IsClosed()
}

// GetBlob 读取整块记录，不存在时返回 (nil, nil)
func (s *Store) GetBlob(credHash string) (*BlobRecord, error) {
	if !s.available() {
		return nil, ErrAtomicUnavailable
	}

	var rec *BlobRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + credHash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &BlobRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return rec, nil
}

// PutBlob 以乐观并发控制写入整块记录
// 客户端时间戳不高于已存记录时返回 ErrConflict 与当前完整记录
func (s *Store) PutBlob(credHash string, rec BlobRecord) (*BlobRecord, error) {
	if !s.available() {
		return nil, ErrAtomicUnavailable
	}

	var current *BlobRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(blobPrefix + credHash)

		item, err := txn.Get(key)
		if err == nil {
			var stored BlobRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			// 相等时间戳同样视为过期：客户端逻辑时钟每次合并都严格递增，
			// 相等只会出现在重放或双写，拒绝可保证记录单调前进
			if rec.Timestamp <= stored.Timestamp {
				current = &stored
				return ErrConflict
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})

	if errors.Is(err, ErrConflict) {
		return current, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("put blob: %w", err)
	}
	return &rec, nil
}

// GetShards 读取分片记录，从未写入时返回 (nil, nil)
func (s *Store) GetShards(credHash string) (*ShardRecord, error) {
	if !s.available() {
		return nil, ErrAtomicUnavailable
	}

	var rec *ShardRecord
	err := s.db.View(func(txn *badger.Txn) error {
		metaItem, err := txn.Get([]byte(shardMetaPrefix + credHash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		rec = &ShardRecord{Shards: make(map[string]string)}
		if err := metaItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec.Timestamp)
		}); err != nil {
			return err
		}

		prefix := []byte(shardPrefix + credHash + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), string(prefix))
			if err := item.Value(func(val []byte) error {
				rec.Shards[name] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get shards: %w", err)
	}
	return rec, nil
}

// PutShards 在单个事务内写入全部分片并推进时间戳
// 事务中途崩溃不会留下半套分片；冲突时返回当前完整分片记录
func (s *Store) PutShards(credHash string, timestamp int64, shards map[string]string) (*ShardRecord, error) {
	if !s.available() {
		return nil, ErrAtomicUnavailable
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		metaKey := []byte(shardMetaPrefix + credHash)

		item, err := txn.Get(metaKey)
		if err == nil {
			var stored int64
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			// 与整块路径一致，相等时间戳视为过期
			if timestamp <= stored {
				return ErrConflict
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for name, payload := range shards {
			key := []byte(shardPrefix + credHash + "/" + name)
			if err := txn.Set(key, []byte(payload)); err != nil {
				return err
			}
		}

		ts, err := json.Marshal(timestamp)
		if err != nil {
			return err
		}
		return txn.Set(metaKey, ts)
	})

	if errors.Is(err, ErrConflict) {
		current, getErr := s.GetShards(credHash)
		if getErr != nil {
			return nil, getErr
		}
		return current, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("put shards: %w", err)
	}

	return s.GetShards(credHash)
}
