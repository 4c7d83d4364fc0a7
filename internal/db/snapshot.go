package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateSnapshot 本地持久化的应用状态快照
// Key 区分不同档位（如 current / 上次成功推送），Payload 为状态 JSON
type StateSnapshot struct {
	gorm.Model
	Key     string `gorm:"uniqueIndex"`
	Payload []byte
	Version int64
}

// Credential 仅保存同步凭证的单向散列，原始凭证不落盘
type Credential struct {
	gorm.Model
	Name string `gorm:"uniqueIndex"`
	Hash string
}

// SaveSnapshot 幂等写入指定档位的快照
func SaveSnapshot(gdb *gorm.DB, key string, payload []byte, version int64) error {
	record := StateSnapshot{Key: key, Payload: payload, Version: version}

	if err := gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "version", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot 读取指定档位的快照，不存在时返回 (nil, 0, nil)
func LoadSnapshot(gdb *gorm.DB, key string) ([]byte, int64, error) {
	var record StateSnapshot
	if err := gdb.Where("key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	return record.Payload, record.Version, nil
}

// SaveCredentialHash 记录凭证散列
func SaveCredentialHash(gdb *gorm.DB, name, hash string) error {
	record := Credential{Name: name, Hash: hash}

	if err := gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"hash", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredentialHash 读取凭证散列，不存在时返回空串
func LoadCredentialHash(gdb *gorm.DB, name string) (string, error) {
	var record Credential
	if err := gdb.Where("name = ?", name).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load credential: %w", err)
	}
	return record.Hash, nil
}

// ClearCredential 删除凭证记录（服务端判定失效后调用）
func ClearCredential(gdb *gorm.DB, name string) error {
	if err := gdb.Unscoped().Where("name = ?", name).Delete(&Credential{}).Error; err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}
