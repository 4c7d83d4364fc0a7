package state

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// EncodeArchive 把一整年的日记录压缩为冷层存档文本
// 格式：JSON → gzip → base64，年久数据不再常驻内存
func EncodeArchive(days map[string]*DayRecord) (string, error) {
	raw, err := json.Marshal(days)
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeArchive 解开冷层存档
// 以 { 开头的是未压缩的旧版 JSON 存档，兼容读取
func DecodeArchive(blob string) (map[string]*DayRecord, error) {
	trimmed := strings.TrimSpace(blob)
	if trimmed == "" {
		return map[string]*DayRecord{}, nil
	}

	var raw []byte
	if strings.HasPrefix(trimmed, "{") {
		raw = []byte(trimmed)
	} else {
		packed, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode archive: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(packed))
		if err != nil {
			return nil, fmt.Errorf("decode archive: %w", err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decode archive: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("decode archive: %w", err)
		}
	}

	days := make(map[string]*DayRecord)
	if err := json.Unmarshal(raw, &days); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return days, nil
}
