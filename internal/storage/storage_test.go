package storage

import (
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", true)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestBlobAbsent(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.GetBlob(testHash)
	if err != nil {
		t.Fatalf("GetBlob returned error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record for unknown credential")
	}
}

func TestBlobPutGet(t *testing.T) {
	s := openTestStore(t)

	stored, err := s.PutBlob(testHash, BlobRecord{Timestamp: 100, Ciphertext: "cipher-v1"})
	if err != nil {
		t.Fatalf("PutBlob returned error: %v", err)
	}
	if stored.Timestamp != 100 {
		t.Fatalf("stored timestamp = %d", stored.Timestamp)
	}

	rec, err := s.GetBlob(testHash)
	if err != nil {
		t.Fatalf("GetBlob returned error: %v", err)
	}
	if rec == nil || rec.Ciphertext != "cipher-v1" || rec.Timestamp != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// 凭证之间相互隔离
	other, err := s.GetBlob("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("GetBlob returned error: %v", err)
	}
	if other != nil {
		t.Fatal("records should be isolated per credential")
	}
}

func TestBlobConflictKeepsStored(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.PutBlob(testHash, BlobRecord{Timestamp: 200, Ciphertext: "newer"}); err != nil {
		t.Fatalf("PutBlob returned error: %v", err)
	}

	// 等于与小于存储时间戳都算过期
	for _, ts := range []int64{200, 150} {
		current, err := s.PutBlob(testHash, BlobRecord{Timestamp: ts, Ciphertext: "stale"})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("ts=%d: expected ErrConflict, got %v", ts, err)
		}
		if current == nil || current.Ciphertext != "newer" || current.Timestamp != 200 {
			t.Fatalf("conflict should return current record, got %+v", current)
		}
	}

	// 冲突不改动存储
	rec, err := s.GetBlob(testHash)
	if err != nil {
		t.Fatalf("GetBlob returned error: %v", err)
	}
	if rec.Ciphertext != "newer" {
		t.Fatal("stale write must not modify stored record")
	}
}

func TestShardsAbsent(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.GetShards(testHash)
	if err != nil {
		t.Fatalf("GetShards returned error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record for unknown credential")
	}
}

func TestShardsPutGet(t *testing.T) {
	s := openTestStore(t)

	shards := map[string]string{
		"habits":       "cipher-habits",
		"days-2026":    "cipher-days",
		"archive-2024": "cipher-archive",
	}
	stored, err := s.PutShards(testHash, 10, shards)
	if err != nil {
		t.Fatalf("PutShards returned error: %v", err)
	}
	if stored.Timestamp != 10 || len(stored.Shards) != 3 {
		t.Fatalf("unexpected stored record: %+v", stored)
	}

	rec, err := s.GetShards(testHash)
	if err != nil {
		t.Fatalf("GetShards returned error: %v", err)
	}
	if rec.Shards["days-2026"] != "cipher-days" {
		t.Fatalf("unexpected shards: %+v", rec.Shards)
	}

	// 第二次写入只带变化分片，未提及的分片保持原样
	updated, err := s.PutShards(testHash, 11, map[string]string{"habits": "cipher-habits-v2"})
	if err != nil {
		t.Fatalf("PutShards returned error: %v", err)
	}
	if updated.Shards["habits"] != "cipher-habits-v2" {
		t.Fatal("changed shard not updated")
	}
	if updated.Shards["archive-2024"] != "cipher-archive" {
		t.Fatal("untouched shard should survive partial update")
	}
	if updated.Timestamp != 11 {
		t.Fatalf("timestamp = %d, want 11", updated.Timestamp)
	}
}

func TestShardsConflictLeavesStoreUntouched(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.PutShards(testHash, 50, map[string]string{"habits": "v1"}); err != nil {
		t.Fatalf("PutShards returned error: %v", err)
	}

	current, err := s.PutShards(testHash, 50, map[string]string{"habits": "stale", "extra": "stale"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if current == nil || current.Timestamp != 50 || current.Shards["habits"] != "v1" {
		t.Fatalf("conflict should return current record, got %+v", current)
	}
	if _, ok := current.Shards["extra"]; ok {
		t.Fatal("stale write must not leave partial shards behind")
	}
}

func TestClosedStoreRefusesNonAtomically(t *testing.T) {
	s := openTestStore(t)
	s.Close()

	if _, err := s.GetBlob(testHash); !errors.Is(err, ErrAtomicUnavailable) {
		t.Fatalf("GetBlob after close: %v", err)
	}
	if _, err := s.PutBlob(testHash, BlobRecord{Timestamp: 1}); !errors.Is(err, ErrAtomicUnavailable) {
		t.Fatalf("PutBlob after close: %v", err)
	}
	if _, err := s.PutShards(testHash, 1, nil); !errors.Is(err, ErrAtomicUnavailable) {
		t.Fatalf("PutShards after close: %v", err)
	}
}
