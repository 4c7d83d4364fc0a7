package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/habitloop/internal/config"
	"github.com/habitloop/internal/cryptobox"
	"github.com/habitloop/internal/db"
	"github.com/habitloop/internal/service"
	"github.com/habitloop/internal/state"
)

const snapshotKey = "current"

// agent 是手动同步入口：读本地快照，强制推送或拉取合并后写回
func main() {
	var (
		dbPath     string
		serverURL  string
		credential string
		doPush     bool
		doPull     bool
	)

	cfg := config.Load()
	flag.StringVar(&dbPath, "db", cfg.LocalDBPath, "local sqlite db path")
	flag.StringVar(&serverURL, "server", cfg.SyncBaseURL, "sync server base url")
	flag.StringVar(&credential, "credential", "", "sync credential")
	flag.BoolVar(&doPush, "push", false, "force push local state")
	flag.BoolVar(&doPull, "pull", false, "force pull and merge remote state")
	flag.Parse()

	if !doPush && !doPull {
		fmt.Fprintln(os.Stderr, "usage: agent -credential <secret> [-push] [-pull]")
		os.Exit(2)
	}
	if credential == "" {
		log.Fatal("凭证不能为空")
	}

	gdb, err := db.Open(dbPath)
	if err != nil {
		log.Fatal("本地数据库初始化失败:", err)
	}

	payload, _, err := db.LoadSnapshot(gdb, snapshotKey)
	if err != nil {
		log.Fatal("读取本地快照失败:", err)
	}

	appState := state.NewAppState()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, appState); err != nil {
			log.Fatal("解析本地快照失败:", err)
		}
	}

	store := state.NewStore(appState, state.DefaultYearCacheSize)
	worker := service.NewWorker(cfg.WorkerTimeout)
	defer worker.Close()

	svc := service.NewSyncService(serverURL, store, worker)
	svc.SetCredential(credential)
	svc.SetMaxRetries(cfg.MaxRetries)

	ctx := context.Background()

	if doPull {
		if err := svc.ForcePull(ctx); err != nil {
			log.Fatal("拉取合并失败:", err)
		}
	}
	if doPush {
		if err := svc.ForcePush(ctx); err != nil {
			log.Fatal("推送失败:", err)
		}
	}

	snap := store.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		log.Fatal("序列化状态失败:", err)
	}
	if err := db.SaveSnapshot(gdb, snapshotKey, data, snap.Version); err != nil {
		log.Fatal("保存本地快照失败:", err)
	}
	if err := db.SaveCredentialHash(gdb, "sync", cryptobox.HashCredential(credential)); err != nil {
		log.Fatal("保存凭证散列失败:", err)
	}

	fmt.Println("同步完成")
}
