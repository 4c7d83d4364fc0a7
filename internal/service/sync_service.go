package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/habitloop/internal/cryptobox"
	"github.com/habitloop/internal/merge"
	"github.com/habitloop/internal/state"
)

var (
	// ErrUnauthorized 在服务端拒绝凭证后返回；本地凭证已被清除，不再重试
	ErrUnauthorized = errors.New("service: credential rejected")
	// ErrNoCredential 在尚未设置同步凭证时返回
	ErrNoCredential = errors.New("service: credential not set")
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// remoteRecord 是整块协议的线上记录形态
type remoteRecord struct {
	Timestamp  int64  `json:"timestamp"`
	Ciphertext string `json:"ciphertext"`
}

// conflictError 携带 409 响应里的权威远端记录
type conflictError struct {
	record remoteRecord
}

func (e *conflictError) Error() string {
	return "service: remote state is newer"
}

// httpStatusError 标记非冲突的失败响应；5xx 可重试
type httpStatusError struct {
	status  int
	message string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("service: server returned %d: %s", e.status, e.message)
}

// SyncService 负责本地状态与同步服务端之间的推拉
// 推送做防抖合并：任意时刻最多一个在途推送，期间到达的
// 最新快照排队随后发出，服务端总能收到最终状态
type SyncService struct {
	mu         sync.Mutex
	http       httpDoer
	baseURL    string
	credential string
	store      *state.Store
	worker     *Worker

	debounce   time.Duration
	maxRetries uint64
	timer      *time.Timer
	inFlight   bool
	pending    *state.AppState
	lastError  string

	onCredentialCleared func()
}

// NewSyncService 构造同步客户端
func NewSyncService(baseURL string, store *state.Store, worker *Worker) *SyncService {
	return &SyncService{
		http:       &http.Client{Timeout: 20 * time.Second},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		store:      store,
		worker:     worker,
		debounce:   2 * time.Second,
		maxRetries: 5,
	}
}

// SetHTTPClient 注入自定义 HTTP 客户端，测试用
func (s *SyncService) SetHTTPClient(client httpDoer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client == nil {
		s.http = &http.Client{Timeout: 20 * time.Second}
		return
	}
	s.http = client
}

// SetCredential 设置同步凭证（原文只驻留内存，用于派生密钥与散列）
func (s *SyncService) SetCredential(credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = strings.TrimSpace(credential)
}

// SetDebounce 调整防抖间隔
func (s *SyncService) SetDebounce(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.debounce = d
	}
}

// SetMaxRetries 调整瞬态失败的重试上限
func (s *SyncService) SetMaxRetries(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= 0 {
		s.maxRetries = uint64(n)
	}
}

// SetOnCredentialCleared 注册凭证失效回调，上层提示用户重新登录
func (s *SyncService) SetOnCredentialCleared(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCredentialCleared = fn
}

// LastError 返回最近一次持久失败的描述，供界面展示
func (s *SyncService) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *SyncService) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

// SchedulePush 防抖调度一次推送，快速连续的本地变更被合并
func (s *SyncService) SchedulePush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		_ = s.Push(context.Background())
	})
}

// Push 立即推送当前状态快照
// 已有推送在途时仅更新待发快照，由在途推送完成后接力发出
func (s *SyncService) Push(ctx context.Context) error {
	snap := s.store.Snapshot()

	s.mu.Lock()
	if s.credential == "" {
		s.mu.Unlock()
		return ErrNoCredential
	}
	if s.inFlight {
		s.pending = snap
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	s.mu.Unlock()

	err := s.pushWithRetry(ctx, snap)

	for {
		s.mu.Lock()
		next := s.pending
		s.pending = nil
		if next == nil {
			s.inFlight = false
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		err = s.pushWithRetry(ctx, next)
	}

	s.setLastError(err)
	return err
}

// pushWithRetry 以指数退避处理瞬态失败
// 401 清除凭证立即放弃；409 先拉取合并再重发合并结果
func (s *SyncService) pushWithRetry(ctx context.Context, snap *state.AppState) error {
	current := snap

	op := func() error {
		err := s.pushOnce(ctx, current)
		if err == nil {
			return nil
		}

		var conflict *conflictError
		if errors.As(err, &conflict) {
			merged, mergeErr := s.reconcile(ctx, current, conflict.record)
			if mergeErr != nil {
				return backoff.Permanent(mergeErr)
			}
			current = merged
			return err
		}

		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}

		var status *httpStatusError
		if errors.As(err, &status) && status.status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}

		return err
	}

	bo := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), s.maxRetries)
	return backoff.Retry(op, bo)
}

func (s *SyncService) pushOnce(ctx context.Context, snap *state.AppState) error {
	s.mu.Lock()
	cred := s.credential
	client := s.http
	s.mu.Unlock()

	if cred == "" {
		return ErrNoCredential
	}

	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}

	sealed, err := s.worker.Do(ctx, func() (interface{}, error) {
		return cryptobox.Encrypt(doc, cred)
	})
	if err != nil {
		return fmt.Errorf("加密状态失败: %w", err)
	}

	body, err := json.Marshal(remoteRecord{
		Timestamp:  snap.UpdatedAt,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.([]byte)),
	})
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建同步请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Hash", cryptobox.HashCredential(cred))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("请求同步接口失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("读取同步响应失败: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		s.clearCredential()
		return ErrUnauthorized
	case http.StatusConflict:
		var record remoteRecord
		if err := json.Unmarshal(respBody, &record); err != nil {
			return fmt.Errorf("解析冲突响应失败: %w", err)
		}
		return &conflictError{record: record}
	default:
		return &httpStatusError{status: resp.StatusCode, message: strings.TrimSpace(string(respBody))}
	}
}

// reconcile 解密远端记录并与本地快照做语义合并，合并结果写回存储
func (s *SyncService) reconcile(ctx context.Context, snap *state.AppState, record remoteRecord) (*state.AppState, error) {
	s.mu.Lock()
	cred := s.credential
	s.mu.Unlock()

	sealed, err := base64.StdEncoding.DecodeString(record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("解码远端密文失败: %w", err)
	}

	plain, err := s.worker.Do(ctx, func() (interface{}, error) {
		return cryptobox.Decrypt(sealed, cred)
	})
	if err != nil {
		return nil, fmt.Errorf("解密远端状态失败: %w", err)
	}

	remote := state.NewAppState()
	if err := json.Unmarshal(plain.([]byte), remote); err != nil {
		return nil, fmt.Errorf("解析远端状态失败: %w", err)
	}

	merged, err := s.worker.Do(ctx, func() (interface{}, error) {
		return merge.Merge(snap, remote), nil
	})
	if err != nil {
		return nil, fmt.Errorf("合并状态失败: %w", err)
	}

	result := merged.(*state.AppState)
	s.store.Replace(result)
	return result, nil
}

// Pull 拉取并解密远端快照；远端无数据或未设置凭证时返回 nil
func (s *SyncService) Pull(ctx context.Context) (*state.AppState, error) {
	s.mu.Lock()
	cred := s.credential
	client := s.http
	s.mu.Unlock()

	if cred == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/sync", nil)
	if err != nil {
		return nil, fmt.Errorf("创建拉取请求失败: %w", err)
	}
	req.Header.Set("X-Auth-Hash", cryptobox.HashCredential(cred))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求同步接口失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("读取同步响应失败: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized:
		s.clearCredential()
		return nil, ErrUnauthorized
	case http.StatusOK:
	default:
		return nil, &httpStatusError{status: resp.StatusCode, message: strings.TrimSpace(string(respBody))}
	}

	var record remoteRecord
	if err := json.Unmarshal(respBody, &record); err != nil {
		return nil, fmt.Errorf("解析远端记录失败: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("解码远端密文失败: %w", err)
	}

	plain, err := s.worker.Do(ctx, func() (interface{}, error) {
		return cryptobox.Decrypt(sealed, cred)
	})
	if err != nil {
		return nil, err
	}

	remote := state.NewAppState()
	if err := json.Unmarshal(plain.([]byte), remote); err != nil {
		return nil, fmt.Errorf("解析远端状态失败: %w", err)
	}
	return remote, nil
}

// ForcePull 手动拉取远端并与本地合并，首次录入凭证后调用
func (s *SyncService) ForcePull(ctx context.Context) error {
	remote, err := s.Pull(ctx)
	if err != nil {
		s.setLastError(err)
		return err
	}
	if remote == nil {
		return nil
	}

	local := s.store.Snapshot()
	merged, err := s.worker.Do(ctx, func() (interface{}, error) {
		return merge.Merge(local, remote), nil
	})
	if err != nil {
		s.setLastError(err)
		return err
	}

	s.store.Replace(merged.(*state.AppState))
	s.setLastError(nil)
	return nil
}

// ForcePush 跳过防抖立即推送
func (s *SyncService) ForcePush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.Push(ctx)
}

// clearCredential 在服务端判定凭证无效后立即清除本地凭证
func (s *SyncService) clearCredential() {
	s.mu.Lock()
	s.credential = ""
	fn := s.onCredentialCleared
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
