package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrWorkerTimeout 在后台任务超过硬超时后返回
	// 超时的工作协程会被整体回收替换，不留悬挂的调用方
	ErrWorkerTimeout = errors.New("service: worker call timed out")
	// ErrWorkerClosed 在工作协程已关闭后返回
	ErrWorkerClosed = errors.New("service: worker closed")
)

// DefaultWorkerTimeout 单次后台任务的默认硬超时
const DefaultWorkerTimeout = 30 * time.Second

type workerJob struct {
	id    string
	run   func() (interface{}, error)
	reply chan workerResult
}

type workerResult struct {
	id    string
	value interface{}
	err   error
}

// Worker 是承接加解密与合并等 CPU 密集任务的长驻后台协程
// 调用走消息传递，每次调用携带关联 ID 与硬超时；
// 超时或卡死时旧协程被废弃替换，其全部未完成调用立即被拒绝
type Worker struct {
	mu      sync.Mutex
	jobs    chan workerJob
	quit    chan struct{}
	pending map[string]chan workerResult
	timeout time.Duration
	closed  bool
}

// NewWorker 启动后台工作协程
func NewWorker(timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	w := &Worker{
		pending: make(map[string]chan workerResult),
		timeout: timeout,
	}
	w.mu.Lock()
	w.spawn()
	w.mu.Unlock()
	return w
}

// spawn 重建任务通道并启动新协程；调用方持有 w.mu
func (w *Worker) spawn() {
	w.jobs = make(chan workerJob, 16)
	w.quit = make(chan struct{})
	go workerLoop(w.jobs, w.quit)
}

func workerLoop(jobs <-chan workerJob, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case job := <-jobs:
			value, err := job.run()
			select {
			case job.reply <- workerResult{id: job.id, value: value, err: err}:
			default:
				// 调用方已超时离开，结果丢弃
			}
		}
	}
}

// Do 把任务投递给后台协程并等待结果
// 超过硬超时会回收整个协程并替换，调用方立刻收到 ErrWorkerTimeout
func (w *Worker) Do(ctx context.Context, run func() (interface{}, error)) (interface{}, error) {
	id := uuid.NewString()
	reply := make(chan workerResult, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrWorkerClosed
	}
	jobs := w.jobs
	w.pending[id] = reply
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case jobs <- workerJob{id: id, run: run, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		w.recycle()
		return nil, ErrWorkerTimeout
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		w.recycle()
		return nil, ErrWorkerTimeout
	}
}

// recycle 终止当前协程、拒绝其全部未完成调用并启动替代协程
func (w *Worker) recycle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	close(w.quit)
	for id, ch := range w.pending {
		select {
		case ch <- workerResult{id: id, err: ErrWorkerTimeout}:
		default:
		}
		delete(w.pending, id)
	}
	w.spawn()
}

// Close 永久关闭工作协程并拒绝未完成调用
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	w.closed = true
	close(w.quit)
	for id, ch := range w.pending {
		select {
		case ch <- workerResult{id: id, err: ErrWorkerClosed}:
		default:
		}
		delete(w.pending, id)
	}
}
