package workerpool

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// Task 定义任务函数类型
type Task func()

// Pool 按键分片的 Worker Pool
// 同一个键（如设备键）的任务总是落在同一个 worker 上，按提交顺序执行
type Pool struct {
	shards []chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New 创建 Worker Pool
// workers: worker 数量，每个 worker 一条队列
// queueSize: 全部队列的总容量，平均分给各 worker
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	perShard := queueSize / workers
	if perShard < 1 {
		perShard = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		shards: make([]chan Task, workers),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "workerpool"),
	}
	for i := range pool.shards {
		pool.shards[i] = make(chan Task, perShard)
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"shard_queue", perShard)

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	queue := p.shards[id]
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-queue:
			p.run(id, task)
		}
	}
}

// run 执行任务，捕获 panic
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"panic", r)
		}
	}()
	task()
}

func (p *Pool) shard(key string) chan Task {
	if len(p.shards) == 1 {
		return p.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit 提交任务，分片队列满时阻塞直到有空位或 Pool 关闭
func (p *Pool) Submit(key string, task Task) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.shard(key) <- task:
		return true
	}
}

// TrySubmit 尝试提交任务，分片队列满时立即返回 false
func (p *Pool) TrySubmit(key string, task Task) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.shard(key) <- task:
		return true
	default:
		return false
	}
}

// Pending 排队中尚未开始的任务数
func (p *Pool) Pending() int {
	n := 0
	for _, q := range p.shards {
		n += len(q)
	}
	return n
}

// Context Pool 生命周期 context，关闭时取消
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Shutdown 关闭 Worker Pool 并等待正在执行的任务结束
// 队列中尚未开始的任务被丢弃，排空任务可由下次注册重新触发
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
