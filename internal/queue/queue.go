// Package queue は優先度付きインプロセスジョブキューを提供する。
//
// キューは重複排除キーによる多重投入の抑止、優先度順のディスパッチ、
// 一時的エラーの遅延付き再試行、直近完了ジョブの保持を行う。
// 永続化は行わない: 同期ジョブの台帳はデータベースのnext_check_atであり、
// プロセス再起動後はスケジューラのスイープがキューを再構築する。
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/serialhub/internal/model"
)

// Job はキューに投入される1件のジョブ。
type Job struct {
	// Key は重複排除キー。同一キーのジョブは完了までキューに1件しか存在しない。
	Key string
	// Priority は優先度ランク。小さいほど先にディスパッチされる。
	Priority int
	// Payload はハンドラに渡される任意のデータ。
	Payload any
	// Attempt は現在の試行回数（1始まり）。
	Attempt int
	// EnqueuedAt は最初に投入された時刻。
	EnqueuedAt time.Time

	// sequence は同一優先度内のFIFO順を保証する単調増加値。
	sequence uint64
	// index はheap.Interface用の位置。
	index int
}

// Handler はジョブ1件を処理する関数。
// 返したエラーがmodel.IsRetryableで一時的と判定された場合のみ再試行される。
type Handler func(ctx context.Context, job *Job) error

// Result は完了したジョブの記録。保持リングに格納される。
type Result struct {
	Key        string
	Status     string
	Attempts   int
	Error      string
	FinishedAt time.Time
}

// 完了ステータス。
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Counts はキューの現在の状態。
type Counts struct {
	// Pending はディスパッチ待ちのジョブ数。
	Pending int
	// Active は実行中のジョブ数。
	Active int
	// Waiting は再試行の遅延待ちのジョブ数。
	Waiting int
}

// Depth はバックプレッシャ判定に使用するキューの深さ（Pending + Active + Waiting）。
func (c Counts) Depth() int {
	return c.Pending + c.Active + c.Waiting
}

// Options はキューの動作設定。
type Options struct {
	// Workers は並行実行するワーカー数。
	Workers int
	// MaxAttempts はジョブ1件の最大試行回数。
	MaxAttempts int
	// BackoffBase は再試行遅延の基準値。遅延は BackoffBase * 試行回数。
	BackoffBase time.Duration
	// BackoffCap は再試行遅延の上限。
	BackoffCap time.Duration
	// Retention は保持する完了ジョブ記録の件数。
	Retention int
	// Limiter はディスパッチのレートリミッタ。nilの場合は制限なし。
	Limiter *rate.Limiter
	// Logger は構造化ロガー。
	Logger *slog.Logger
}

// Queue は優先度付きインプロセスジョブキュー。
type Queue struct {
	name string
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	pending jobHeap
	keys    map[string]bool
	active  int
	waiting int
	seq     uint64
	closed  bool

	// results は直近完了ジョブのリングバッファ。
	results    []Result
	resultNext int

	timers map[*time.Timer]bool
	wg     sync.WaitGroup
}

// New は指定設定でキューを生成する。Startを呼ぶまでジョブはディスパッチされない。
func New(name string, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		name:   name,
		opts:   opts,
		keys:   make(map[string]bool),
		timers: make(map[*time.Timer]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	if opts.Retention > 0 {
		q.results = make([]Result, 0, opts.Retention)
	}
	return q
}

// Enqueue はジョブを投入する。
// 同一キーのジョブがすでにキュー内（待機・実行・再試行待ちを含む）に存在する場合は
// 投入せずfalseを返す。
func (q *Queue) Enqueue(key string, priority int, payload any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.keys[key] {
		return false
	}

	q.keys[key] = true
	q.seq++
	heap.Push(&q.pending, &Job{
		Key:        key,
		Priority:   priority,
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: time.Now(),
		sequence:   q.seq,
	})
	q.cond.Signal()
	return true
}

// Start はワーカーを起動する。コンテキストのキャンセルで全ワーカーが停止する。
func (q *Queue) Start(ctx context.Context, handler Handler) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	// コンテキストのキャンセルで待機中のワーカーを起こす
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		for timer := range q.timers {
			timer.Stop()
		}
		q.mu.Unlock()
		q.cond.Broadcast()
	}()
}

// Wait は全ワーカーの停止を待つ。
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Counts は現在のキュー状態を返す。
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Pending: q.pending.Len(),
		Active:  q.active,
		Waiting: q.waiting,
	}
}

// Depth はバックプレッシャ判定用のキュー深さを返す。
func (q *Queue) Depth() int {
	return q.Counts().Depth()
}

// Recent は直近完了ジョブの記録を新しい順に返す。
func (q *Queue) Recent() []Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Result, 0, len(q.results))
	// リングバッファを新しい順に走査する
	for i := 0; i < len(q.results); i++ {
		idx := (q.resultNext - 1 - i + len(q.results)) % len(q.results)
		out = append(out, q.results[idx])
	}
	return out
}

// worker はジョブを1件ずつ取り出して実行するループ。
func (q *Queue) worker(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	for {
		job := q.next()
		if job == nil {
			return
		}

		if q.opts.Limiter != nil {
			if err := q.opts.Limiter.Wait(ctx); err != nil {
				// シャットダウン中: ジョブをキューに戻さず終了する
				q.finish(job, StatusFailed, err)
				return
			}
		}

		err := handler(ctx, job)
		if err == nil {
			q.finish(job, StatusCompleted, nil)
			continue
		}

		if model.IsRetryable(err) && job.Attempt < q.opts.MaxAttempts {
			q.scheduleRetry(job, err)
			continue
		}

		q.opts.Logger.Warn("job failed permanently",
			slog.String("queue", q.name),
			slog.String("key", job.Key),
			slog.Int("attempts", job.Attempt),
			slog.String("error", err.Error()))
		q.finish(job, StatusFailed, err)
	}
}

// next は次のジョブを取得する。キューが閉じられた場合はnilを返す。
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}

	job := heap.Pop(&q.pending).(*Job)
	q.active++
	return job
}

// finish はジョブの完了を記録し、重複排除キーを解放する。
func (q *Queue) finish(job *Job, status string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	delete(q.keys, job.Key)
	q.record(Result{
		Key:        job.Key,
		Status:     status,
		Attempts:   job.Attempt,
		Error:      errString(err),
		FinishedAt: time.Now(),
	})
}

// scheduleRetry はジョブを遅延付きで再投入する。
// 重複排除キーは保持したままにする（遅延待ち中の多重投入を防ぐ）。
func (q *Queue) scheduleRetry(job *Job, cause error) {
	delay := q.opts.BackoffBase * time.Duration(job.Attempt)
	if q.opts.BackoffCap > 0 && delay > q.opts.BackoffCap {
		delay = q.opts.BackoffCap
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--

	if q.closed {
		delete(q.keys, job.Key)
		q.record(Result{
			Key:        job.Key,
			Status:     StatusFailed,
			Attempts:   job.Attempt,
			Error:      errString(cause),
			FinishedAt: time.Now(),
		})
		return
	}

	q.waiting++
	q.opts.Logger.Info("job scheduled for retry",
		slog.String("queue", q.name),
		slog.String("key", job.Key),
		slog.Int("attempt", job.Attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()))

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		delete(q.timers, timer)
		q.waiting--
		if q.closed {
			delete(q.keys, job.Key)
			return
		}

		job.Attempt++
		q.seq++
		job.sequence = q.seq
		heap.Push(&q.pending, job)
		q.cond.Signal()
	})
	q.timers[timer] = true
}

// record は完了記録をリングバッファに追加する。呼び出し側でロックを保持すること。
func (q *Queue) record(r Result) {
	if q.opts.Retention <= 0 {
		return
	}
	if len(q.results) < q.opts.Retention {
		q.results = append(q.results, r)
		q.resultNext = len(q.results) % q.opts.Retention
		return
	}
	q.results[q.resultNext] = r
	q.resultNext = (q.resultNext + 1) % q.opts.Retention
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// --- 優先度ヒープ ---

// jobHeap は (Priority, sequence) 昇順のヒープ。
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
