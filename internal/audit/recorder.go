// Package audit はログイン成功記録を台帳へ非同期に追記するレコーダーを提供する。
// レスポンス経路をブロックせず、書き込み失敗はログとメトリクスにのみ反映する。
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/loginproxy/internal/model"
	"github.com/hitoshi/loginproxy/internal/repository"
)

// ErrClosed はClose後にRecordが呼ばれた場合に返される。
var ErrClosed = errors.New("audit recorder is closed")

// ErrQueueFull はキューが満杯で記録を破棄した場合に返される。
var ErrQueueFull = errors.New("audit queue is full")

// Failure reasons for RecordLedgerFailure.
const (
	FailureWrite     = "write"
	FailureQueueFull = "queue_full"
)

// MetricsRecorder は台帳書き込みのメトリクスを記録するインターフェース。
type MetricsRecorder interface {
	RecordLedgerWrite()
	RecordLedgerFailure(reason string)
}

// Config はRecorderの設定を保持する。
type Config struct {
	Workers      int           // 書き込みワーカー数（デフォルト: 4）
	QueueSize    int           // キューの容量（デフォルト: 1024）
	WriteTimeout time.Duration // 1件あたりの書き込みタイムアウト（デフォルト: 5秒）
}

// Recorder はLoginRecordを有界キューに積み、ワーカーが台帳へ追記する。
// 並行利用に対して安全。
type Recorder struct {
	ledger  repository.LoginLedger
	logger  *slog.Logger
	metrics MetricsRecorder
	config  Config
	now     func() time.Time

	queue chan *model.LoginRecord
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder は新しいRecorderを生成し、ワーカーを起動する。
// metricsはnilでもよい。
func NewRecorder(ledger repository.LoginLedger, logger *slog.Logger, metrics MetricsRecorder, config Config) *Recorder {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	r := &Recorder{
		ledger:  ledger,
		logger:  logger,
		metrics: metrics,
		config:  config,
		now:     time.Now,
		queue:   make(chan *model.LoginRecord, config.QueueSize),
	}

	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r
}

// Record はusernameのログイン成功をatの時刻で記録するようキューに積む。
// ブロックせず、キューが満杯の場合は記録を破棄してErrQueueFullを返す。
func (r *Recorder) Record(username string, at time.Time) error {
	rec := &model.LoginRecord{
		ID:        uuid.New().String(),
		Username:  username,
		LoginTime: at.UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}

	select {
	case r.queue <- rec:
		return nil
	default:
		r.logger.Warn("監査キューが満杯のためログイン記録を破棄しました",
			slog.String("username", username),
			slog.Int("queue_size", r.config.QueueSize),
		)
		r.recordFailure(FailureQueueFull)
		return ErrQueueFull
	}
}

// Close は新規の受け付けを停止し、キューに残った記録の書き込み完了を待つ。
// ctxが先に終了した場合はctx.Err()を返す。
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("監査キューのドレインがタイムアウトしました",
			slog.Int("pending", len(r.queue)),
		)
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.write(rec)
	}
}

// write はリクエストのコンテキストから切り離した独自のタイムアウトで1件書き込む。
func (r *Recorder) write(rec *model.LoginRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	start := r.now()
	if err := r.ledger.Insert(ctx, rec); err != nil {
		r.logger.Error("ログイン記録の書き込みに失敗しました",
			slog.String("login_id", rec.ID),
			slog.String("username", rec.Username),
			slog.String("error", err.Error()),
		)
		r.recordFailure(FailureWrite)
		return
	}

	if r.metrics != nil {
		r.metrics.RecordLedgerWrite()
	}
	r.logger.Debug("ログイン記録を書き込みました",
		slog.String("login_id", rec.ID),
		slog.Float64("duration_ms", float64(r.now().Sub(start).Microseconds())/1000),
	)
}

func (r *Recorder) recordFailure(reason string) {
	if r.metrics != nil {
		r.metrics.RecordLedgerFailure(reason)
	}
}
