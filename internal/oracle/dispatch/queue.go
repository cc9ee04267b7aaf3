// internal/oracle/dispatch/queue.go
package dispatch

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/metrics"
	"experiment-oracle/internal/models"
)

var (
	ErrQueueFull   = stderrors.New("dispatch queue is full")
	ErrQueueClosed = stderrors.New("dispatch queue is stopped")
)

// Failure is a notification that could not be delivered.
type Failure struct {
	Envelope models.DispatchEnvelope
	Err      error
	At       time.Time
}

type QueueConfig struct {
	Size    int
	Workers int
	Timeout time.Duration
}

// Queue delivers envelopes in the background. Submit never waits on delivery;
// failures are logged and reported on Failures.
type Queue struct {
	notifier Notifier
	jobs     chan models.DispatchEnvelope
	failures chan Failure
	timeout  time.Duration
	logger   logger.Logger

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewQueue(notifier Notifier, cfg QueueConfig, log logger.Logger) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	q := &Queue{
		notifier: notifier,
		jobs:     make(chan models.DispatchEnvelope, cfg.Size),
		failures: make(chan Failure, cfg.Size),
		timeout:  cfg.Timeout,
		logger: log.With(map[string]interface{}{
			"component": "dispatch-queue",
			"transport": notifier.Transport(),
		}),
		stop: make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues env without blocking.
func (q *Queue) Submit(env models.DispatchEnvelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- env:
		metrics.DispatchQueueDepth.Set(float64(len(q.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Failures reports undelivered envelopes. Reports are dropped when nobody reads.
func (q *Queue) Failures() <-chan Failure {
	return q.failures
}

// Stop refuses new work, lets workers drain queued envelopes and waits for them
// until ctx is done. Envelopes still queued at that point are abandoned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.stopOnce.Do(func() { close(q.stop) })
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for env := range q.jobs {
		metrics.DispatchQueueDepth.Set(float64(len(q.jobs)))
		select {
		case <-q.stop:
			return
		default:
		}
		q.deliver(env)
	}
}

func (q *Queue) deliver(env models.DispatchEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	err := q.notifier.Notify(ctx, env)
	if err == nil {
		metrics.DispatchDeliveries.WithLabelValues(q.notifier.Transport(), "delivered").Inc()
		q.logger.Debug("Question delivered", map[string]interface{}{
			"conversationId": env.ConversationID,
			"durationMs":     time.Since(start).Milliseconds(),
		})
		return
	}

	metrics.DispatchDeliveries.WithLabelValues(q.notifier.Transport(), "failed").Inc()
	q.logger.Error("Failed to deliver question", map[string]interface{}{
		"conversationId": env.ConversationID,
		"userId":         env.UserID,
		"durationMs":     time.Since(start).Milliseconds(),
		"error":          err.Error(),
	})

	select {
	case q.failures <- Failure{Envelope: env, Err: err, At: time.Now()}:
	default:
	}
}
