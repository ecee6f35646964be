package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	retryQueueCap    = 256
	retryMaxAttempts = 5
	retryBaseDelay   = time.Second
)

// retryQueue re-attempts turn writes that failed against the durable store.
// Turns are retried with exponential backoff; after retryMaxAttempts the turn
// is dropped with an error log.
type retryQueue struct {
	store TurnLog
	ch    chan Turn

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newRetryQueue(store TurnLog) *retryQueue {
	q := &retryQueue{
		store: store,
		ch:    make(chan Turn, retryQueueCap),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// enqueue schedules a turn for background retry. When the queue is full the
// turn is dropped; losing a turn beats blocking the request path.
func (q *retryQueue) enqueue(turn Turn) {
	select {
	case q.ch <- turn:
	default:
		slog.Error("memory retry queue full, dropping turn",
			"user_id", turn.UserID, "turn_id", turn.ID)
	}
}

func (q *retryQueue) stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

func (q *retryQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case turn := <-q.ch:
			q.retry(turn)
		}
	}
}

func (q *retryQueue) retry(turn Turn) {
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		select {
		case <-q.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := q.store.AppendTurn(ctx, turn)
		cancel()
		if err == nil {
			slog.Info("queued turn persisted after retry",
				"user_id", turn.UserID, "turn_id", turn.ID, "attempt", attempt)
			return
		}
		slog.Warn("turn retry failed",
			"user_id", turn.UserID, "turn_id", turn.ID, "attempt", attempt, "err", err)
		delay *= 2
	}
	slog.Error("giving up on turn after max retries",
		"user_id", turn.UserID, "turn_id", turn.ID)
}
