package queue

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nsqio/go-nsq"
	"github.com/panjf2000/ants/v2"
)

type localTask struct {
	topic string
	msg   *nsq.Message
}

// Local runs handlers on an ants pool inside the API process. Messages are
// held in a bounded buffer; Publish fails with ErrQueueFull instead of blocking.
// Nothing survives a restart, which the stale-job sweep accounts for.
type Local struct {
	pool        *ants.Pool
	tasks       chan localTask
	maxAttempts uint16

	mu       sync.RWMutex
	handlers map[string]nsq.Handler

	done chan struct{}
	wg   sync.WaitGroup
}

func NewLocal(workers, buffer int, maxAttempts uint16) (*Local, error) {
	pool, err := ants.NewPool(max(workers, 1), ants.WithPanicHandler(func(p any) {
		slog.Error("ingestion task panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	l := &Local{
		pool:        pool,
		tasks:       make(chan localTask, max(buffer, 1)),
		maxAttempts: max(maxAttempts, 1),
		handlers:    make(map[string]nsq.Handler),
		done:        make(chan struct{}),
	}
	l.wg.Add(1)
	go l.dispatch()
	return l, nil
}

// Subscribe registers h for topic. Messages published before a handler exists are dropped.
func (l *Local) Subscribe(topic string, h nsq.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic] = h
}

func (l *Local) Publish(topic string, body []byte) error {
	var id nsq.MessageID
	_, _ = rand.Read(id[:])
	msg := nsq.NewMessage(id, body)
	return l.enqueue(localTask{topic: topic, msg: msg})
}

func (l *Local) enqueue(t localTask) error {
	select {
	case <-l.done:
		return fmt.Errorf("local queue stopped")
	default:
	}
	select {
	case l.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Local) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case t := <-l.tasks:
			if err := l.pool.Submit(func() { l.run(t) }); err != nil {
				slog.Error("failed to submit task", "topic", t.topic, "error", err)
			}
		}
	}
}

func (l *Local) run(t localTask) {
	l.mu.RLock()
	h, ok := l.handlers[t.topic]
	l.mu.RUnlock()
	if !ok {
		slog.Warn("no handler for topic, dropping message", "topic", t.topic)
		return
	}

	t.msg.Attempts++
	if err := h.HandleMessage(t.msg); err != nil {
		if t.msg.Attempts >= l.maxAttempts {
			slog.Error("task failed, giving up", "topic", t.topic, "attempts", t.msg.Attempts, "error", err)
			return
		}
		slog.Warn("task failed, requeueing", "topic", t.topic, "attempts", t.msg.Attempts, "error", err)
		if err := l.enqueue(t); err != nil {
			slog.Error("failed to requeue task", "topic", t.topic, "error", err)
		}
	}
}

// Stop stops dispatching and waits for running handlers.
func (l *Local) Stop() {
	select {
	case <-l.done:
		return
	default:
		close(l.done)
	}
	l.wg.Wait()
	l.pool.ReleaseTimeout(defaultDrainTimeout)
}
