// Package eventbus is a small in-process pub/sub used to decouple the
// scheduler from observers such as the run-history recorder.
package eventbus

import (
	"sync"
	"time"
)

// Topics published by the task layer.
const (
	TopicTaskFired     = "task.fired"
	TopicTaskFailed    = "task.failed"
	TopicTaskSkipped   = "task.skipped"
	TopicTaskScheduled = "task.scheduled"
	TopicTaskStopped   = "task.stopped"
)

// TaskEvent describes one lifecycle transition of a scheduled task.
type TaskEvent struct {
	Topic    string
	TaskID   string
	Callback string
	Kind     string
	At       time.Time
	Duration time.Duration
	Err      string
}

type subscriber struct {
	id     int
	topics map[string]struct{}
	ch     chan TaskEvent
}

// Bus fans TaskEvents out to subscribers. Publish never blocks: slow
// subscribers drop events instead of stalling the scheduler.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a buffered channel for the given topics.
// Empty topics means all topics. The returned cancel func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, topics ...string) (<-chan TaskEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	sub := &subscriber{ch: make(chan TaskEvent, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev TaskEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[ev.Topic]; !ok {
				continue
			}
		}
		b.trySend(sub, ev)
	}
}

func (b *Bus) trySend(sub *subscriber, ev TaskEvent) {
	// A concurrent cancel() may close the channel between the map read
	// and the send; recover rather than ordering every send against it.
	defer func() { _ = recover() }()
	select {
	case sub.ch <- ev:
	default:
	}
}

// Close removes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
