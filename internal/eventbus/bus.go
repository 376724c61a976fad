package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Event is the envelope delivered to subscribers of a topic.
//
// Contract:
//   - Publish retries saturated subscribers with bounded back-off and is
//     otherwise non-blocking.
//   - Subscribers MUST use buffered channels and drain them promptly.
//   - Delivery is at-least-once; consumers dedup on the payload's
//     occurrence key.
//
// Data should be small and JSON-serializable.
type Event struct {
	ID    string
	Topic string
	Time  time.Time
	Data  any
}

// ErrSaturated is the terminal publish failure: a subscriber's buffer stayed
// full through every retry. The caller decides what that does to the alarm.
var ErrSaturated = errors.New("eventbus: subscriber saturated")

const (
	retryBase     = 100 * time.Millisecond
	retryCap      = 5 * time.Second
	retryMaxTries = 5
)

type Bus interface {
	Publish(ctx context.Context, topic string, data any) error
	Subscribe(topic string, buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory per-topic fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{topics: map[string]map[uint64]chan Event{}}
}

type memBus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]chan Event
	seq    atomic.Uint64
}

func (b *memBus) Publish(ctx context.Context, topic string, data any) error {
	e := Event{
		ID:    uuid.NewString(),
		Topic: topic,
		Time:  time.Now().UTC(),
		Data:  data,
	}

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	pending := make([]chan Event, 0, len(b.topics[topic]))
	for _, ch := range b.topics[topic] {
		pending = append(pending, ch)
	}
	b.mu.RUnlock()

	if len(pending) == 0 {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.MaxInterval = retryCap

	// Each attempt re-offers the event only to the subscribers that have
	// not accepted it yet; the ones that did may still see duplicates from
	// a caller-level retry, which the at-least-once contract allows.
	_, err := backoff.Retry(ctx, func() ([]struct{}, error) {
		pending = offer(pending, e)
		if len(pending) > 0 {
			return nil, fmt.Errorf("%w: topic %s, %d slow subscriber(s)", ErrSaturated, topic, len(pending))
		}
		return nil, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(retryMaxTries))
	return err
}

// offer attempts a non-blocking send to each channel and returns the ones
// that were full. If a subscriber unsubscribes concurrently and the channel
// closes, recover from the send panic and drop it from the pending set.
func offer(chs []chan Event, e Event) []chan Event {
	var full []chan Event
	for _, ch := range chs {
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				full = append(full, ch)
			}
		}()
	}
	return full
}

func (b *memBus) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = map[uint64]chan Event{}
	}
	b.topics[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], id)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
