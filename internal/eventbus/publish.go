// Copyright 2025 LLMOS Bridge Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"sync"
	"time"
)

// Bus is the Event Bus: one process-wide fan-out point. Publish never
// blocks on a slow subscriber — each subscriber has its own bounded
// channel, and a full channel causes that event to be dropped for that
// subscriber only, per spec.md §5's "lock-free fan-out, slow subscribers
// dropped" shared-resource policy.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	sinks       []Sink
}

// New returns an empty Bus with the given durable/mirror sinks attached.
// Sinks are written to synchronously but are expected to be fast and
// non-blocking themselves (e.g. a buffered file writer, a fire-and-forget
// Redis publish).
func New(sinks ...Sink) *Bus {
	return &Bus{subscribers: make(map[int]*subscriber), sinks: sinks}
}

// Publish stamps ev with the current time if unset and delivers it to
// every sink and every live subscriber. Event Bus failures are best-effort
// per spec.md §7 — Publish itself never returns an error.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, sink := range b.sinks {
		sink.Write(ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop rather than block the producer.
		}
	}
}

// Subscribe registers a new live listener and returns its read channel and
// an unsubscribe function. The channel is closed once Unsubscribe is
// called; callers must stop reading after that.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// SubscriberCount reports how many live subscribers are currently attached,
// for metrics/introspection.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
