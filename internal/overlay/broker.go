/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package overlay implements OverlayBroker (spec §4.3): per-task pub/sub of
// OverlayEvents with bounded live buffering and late-join replay. The
// bounded-eviction discipline is grounded in the teacher's result_cache.go
// (a mutex-guarded map plus an insertion-order slice, evicting oldest once
// full); the callback-free, queue-per-subscriber fan-out replaces the
// teacher's http.Flusher-driven SSE loop (internal/gateway/handler.go's
// streamResponse) with an independent buffered channel per subscriber, so a
// slow subscriber's backpressure never touches the producer or other
// subscribers (spec §9's design note on callback-heavy PTY handling).
package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/forgeman-ai/forgeman/internal/core"
)

// Persister durably stores OverlayEvents once they leave the live buffer,
// and serves replay for subscribers joining behind the live window.
// Implemented by *audit.Store.
type Persister interface {
	PersistOverlayEvent(ctx context.Context, ev core.OverlayEvent) error
	ReplayOverlayEvents(ctx context.Context, taskID string, fromSeq, toSeq uint64) ([]core.OverlayEvent, error)
}

// Config bounds the live buffer and subscriber queue sizes.
type Config struct {
	LiveBufferSize      int
	SubscriberQueueSize int
}

// DefaultConfig matches the teacher's result cache default scale (bounded,
// small enough to keep memory flat; large enough to cover a burst).
func DefaultConfig() Config {
	return Config{LiveBufferSize: 4096, SubscriberQueueSize: 256}
}

type subscriber struct {
	ch     chan core.OverlayEvent
	done   chan struct{}
	start  uint64 // Publish's fan-out withholds events with Seq < start
	closed bool
}

type topic struct {
	mu        sync.Mutex
	taskID    string
	nextSeq   uint64
	live      []core.OverlayEvent // oldest first, bounded to LiveBufferSize
	subs      map[uint64]*subscriber
	nextSubID uint64
	closed    bool
	exitSeen  bool
}

// Broker is the OverlayBroker.
type Broker struct {
	cfg       Config
	persister Persister

	mu     sync.Mutex
	topics map[string]*topic
}

// New constructs a Broker. persister may be nil, in which case late-join
// replay behind the live buffer is unavailable (acceptable for short-lived
// tasks whose entire history fits in the live buffer).
func New(persister Persister, cfg Config) *Broker {
	if cfg.LiveBufferSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Broker{cfg: cfg, persister: persister, topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{taskID: taskID, subs: make(map[uint64]*subscriber)}
		b.topics[taskID] = t
	}
	return t
}

// Publish assigns the next sequence number for taskID, persists the event,
// appends it to the live buffer (evicting the oldest once over
// LiveBufferSize), and fans it out to subscribers non-blocking. Publish
// never blocks on a subscriber: a full subscriber queue triggers
// disconnection with META(slow_consumer), never backpressure on the
// producer (spec §4.3).
func (b *Broker) Publish(ctx context.Context, taskID string, stream core.OverlayStream, payload []byte) (core.OverlayEvent, error) {
	t := b.topicFor(taskID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.OverlayEvent{}, nil
	}
	ev := core.OverlayEvent{
		TaskID:  taskID,
		Seq:     t.nextSeq,
		TS:      time.Now().UTC(),
		Stream:  stream,
		Payload: payload,
	}
	t.nextSeq++
	if stream == core.StreamMeta {
		// META payloads are not inspected here; Close relies on its
		// exitAlreadyRecorded argument to avoid a duplicate process_exit.
	}

	var toNotify []*subscriber
	for _, s := range t.subs {
		toNotify = append(toNotify, s)
	}
	t.live = append(t.live, ev)
	var evicted *core.OverlayEvent
	if len(t.live) > b.cfg.LiveBufferSize {
		e := t.live[0]
		evicted = &e
		t.live = t.live[1:]
	}
	t.mu.Unlock()

	if b.persister != nil {
		_ = b.persister.PersistOverlayEvent(ctx, ev)
		_ = evicted // already persisted above; eviction from the live buffer never loses data
	}

	for _, s := range toNotify {
		if ev.Seq < s.start {
			// This subscriber asked to resume from a seq beyond the current
			// tail (spec §4.3's from_seq > tail boundary case): it must block
			// until the stream actually reaches that seq, not receive
			// whatever happens to publish in the meantime.
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.disconnectSlow(t, s)
		}
	}
	return ev, nil
}

func (b *Broker) disconnectSlow(t *topic, s *subscriber) {
	t.mu.Lock()
	if s.closed {
		t.mu.Unlock()
		return
	}
	s.closed = true
	for id, cand := range t.subs {
		if cand == s {
			delete(t.subs, id)
			break
		}
	}
	t.mu.Unlock()
	close(s.done)
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	Events <-chan core.OverlayEvent
	Done   <-chan struct{}
	cancel func()
}

// Close detaches the subscription; the subscriber's channel is no longer
// fed and its resources are released.
func (s *Subscription) Close() { s.cancel() }

// Subscribe delivers events in strict sequence order starting at fromSeq.
// A nil fromSeq means "live": the tail of the current live buffer. If
// fromSeq precedes the live buffer's oldest retained event, the
// subscription transparently replays from the persisted overlay stream
// then joins the live feed with no gaps and no duplicates (spec §4.3).
func (b *Broker) Subscribe(ctx context.Context, taskID string, fromSeq *uint64) (*Subscription, error) {
	t := b.topicFor(taskID)

	t.mu.Lock()
	var start uint64
	if fromSeq == nil {
		start = t.nextSeq
	} else {
		start = *fromSeq
	}

	var liveOldest uint64
	if len(t.live) > 0 {
		liveOldest = t.live[0].Seq
	} else {
		liveOldest = t.nextSeq
	}

	var needsReplay bool
	var replayTo uint64
	if start < liveOldest {
		needsReplay = true
		replayTo = liveOldest
	}

	// Snapshot the portion of the live buffer at or after start.
	var liveSnapshot []core.OverlayEvent
	for _, ev := range t.live {
		if ev.Seq >= start {
			liveSnapshot = append(liveSnapshot, ev)
		}
	}

	sub := &subscriber{
		ch:    make(chan core.OverlayEvent, b.cfg.SubscriberQueueSize),
		done:  make(chan struct{}),
		start: start,
	}
	if t.closed {
		// Closed topics still serve the full historical stream, then
		// terminate cleanly (spec §4.3's close() contract).
		t.mu.Unlock()
		out := make(chan core.OverlayEvent, len(liveSnapshot)+1)
		if needsReplay && b.persister != nil {
			replayed, _ := b.persister.ReplayOverlayEvents(ctx, taskID, start, replayTo)
			for _, ev := range replayed {
				out <- ev
			}
		}
		for _, ev := range liveSnapshot {
			out <- ev
		}
		close(out)
		done := make(chan struct{})
		close(done)
		return &Subscription{Events: out, Done: done, cancel: func() {}}, nil
	}

	subID := t.nextSubID
	t.nextSubID++
	t.subs[subID] = sub
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if !sub.closed {
			sub.closed = true
			delete(t.subs, subID)
		}
		t.mu.Unlock()
	}

	if needsReplay && b.persister != nil {
		replayed, _ := b.persister.ReplayOverlayEvents(ctx, taskID, start, replayTo)
		// Replay feeds the subscriber's own channel ahead of anything
		// published after registration; the channel buffer absorbs
		// concurrent publishes since the subscriber was already registered.
		for _, ev := range replayed {
			select {
			case sub.ch <- ev:
			default:
				b.disconnectSlow(t, sub)
				return &Subscription{Events: sub.ch, Done: sub.done, cancel: cancel}, nil
			}
		}
	}
	for _, ev := range liveSnapshot {
		select {
		case sub.ch <- ev:
		default:
			b.disconnectSlow(t, sub)
			break
		}
	}

	return &Subscription{Events: sub.ch, Done: sub.done, cancel: cancel}, nil
}

// Close flushes pending events, writes a META(process-exit) unless the
// caller reports one was already recorded (exitAlreadyRecorded), and marks
// the topic closed. Subsequent
// subscribers receive the full historical stream then terminate.
func (b *Broker) Close(ctx context.Context, taskID string, exitAlreadyRecorded bool) error {
	t := b.topicFor(taskID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if !exitAlreadyRecorded {
		// Publish while the topic is still open so the exit record reaches
		// live subscribers before the topic seals.
		_, _ = b.Publish(ctx, taskID, core.StreamMeta, []byte(`{"kind":"process_exit"}`))
	}

	t.mu.Lock()
	t.closed = true
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[uint64]*subscriber)
	t.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
		if !s.closed {
			close(s.done)
		}
	}
	return nil
}
