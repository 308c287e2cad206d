// Package events provides the event log façade: durable append with live
// fan-out to subscribers. The worker is the only writer; the web gateway and
// any number of pollers are readers.
package events

import (
	"fmt"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/heimgewebe/sichter/app/store"
)

// Persister defines the storage operations the log needs
type Persister interface {
	AppendEvent(ev store.Event) (store.Event, error)
	TailEvents(n int) ([]store.Event, error)
}

// Log combines durable event storage with an in-memory broker for live
// delivery. Append persists first and then fans out; a subscriber that joins
// between the two can't happen because both run under the same lock, so the
// replay-then-live seam has no gap and no duplicate.
type Log struct {
	persister Persister
	buffer    int // per-subscriber channel capacity

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch      chan store.Event
	dropped int
}

// NewLog creates an event log with the given per-subscriber buffer size
func NewLog(persister Persister, buffer int) *Log {
	if buffer <= 0 {
		buffer = 200
	}
	return &Log{persister: persister, buffer: buffer, subs: map[*subscriber]struct{}{}}
}

// Append persists the event and delivers it to all live subscribers. A slow
// subscriber loses its oldest buffered event rather than blocking the writer.
func (l *Log) Append(ev store.Event) (store.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, err := l.persister.AppendEvent(ev)
	if err != nil {
		return store.Event{}, fmt.Errorf("failed to append event: %w", err)
	}

	for sub := range l.subs {
		select {
		case sub.ch <- stored:
			continue
		default:
		}
		// buffer full, drop the oldest and retry once
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		select {
		case sub.ch <- stored:
		default:
		}
	}
	return stored, nil
}

// Tail returns up to n most recent events, oldest-first
func (l *Log) Tail(n int) ([]store.Event, error) {
	return l.persister.TailEvents(n)
}

// Subscribe registers a live subscriber. It returns the last replay events
// (oldest-first) and a channel delivering every event appended after them.
// The returned cancel func must be called to release the subscription; it
// closes the channel.
func (l *Log) Subscribe(replay int) ([]store.Event, <-chan store.Event, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var replayed []store.Event
	if replay > 0 {
		var err error
		replayed, err = l.persister.TailEvents(replay)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to read replay tail: %w", err)
		}
	}

	sub := &subscriber{ch: make(chan store.Event, l.buffer)}
	l.subs[sub] = struct{}{}

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[sub]; !ok {
			return
		}
		delete(l.subs, sub)
		if sub.dropped > 0 {
			log.Printf("[WARN] subscriber dropped %d events due to slow consumption", sub.dropped)
		}
		close(sub.ch)
	}
	return replayed, sub.ch, cancel, nil
}

// Subscribers returns the current number of live subscribers
func (l *Log) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
