// Package client provides a stream adapter for consuming sichter events
// remotely. It prefers the live SSE stream and degrades to snapshot polling
// when the stream is unavailable, retrying the stream in the background.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/heimgewebe/sichter/app/store"
)

// Watcher consumes events from a sichter gateway, over the live stream when
// possible and by polling otherwise. Events are buffered up to Buffer entries
// with the oldest dropped on overflow.
type Watcher struct {
	BaseURL       string        // gateway base, e.g. http://localhost:8080
	Client        *http.Client  // optional, defaults to a client with no timeout
	Replay        int           // events to replay on stream connect, default 50
	PollInterval  time.Duration // polling cadence in fallback mode, default 5s
	RetryInterval time.Duration // how often to retry the stream while polling, default 30s
	Buffer        int           // event buffer size, default 200

	mu        sync.Mutex
	events    []store.Event
	lastSeq   int64
	connected bool
	err       error
}

// State is a snapshot of the watcher: buffered events, whether the live
// stream is up, and the last transport error if any.
type State struct {
	Connected bool
	Events    []store.Event
	Err       error
}

// Run starts the watcher loop, blocking until ctx is canceled
func (c *Watcher) Run(ctx context.Context) error {
	if c.BaseURL == "" {
		return fmt.Errorf("watcher requires a base URL")
	}
	if c.Client == nil {
		c.Client = &http.Client{} // no timeout, the stream is long-lived
	}
	if c.Replay <= 0 {
		c.Replay = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 200
	}

	for {
		if err := c.stream(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[WARN] event stream failed, falling back to polling: %v", err)
			c.setConnected(false, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.poll(ctx); err != nil {
			return err
		}
	}
}

// Observe returns the current state and drains the buffered events
func (c *Watcher) Observe() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return State{Connected: c.connected, Events: events, Err: c.err}
}

// stream consumes the SSE endpoint until it fails or ctx is canceled
func (c *Watcher) stream(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/events/stream?replay=%d", strings.TrimSuffix(c.BaseURL, "/"), c.Replay)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to make stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream request failed: status %d", resp.StatusCode)
	}

	c.setConnected(true, nil)
	log.Printf("[INFO] connected to event stream at %s", c.BaseURL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	heartbeat := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			heartbeat = false // frame boundary
		case strings.HasPrefix(line, "event: heartbeat"):
			heartbeat = true
		case strings.HasPrefix(line, "data: "):
			if heartbeat {
				continue
			}
			var ev store.Event
			if uerr := json.Unmarshal([]byte(line[len("data: "):]), &ev); uerr != nil {
				log.Printf("[WARN] skipping malformed stream event: %v", uerr)
				continue
			}
			c.record(ev)
		}
	}
	if serr := scanner.Err(); serr != nil {
		return fmt.Errorf("stream read failed: %w", serr)
	}
	return fmt.Errorf("stream closed by server")
}

// poll fetches snapshots until the retry interval elapses or ctx is canceled.
// The first snapshot is taken immediately so consumers never wait a full
// interval after a stream loss.
func (c *Watcher) poll(ctx context.Context) error {
	if err := c.fetchTail(ctx); err != nil {
		log.Printf("[WARN] event poll failed: %v", err)
		c.setConnected(false, err)
	}

	retry := time.After(c.RetryInterval)
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry:
			return nil // back to stream attempt
		case <-ticker.C:
			if err := c.fetchTail(ctx); err != nil {
				log.Printf("[WARN] event poll failed: %v", err)
				c.setConnected(false, err)
			}
		}
	}
}

// fetchTail fetches the event tail and records events newer than lastSeq
func (c *Watcher) fetchTail(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/events?n=%d", strings.TrimSuffix(c.BaseURL, "/"), c.Replay)
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to make tail request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("tail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tail request failed: status %d", resp.StatusCode)
	}

	var body struct {
		Events []store.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode tail response: %w", err)
	}

	for _, ev := range body.Events {
		c.record(ev)
	}
	return nil
}

// record appends an event to the buffer, deduplicating by sequence number
// and dropping the oldest entry on overflow
func (c *Watcher) record(ev store.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Seq > 0 && ev.Seq <= c.lastSeq {
		return
	}
	if ev.Seq > c.lastSeq {
		c.lastSeq = ev.Seq
	}

	c.events = append(c.events, ev)
	if len(c.events) > c.Buffer {
		c.events = c.events[len(c.events)-c.Buffer:]
	}
}

func (c *Watcher) setConnected(connected bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	c.err = err
}
