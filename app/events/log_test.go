package events

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimgewebe/sichter/app/store"
)

func prepLog(t *testing.T, buffer int) *Log {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return NewLog(s, buffer)
}

func TestLog_AppendAndTail(t *testing.T) {
	l := prepLog(t, 0)

	ev, err := l.Append(store.Event{Kind: "job.started", Payload: map[string]any{"job_id": "j1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)

	tail, err := l.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "job.started", tail[0].Kind)
}

func TestLog_SubscribeLive(t *testing.T) {
	l := prepLog(t, 0)

	replayed, live, cancel, err := l.Subscribe(0)
	require.NoError(t, err)
	defer cancel()
	assert.Empty(t, replayed)
	assert.Equal(t, 1, l.Subscribers())

	appended, err := l.Append(store.Event{Kind: "job.started"})
	require.NoError(t, err)

	select {
	case got := <-live:
		assert.Equal(t, appended.Seq, got.Seq)
		assert.Equal(t, "job.started", got.Kind)
	case <-time.After(time.Second):
		t.Fatal("no live event delivered")
	}
}

func TestLog_SubscribeReplayThenLive(t *testing.T) {
	l := prepLog(t, 0)

	for i := range 5 {
		_, err := l.Append(store.Event{Kind: "job.started", Line: fmt.Sprintf("old %d", i)})
		require.NoError(t, err)
	}

	replayed, live, cancel, err := l.Subscribe(3)
	require.NoError(t, err)
	defer cancel()

	require.Len(t, replayed, 3)
	assert.Equal(t, int64(3), replayed[0].Seq)
	assert.Equal(t, int64(5), replayed[2].Seq)

	// the first live event continues exactly where replay ended
	_, err = l.Append(store.Event{Kind: "job.done"})
	require.NoError(t, err)

	select {
	case got := <-live:
		assert.Equal(t, int64(6), got.Seq, "no gap and no duplicate at the replay seam")
	case <-time.After(time.Second):
		t.Fatal("no live event delivered")
	}
}

func TestLog_SlowSubscriberDropsOldest(t *testing.T) {
	l := prepLog(t, 2)

	_, live, cancel, err := l.Subscribe(0)
	require.NoError(t, err)
	defer cancel()

	// fill the buffer and overflow it without consuming
	for range 5 {
		_, err := l.Append(store.Event{Kind: "job.started"})
		require.NoError(t, err)
	}

	// only the newest two remain
	first := <-live
	second := <-live
	assert.Equal(t, int64(4), first.Seq)
	assert.Equal(t, int64(5), second.Seq)

	select {
	case ev := <-live:
		t.Fatalf("unexpected extra event %d", ev.Seq)
	default:
	}
}

func TestLog_CancelClosesChannel(t *testing.T) {
	l := prepLog(t, 0)

	_, live, cancel, err := l.Subscribe(0)
	require.NoError(t, err)
	cancel()

	_, open := <-live
	assert.False(t, open, "channel closed after cancel")
	assert.Equal(t, 0, l.Subscribers())

	// canceling twice is harmless
	cancel()
}

func TestLog_MultipleSubscribers(t *testing.T) {
	l := prepLog(t, 0)

	var chans []<-chan store.Event
	for range 3 {
		_, live, cancel, err := l.Subscribe(0)
		require.NoError(t, err)
		defer cancel()
		chans = append(chans, live)
	}
	assert.Equal(t, 3, l.Subscribers())

	_, err := l.Append(store.Event{Kind: "job.started"})
	require.NoError(t, err)

	for i, live := range chans {
		select {
		case got := <-live:
			assert.Equal(t, int64(1), got.Seq, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestLog_ConcurrentAppendAndSubscribe(t *testing.T) {
	l := prepLog(t, 500)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_, err := l.Append(store.Event{Kind: "job.started"})
				assert.NoError(t, err)
			}
		}()
	}

	replayed, live, cancel, err := l.Subscribe(1000)
	require.NoError(t, err)
	defer cancel()

	wg.Wait()

	// replay plus live must cover all 100 events with no gap or duplicate
	seen := map[int64]bool{}
	for _, ev := range replayed {
		assert.False(t, seen[ev.Seq])
		seen[ev.Seq] = true
	}
	for len(seen) < 100 {
		select {
		case ev := <-live:
			assert.False(t, seen[ev.Seq], "seq %d delivered twice", ev.Seq)
			seen[ev.Seq] = true
		case <-time.After(time.Second):
			t.Fatalf("stalled with %d of 100 events", len(seen))
		}
	}
}
