package store

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Event is an immutable, timestamped record of system or job activity.
// Seq is assigned by the store on append and defines the total order.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      time.Time      `json:"ts"`
	Kind    string         `json:"kind"`
	Line    string         `json:"line,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AppendEvent persists an event and returns it with the assigned sequence
// number. The event is durable before the call returns.
func (s *Store) AppendEvent(ev Event) (Event, error) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	payload := ""
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payload = string(b)
	}

	res, err := s.db.Exec(`INSERT INTO events (ts, kind, line, payload) VALUES (?, ?, ?, ?)`,
		ev.TS.Unix(), ev.Kind, ev.Line, payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to insert event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("failed to get event seq: %w", err)
	}
	ev.Seq = seq
	return ev, nil
}

// TailEvents returns up to n most recent events, oldest-first. If fewer than
// n exist it returns all of them.
func (s *Store) TailEvents(n int) ([]Event, error) {
	if n <= 0 {
		return []Event{}, nil
	}

	var rows []struct {
		Seq     int64  `db:"seq"`
		TS      int64  `db:"ts"`
		Kind    string `db:"kind"`
		Line    string `db:"line"`
		Payload string `db:"payload"`
	}
	err := s.db.Select(&rows, `SELECT seq, ts, kind, line, payload FROM events ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	// rows come newest-first, flip to oldest-first
	events := make([]Event, len(rows))
	for i, r := range rows {
		ev := Event{Seq: r.Seq, TS: time.Unix(r.TS, 0), Kind: r.Kind, Line: r.Line}
		if r.Payload != "" {
			if err := json.Unmarshal([]byte(r.Payload), &ev.Payload); err != nil {
				log.Printf("[WARN] failed to unmarshal payload for event %d: %v", r.Seq, err)
			}
		}
		events[len(rows)-1-i] = ev
	}
	return events, nil
}
