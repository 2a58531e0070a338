package session

import (
	"encoding/json"
	"io"
	"slices"
	"sync"
	"time"
)

// Direction tells which side sent a logged frame.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// LogEntry is one frame of the message log.
type LogEntry struct {
	Time      time.Time       `json:"time"`
	Direction Direction       `json:"direction"`
	Frame     json.RawMessage `json:"frame"`
}

// messageLog is a bounded, ordered record of frames, optionally mirrored
// to a trace writer.
type messageLog struct {
	mu      sync.Mutex
	entries []LogEntry
	max     int
	trace   io.Writer
	enc     *json.Encoder
}

func newMessageLog(max int, trace io.Writer) *messageLog {
	l := &messageLog{max: max, trace: trace}
	if trace != nil {
		l.enc = json.NewEncoder(trace)
	}
	return l
}

func (l *messageLog) add(dir Direction, frame []byte) {
	e := LogEntry{Time: time.Now(), Direction: dir}
	if json.Valid(frame) {
		e.Frame = append(json.RawMessage(nil), frame...)
	} else {
		// Keep invalid frames inspectable as a JSON string.
		e.Frame, _ = json.Marshal(string(frame))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.max {
		n := len(l.entries) - l.max + 1
		l.entries = slices.Delete(l.entries, 0, n)
	}
	l.entries = append(l.entries, e)
	if l.enc != nil {
		// Trace failures never affect the session.
		_ = l.enc.Encode(e)
	}
}

func (l *messageLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}
