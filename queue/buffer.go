// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package queue

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/proctor/structs"
)

// eventBuffer accumulates a run's events in memory up to the configured caps.
// The buffer feeds two sinks: incremental log flushes while the run is live,
// and the serialized result column when the run turns terminal.
type eventBuffer struct {
	maxEvents      int
	maxScreenshots int

	mu          sync.Mutex
	events      []*structs.Event
	screenshots int

	// persisted is the index below which events have been flushed to the
	// run's logs column.
	persisted int

	flushTimer *time.Timer
	stopped    bool
}

func newEventBuffer(maxEvents, maxScreenshots int) *eventBuffer {
	return &eventBuffer{
		maxEvents:      maxEvents,
		maxScreenshots: maxScreenshots,
	}
}

// Append adds the event unless a cap has been reached. Returns false when the
// event was dropped.
func (b *eventBuffer) Append(event *structs.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.maxEvents {
		return false
	}
	if event.Type == structs.EventTypeScreenshot {
		if b.screenshots >= b.maxScreenshots {
			return false
		}
		b.screenshots++
	}
	b.events = append(b.events, event)
	return true
}

// Len reports the buffered event count.
func (b *eventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Snapshot copies the buffered events for API reads.
func (b *eventBuffer) Snapshot() []*structs.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*structs.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Flush hands the unflushed tail to fn while holding the buffer, so a Stop
// racing with a fired timer cannot interleave between the snapshot and the
// write. The cursor advances only when fn succeeds; a stopped buffer never
// flushes again.
func (b *eventBuffer) Flush(fn func([]*structs.Event) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || b.persisted >= len(b.events) {
		return
	}
	chunk := make([]*structs.Event, len(b.events)-b.persisted)
	copy(chunk, b.events[b.persisted:])
	upto := len(b.events)

	if err := fn(chunk); err != nil {
		return
	}
	b.persisted = upto
}

// ResultJSON serializes the full buffer as a JSON array for the terminal
// result column.
func (b *eventBuffer) ResultJSON() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.events
	if events == nil {
		events = []*structs.Event{}
	}
	out, err := json.Marshal(events)
	if err != nil {
		return []byte("[]")
	}
	return out
}

// ScheduleFlush arms the debounce timer unless one is already pending or the
// buffer has been stopped. Returns true when this call armed the timer.
func (b *eventBuffer) ScheduleFlush(d time.Duration, fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || b.flushTimer != nil {
		return false
	}
	b.flushTimer = time.AfterFunc(d, fn)
	return true
}

// FlushFired clears the pending timer so the next event can arm a new one.
func (b *eventBuffer) FlushFired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushTimer = nil
}

// Stop cancels any pending flush and rejects future ones, waiting out an
// in-flight Flush. Called before the terminal row is written so a late timer
// cannot append to logs the terminal write cleared.
func (b *eventBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
}

// encodeNDJSON renders events as newline-delimited JSON for the append-only
// logs column.
func encodeNDJSON(events []*structs.Event) []byte {
	var buf bytes.Buffer
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
