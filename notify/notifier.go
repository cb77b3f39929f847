// Package notify implements the event notifier: the ordered, deduplicated
// stream through which the agent learns about session lifecycle transitions.
//
// Event IDs are monotonically increasing per session with no gaps. The
// notifier is handed each fact from inside the owning session's exclusive
// section (see the registry), so one committed transition yields exactly one
// event even under retries. Delivery to subscribers is at-least-once at
// best: a consumer with a full buffer misses live events but can always
// catch up through Replay against the retained log.
package notify

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/logging"
)

// Notifier assigns event IDs, appends to the retained log and fans events
// out to subscribers. Safe for concurrent use.
type Notifier struct {
	mu     sync.Mutex
	next   map[string]uint64 // sessionID -> next event ID (starts at 1)
	events []core.Event
	file   *os.File // nil for in-memory only
	subs   map[int]chan core.Event
	nextID int
	logger logging.Logger
}

// Compile-time interface compliance.
var _ core.EventSink = (*Notifier)(nil)

// Option mutates notifier construction defaults.
type Option func(*Notifier)

// WithLogger overrides the NoOp default logger.
func WithLogger(l logging.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// NewInMemory constructs a notifier without durable backing. Suitable for
// tests and prototypes; a supervisor restart loses event ordering.
func NewInMemory(opts ...Option) *Notifier {
	n := &Notifier{
		next:   make(map[string]uint64),
		subs:   make(map[int]chan core.Event),
		logger: logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Open constructs a notifier backed by an append-only JSON-lines log at
// path. Existing events are loaded so per-session sequence numbers resume
// where the previous process stopped, preserving the no-gaps guarantee
// across supervisor restarts.
func Open(path string, opts ...Option) (*Notifier, error) {
	n := NewInMemory(opts...)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev core.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			file.Close()
			return nil, fmt.Errorf("parsing event log line %d: %w", line, err)
		}
		n.events = append(n.events, ev)
		if ev.ID >= n.next[ev.SessionID] {
			n.next[ev.SessionID] = ev.ID + 1
		}
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return nil, fmt.Errorf("reading event log: %w", err)
	}

	n.file = file
	return n, nil
}

// Emit records one lifecycle fact, assigning the session's next sequence
// number, appending it to the retained log (and the durable log when
// configured), then delivering it to subscribers without blocking.
func (n *Notifier) Emit(sessionID string, kind core.EventKind, detail string) (core.Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next[sessionID]
	if id == 0 {
		id = 1
	}
	ev := core.Event{
		ID:         id,
		SessionID:  sessionID,
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	}

	if n.file != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return core.Event{}, fmt.Errorf("marshaling event: %w", err)
		}
		data = append(data, '\n')
		if _, err := n.file.Write(data); err != nil {
			return core.Event{}, fmt.Errorf("appending event log: %w", err)
		}
		if err := n.file.Sync(); err != nil {
			return core.Event{}, fmt.Errorf("syncing event log: %w", err)
		}
	}

	n.next[sessionID] = id + 1
	n.events = append(n.events, ev)

	for _, sub := range n.subs {
		select {
		case sub <- ev:
		default:
			// Slow consumer: drop the live delivery rather than stall the
			// session's exclusive section. Replay covers the gap.
			n.logger.Warn("event subscriber buffer full, dropped live delivery",
				"session_id", sessionID, "event_id", id, "kind", string(kind))
		}
	}

	return ev, nil
}

// Subscribe registers a new consumer and returns its channel plus a cancel
// function. The channel is buffered with the given size (minimum 1) and is
// closed by cancel or Close.
func (n *Notifier) Subscribe(buffer int) (<-chan core.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan core.Event, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Replay returns all retained events for the session with ID greater than
// afterID, in order. Pass afterID 0 for the full history.
func (n *Notifier) Replay(sessionID string, afterID uint64) []core.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []core.Event
	for _, ev := range n.events {
		if ev.SessionID == sessionID && ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

// All returns a copy of every retained event across sessions, in emission
// order. Ordering across different sessions carries no guarantee.
func (n *Notifier) All() []core.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]core.Event, len(n.events))
	copy(out, n.events)
	return out
}

// Close closes subscriber channels and the durable log if present.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.subs {
		delete(n.subs, id)
		close(sub)
	}
	if n.file != nil {
		err := n.file.Close()
		n.file = nil
		return err
	}
	return nil
}
