package control

import (
	"strconv"
	"strings"
	"sync"
)

// EventClass is one of the three asynchronous event types the router
// emits over the control channel (spec.md §4.1, §6).
type EventClass string

const (
	EventCirc               EventClass = "CIRC"
	EventStream             EventClass = "STREAM"
	EventExtendPaidCircuit  EventClass = "EXTEND_PAID_CIRCUIT"
)

// Event is a parsed 650 line: its class and the whitespace-separated
// fields that followed the class keyword.
type Event struct {
	Class  EventClass
	Fields []string
	Raw    string
}

// Field returns the i'th field (0-indexed) or "" if it doesn't exist.
func (e Event) Field(i int) string {
	if i < 0 || i >= len(e.Fields) {
		return ""
	}
	return e.Fields[i]
}

// parseEvent parses a line of the form "650 CLASS field field ...".
func parseEvent(line string) (Event, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Event{}, false
	}
	// fields[0] is the "650" code (possibly "650+"/"650-" for
	// continuation forms, which this protocol's event vocabulary does
	// not use).
	if _, err := strconv.Atoi(strings.TrimRight(fields[0], "+-")); err != nil {
		return Event{}, false
	}
	return Event{
		Class:  EventClass(fields[1]),
		Fields: fields[2:],
		Raw:    line,
	}, true
}

// dispatcher fans out events to exactly one subscriber channel per
// class, matching spec.md §4.1's "delivers events in arrival order to
// exactly one subscriber per event class". It is deliberately not the
// teacher's general reflect-based pubsub bus: the wire protocol here has
// three fixed classes, so a map of three channels is simpler and no less
// correct.
type dispatcher struct {
	mu   sync.Mutex
	subs map[EventClass]chan Event
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[EventClass]chan Event)}
}

func (d *dispatcher) subscribe(class EventClass, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.subs[class]; ok {
		close(old)
	}
	ch := make(chan Event, buffer)
	d.subs[class] = ch
	return ch
}

func (d *dispatcher) publish(ev Event) {
	d.mu.Lock()
	ch, ok := d.subs[ev.Class]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		logger.Warn("event subscriber channel full, dropping event", "class", ev.Class)
	}
}

func (d *dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for class, ch := range d.subs {
		close(ch)
		delete(d.subs, class)
	}
}
